// Command beatbrain is the BeatBrain CLI entry point.
//
// This tool records a play session into the BeatBrain telemetry log, streams
// it to the collector (falling back to a single bulk upload when the stream
// never got going) and flashes note cuts to listener devices on the LAN.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (--role, --config, --duration, --out, --in, ...).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/kierenj/beatbrain-mod/internal/config"
	"github.com/kierenj/beatbrain-mod/internal/util"
)

var version = "dev"

// options are the per-run settings that do not belong in the config file.
type options struct {
	duration time.Duration
	rate     int
	song     string
	out      string
	in       string
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: session, listener or decode")
	configPath := flag.String("config", "", "YAML config file")
	writeConfig := flag.String("write-config", "", "Write the effective config to this path and exit")
	debugMode := flag.Bool("debug", false, "Enable debug logging")

	streamURL := flag.String("stream-url", "", "Websocket endpoint the session is streamed to")
	bulkURL := flag.String("bulk-url", "", "HTTP endpoint for the bulk fallback")
	compression := flag.String("compression", "", "Bulk body encoding: none, zstd or lz4")
	group := flag.String("group", "", "Cast multicast group host:port")
	iface := flag.String("iface", "", "Network interface for LAN cast")
	noCast := flag.Bool("no-cast", false, "Disable LAN cast")
	player := flag.String("player", "", "Player name written to the log header")

	var opts options
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "Length of the synthetic session")
	flag.IntVar(&opts.rate, "rate", 90, "Samples per second")
	flag.StringVar(&opts.song, "song", "Synthetic Session", "Song name written to the log header")
	flag.StringVarP(&opts.out, "out", "o", "", "Also write the finalized log to this file")
	flag.StringVarP(&opts.in, "in", "i", "", "Session log to decode")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("failed to load config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags override the config file only when given.
	overrides := map[string]func(){
		"stream-url":  func() { cfg.Upload.StreamURL = *streamURL },
		"bulk-url":    func() { cfg.Upload.BulkURL = *bulkURL },
		"compression": func() { cfg.Upload.Compression = *compression },
		"group":       func() { cfg.Cast.Group = *group },
		"iface":       func() { cfg.Cast.Interface = *iface },
		"no-cast":     func() { cfg.Cast.Enabled = !*noCast },
		"player":      func() { cfg.Identity.PlayerName = *player },
		"debug":       func() { cfg.Log.Debug = *debugMode },
	}
	flag.Visit(func(f *flag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	if opts.rate < 1 || opts.rate > 1000 {
		util.LogError("invalid --rate (must be 1~1000)")
		os.Exit(1)
	}

	if *writeConfig != "" {
		if err := config.Save(*writeConfig, cfg); err != nil {
			util.LogError("failed to write config: %v", err)
			os.Exit(1)
		}
		util.LogSuccess("config written to %s", *writeConfig)
		return
	}

	if cfg.Log.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("BeatBrain — v%s", version))
	pterm.Println()

	switch config.Role(*role) {
	case "":
		// No --role flag → interactive mode.
		runInteractive(ctx, cfg, opts)

	case config.RoleSession:
		runSession(ctx, cfg, opts)

	case config.RoleListener:
		runListener(ctx, cfg)

	case config.RoleDecode:
		if opts.in == "" {
			util.LogError("missing --in for decode role")
			os.Exit(1)
		}
		runDecode(opts.in)

	default:
		util.LogError("invalid --role: must be 'session', 'listener' or 'decode'")
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role when no --role flag is provided.
func runInteractive(ctx context.Context, cfg config.Config, opts options) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Session  — Record and upload a synthetic session",
			"Listener — Act as a LAN cast device",
			"Decode   — Inspect a session log",
		}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(role, "Session"):
		runSession(ctx, cfg, opts)
	case strings.HasPrefix(role, "Listener"):
		runListener(ctx, cfg)
	default:
		if opts.in == "" {
			opts.in = askPath()
		}
		runDecode(opts.in)
	}
}

// askPath prompts for an existing file until one is entered.
func askPath() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Session log path").
			Show()

		path := strings.TrimSpace(raw)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			pterm.Println()
			return path
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter the path of a session log")
	}
}
