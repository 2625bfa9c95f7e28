package main

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/kierenj/beatbrain-mod/internal/cast"
	"github.com/kierenj/beatbrain-mod/internal/config"
	"github.com/kierenj/beatbrain-mod/internal/protocol"
	"github.com/kierenj/beatbrain-mod/internal/session"
	"github.com/kierenj/beatbrain-mod/internal/upload"
	"github.com/kierenj/beatbrain-mod/internal/util"
)

// runSession records a synthetic session, uploads it and reports the result.
func runSession(ctx context.Context, cfg config.Config, opts options) {
	util.StartStatsReporter(ctx, cfg.Log.StatsInterval)

	var caster session.Caster
	if cfg.Cast.Enabled {
		svc, err := cast.Start(ctx, cast.Config{
			Group:        cfg.Cast.Group,
			Interface:    cfg.Cast.Interface,
			PingInterval: cfg.Cast.PingInterval,
			Liveness:     cfg.Cast.Liveness,
			InboxSize:    cfg.Cast.InboxSize,
		})
		if err != nil {
			// Telemetry does not depend on the cast.
			util.LogWarning("LAN cast unavailable: %v", err)
		} else {
			defer svc.Close()
			caster = svc
		}
	}

	meta := &protocol.Metadata{
		PlayerName:     cfg.Identity.PlayerName,
		PlayerID:       cfg.Identity.PlayerID,
		DeviceModel:    cfg.Identity.DeviceModel,
		LevelID:        "synthetic",
		SongName:       opts.song,
		BeatsPerMinute: 120,
		Difficulty:     "Expert",
		Characteristic: "Standard",
		Modifiers: protocol.Modifiers{
			SongSpeedMul:        1,
			SongSpeed:           "Normal",
			EnabledObstacleType: "All",
			EnergyType:          "Bar",
		},
	}

	// The upload outlives Ctrl+C: an interrupted session is still closed
	// and delivered.
	rec := session.Open(context.WithoutCancel(ctx), meta, session.Options{
		Stream: upload.StreamConfig{
			URL:          cfg.Upload.StreamURL,
			ChunkSize:    cfg.Upload.ChunkSize,
			WaitInterval: cfg.Upload.WaitInterval,
			DialTimeout:  cfg.Upload.DialTimeout,
			WriteTimeout: cfg.Upload.WriteTimeout,
			CloseTimeout: cfg.Upload.CloseTimeout,
		},
		Bulk: upload.BulkConfig{
			URL:         cfg.Upload.BulkURL,
			Timeout:     cfg.Upload.BulkTimeout,
			Compression: cfg.Upload.Compression,
		},
		Cast: caster,
	})

	drive(ctx, rec, opts.duration, opts.rate)
	rec.Close()

	if opts.out != "" {
		data := rec.Buffer().Bytes()
		if err := os.WriteFile(opts.out, data, 0o644); err != nil {
			util.LogError("failed to write %s: %v", opts.out, err)
		} else {
			util.LogInfo("session log written to %s (%s, blake3 %s)", opts.out, util.FormatBytes(float64(len(data))), util.Digest(data)[:16])
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Upload.DialTimeout+cfg.Upload.WriteTimeout+cfg.Upload.CloseTimeout+cfg.Upload.BulkTimeout)
	defer cancel()

	out, err := rec.Wait(waitCtx)
	if err != nil {
		util.LogError("upload did not finish: %v", err)
		os.Exit(1)
	}

	switch out.Path {
	case session.PathStreamed:
		util.LogSuccess("session %s delivered over the stream (%s)", rec.ID(), util.FormatBytes(float64(out.Streamed)))
	case session.PathBulk:
		util.LogSuccess("session %s delivered in bulk (%s)", rec.ID(), util.FormatBytes(float64(out.Written)))
	default:
		util.LogError("session %s not delivered: stream: %v, bulk: %v", rec.ID(), out.StreamErr, out.BulkErr)
		os.Exit(1)
	}
}

// drive feeds the recorder a synthetic player: a swaying head, hands
// swinging through notes, about two notes a second with one in ten missed.
func drive(ctx context.Context, rec *session.Recorder, duration time.Duration, rate int) {
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	start := time.Now()
	var raw int32
	for {
		select {
		case <-ctx.Done():
			util.LogWarning("interrupted, closing session early")
			return

		case <-deadline.C:
			return

		case now := <-ticker.C:
			if rand.Float64() < 2/float64(rate) {
				side := session.Side(rand.IntN(2))
				if rand.IntN(10) == 0 {
					rec.NoteMissed(side)
				} else {
					rec.NoteCut(side)
					raw += 70 + int32(rand.IntN(46))
					rec.ScoreChanged(raw, raw)
				}
			}

			if err := rec.Sample(syntheticPose(now.Sub(start).Seconds())); err != nil {
				util.LogError("failed to record sample: %v", err)
				return
			}
		}
	}
}

func syntheticPose(t float64) protocol.Pose {
	swing := math.Sin(t * 2 * math.Pi)
	return protocol.Pose{
		Head:     protocol.Vec3{X: float32(0.05 * math.Sin(t)), Y: 1.7, Z: 0},
		Left:     protocol.Vec3{X: -0.3, Y: float32(1.1 + 0.3*swing), Z: 0.4},
		Right:    protocol.Vec3{X: 0.3, Y: float32(1.1 - 0.3*swing), Z: 0.4},
		HeadRot:  yaw(0.2 * math.Sin(t/2)),
		LeftRot:  pitch(swing),
		RightRot: pitch(-swing),
	}
}

func yaw(a float64) protocol.Quat {
	return protocol.Quat{W: float32(math.Cos(a / 2)), Y: float32(math.Sin(a / 2))}
}

func pitch(a float64) protocol.Quat {
	return protocol.Quat{W: float32(math.Cos(a / 2)), X: float32(math.Sin(a / 2))}
}
