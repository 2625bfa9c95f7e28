package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide telemetry/cast counter.
var Stats = &stats{}

type stats struct {
	Frames        atomic.Int64 // cumulative frames appended to session buffers
	BytesStreamed atomic.Int64 // cumulative bytes written to the streaming connection
	BytesBulk     atomic.Int64 // cumulative bytes posted by the bulk fallback
	CastsSent     atomic.Int64 // cumulative event datagrams sent to live targets
	CastsDropped  atomic.Int64 // events dropped because the cast inbox was full
	Targets       atomic.Int64 // current number of live cast targets
}

func (s *stats) AddFrame()         { s.Frames.Add(1) }
func (s *stats) AddStreamed(n int) { s.BytesStreamed.Add(int64(n)) }
func (s *stats) AddBulk(n int)     { s.BytesBulk.Add(int64(n)) }
func (s *stats) AddCast(n int)     { s.CastsSent.Add(int64(n)) }
func (s *stats) AddCastDropped()   { s.CastsDropped.Add(1) }
func (s *stats) SetTargets(n int)  { s.Targets.Store(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevFrames, prevStreamed, prevCasts int64
		for {
			select {
			case <-ticker.C:
				frames := Stats.Frames.Load()
				streamed := Stats.BytesStreamed.Load()
				casts := Stats.CastsSent.Load()
				targets := Stats.Targets.Load()

				fps := float64(frames-prevFrames) / secs
				up := float64(streamed-prevStreamed) / secs
				cs := casts - prevCasts

				if frames != prevFrames || streamed != prevStreamed || cs > 0 {
					pterm.DefaultLogger.Info(formatStats(fps, up, cs, targets))
				}

				prevFrames = frames
				prevStreamed = streamed
				prevCasts = casts

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(fps, up float64, casts, targets int64) string {
	return fmt.Sprintf("Frames: %6.1f/s | Up: %s/s | Casts: %3d | Targets: %2d",
		fps,
		FormatBytes(up),
		casts,
		targets,
	)
}
