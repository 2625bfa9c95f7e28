package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/kierenj/beatbrain-mod/internal/protocol"
	"github.com/kierenj/beatbrain-mod/internal/util"
)

// runDecode prints the header and a summary of the frames of a log file.
func runDecode(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		util.LogError("failed to read %s: %v", path, err)
		os.Exit(1)
	}

	log, err := protocol.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrTruncated) && log != nil:
		util.LogWarning("log ends inside a frame; showing the %d complete frames", len(log.Frames))
	case err != nil:
		util.LogError("failed to decode %s: %v", path, err)
		os.Exit(1)
	}

	header := [][]string{{"Field", "Value"}}
	for i, name := range protocol.FieldNames {
		if i < len(log.Header.Fields) {
			header = append(header, []string{name, log.Header.Fields[i]})
		}
	}
	pterm.DefaultSection.Println("Header")
	pterm.DefaultTable.WithHasHeader().WithData(header).Render()

	s := summarize(log.Frames)
	pterm.DefaultSection.Println("Frames")
	pterm.DefaultTable.WithHasHeader().WithData([][]string{
		{"Metric", "Value"},
		{"Size", util.FormatBytes(float64(len(data)))},
		{"BLAKE3", util.Digest(data)},
		{"Frames", strconv.Itoa(s.frames)},
		{"Duration", fmt.Sprintf("%.2fs", s.seconds)},
		{"Movement frames", strconv.Itoa(s.movement)},
		{"Score updates", strconv.Itoa(s.scores)},
		{"Final score", fmt.Sprintf("%d (%d modified)", s.last.Raw, s.last.Modified)},
		{"Hits (L/R)", fmt.Sprintf("%d / %d", s.hits[0], s.hits[1])},
		{"Misses (L/R)", fmt.Sprintf("%d / %d", s.misses[0], s.misses[1])},
	}).Render()
}

type summary struct {
	frames, movement, scores int
	seconds                  float64
	last                     protocol.Score
	hits, misses             [2]int
}

func summarize(frames []*protocol.Frame) summary {
	var s summary
	s.frames = len(frames)
	for _, f := range frames {
		if f.Pose != nil {
			s.movement++
		}
		if f.Score != nil {
			s.scores++
			s.last = *f.Score
		}
		s.hits[0] += int(f.Hits.Left)
		s.hits[1] += int(f.Hits.Right)
		s.misses[0] += int(f.Misses.Left)
		s.misses[1] += int(f.Misses.Right)
	}
	if len(frames) > 0 {
		s.seconds = float64(frames[len(frames)-1].Elapsed) / protocol.TicksPerSecond
	}
	return s
}
