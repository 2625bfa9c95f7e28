package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/kierenj/beatbrain-mod/internal/protocol"
	"github.com/kierenj/beatbrain-mod/internal/upload"
	"github.com/kierenj/beatbrain-mod/internal/util"
)

// Side identifies the hand a note event belongs to.
type Side int

const (
	SideLeft Side = iota
	SideRight
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

func (s Side) valid() bool { return s == SideLeft || s == SideRight }

// Caster receives note-cut events for the LAN cast.
type Caster interface {
	HitLeft()
	HitRight()
}

// Path is how a session log reached the collector.
type Path int

const (
	PathFailed Path = iota
	PathStreamed
	PathBulk
)

func (p Path) String() string {
	switch p {
	case PathStreamed:
		return "streamed"
	case PathBulk:
		return "bulk"
	default:
		return "failed"
	}
}

// Outcome summarizes a finished upload.
type Outcome struct {
	Path      Path
	Written   int // final buffer length
	Streamed  int // bytes delivered over the stream
	StreamErr error
	BulkErr   error
}

// Options configures a Recorder.
type Options struct {
	Stream upload.StreamConfig
	Bulk   upload.BulkConfig
	Origin protocol.Origin
	Clock  clock.Clock
	Cast   Caster // optional
}

// Recorder adapts host callbacks to frames in a session buffer and owns the
// uploads of that buffer. Host methods never block on the network.
type Recorder struct {
	id    string
	log   util.Logger
	buf   *Buffer
	clock clock.Clock
	start time.Time
	cast  Caster

	bulk         *upload.Bulk
	bulkCtx      context.Context
	cancelStream context.CancelFunc

	// pending state flushed into the next frame
	mu     sync.Mutex
	origin protocol.Origin
	last   int64
	score  *protocol.Score
	hits   [2]int
	misses [2]int

	closeOnce  sync.Once
	closed     chan struct{}
	streamDone chan struct{}
	bulkDone   chan struct{}
	claimed    atomic.Bool

	resMu     sync.Mutex
	streamed  int
	streamErr error
	bulkErr   error
}

// Open writes the header for meta and starts streaming it.
func Open(ctx context.Context, meta *protocol.Metadata, opts Options) *Recorder {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Origin == (protocol.Origin{}) {
		opts.Origin = protocol.IdentityOrigin
	}

	id := uuid.NewString()
	header := opts.Stream.Header.Clone()
	if header == nil {
		header = make(map[string][]string)
	}
	header.Set("Content-Type", protocol.ContentType)
	header.Set(upload.HeaderSessionID, id)
	opts.Stream.Header = header

	streamCtx, cancel := context.WithCancel(ctx)
	r := &Recorder{
		id:           id,
		log:          util.Named("session").With("id", id),
		buf:          NewBuffer(meta.Fields()),
		clock:        opts.Clock,
		start:        opts.Clock.Now(),
		cast:         opts.Cast,
		bulk:         upload.NewBulk(opts.Bulk),
		bulkCtx:      ctx,
		cancelStream: cancel,
		origin:       opts.Origin,
		closed:       make(chan struct{}),
		streamDone:   make(chan struct{}),
		bulkDone:     make(chan struct{}),
	}

	r.log.Infof("opened: %s (%s)", meta.SongName, meta.Difficulty)

	streamer := upload.NewStreamer(opts.Stream)
	go r.stream(streamCtx, streamer)
	return r
}

// ID returns the session id sent with every upload.
func (r *Recorder) ID() string { return r.id }

// Buffer exposes the session log.
func (r *Recorder) Buffer() *Buffer { return r.buf }

// SetOrigin replaces the play-space origin applied to later samples.
func (r *Recorder) SetOrigin(o protocol.Origin) {
	r.mu.Lock()
	r.origin = o
	r.mu.Unlock()
}

// Sample appends a frame for the current tick. local is the tracker-local
// pose; it is written in world space.
func (r *Recorder) Sample(local protocol.Pose) error {
	return r.SampleAt(r.clock.Now().Sub(r.start), &local)
}

// SampleAt appends a frame at elapsed time since Open. A nil pose writes an
// event-only frame. Elapsed values earlier than the previous frame are
// raised to it so frames stay in time order.
func (r *Recorder) SampleAt(elapsed time.Duration, local *protocol.Pose) error {
	r.mu.Lock()
	ticks := max(int64(elapsed/100), r.last)
	r.last = ticks

	f := protocol.Frame{Elapsed: ticks, Score: r.score}
	if local != nil {
		world := r.origin.World(*local)
		f.Pose = &world
	}
	r.score = nil
	f.Hits.Left = take(&r.hits[SideLeft])
	f.Hits.Right = take(&r.hits[SideRight])
	f.Misses.Left = take(&r.misses[SideLeft])
	f.Misses.Right = take(&r.misses[SideRight])
	r.mu.Unlock()

	if err := r.buf.AppendFrame(&f); err != nil {
		return err
	}
	util.Stats.AddFrame()
	return nil
}

// take returns a pending counter clamped to one byte and keeps the rest
// for the next frame.
func take(n *int) uint8 {
	v := min(*n, 255)
	*n -= v
	return uint8(v)
}

// ScoreChanged records the latest absolute score for the next frame.
func (r *Recorder) ScoreChanged(raw, modified int32) {
	r.mu.Lock()
	r.score = &protocol.Score{Raw: raw, Modified: modified}
	r.mu.Unlock()
}

// NoteCut counts a hit and casts it to the LAN. Sides other than left and
// right (bombs, arcs) are ignored.
func (r *Recorder) NoteCut(side Side) {
	if !side.valid() {
		return
	}
	r.mu.Lock()
	r.hits[side]++
	r.mu.Unlock()

	if r.cast == nil {
		return
	}
	if side == SideLeft {
		r.cast.HitLeft()
	} else {
		r.cast.HitRight()
	}
}

// NoteMissed counts a miss. Sides other than left and right are ignored.
func (r *Recorder) NoteMissed(side Side) {
	if !side.valid() {
		return
	}
	r.mu.Lock()
	r.misses[side]++
	r.mu.Unlock()
}

// Close finalizes the log. If the stream has not delivered a byte, the
// stream is cancelled and the whole log is posted in the background.
// Close returns immediately; use Wait for the result.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		n := r.buf.Close()
		r.log.Debugf("closed at %s", util.FormatBytes(float64(n)))
		r.tryFallback()
		close(r.closed)
	})
}

// Wait blocks until Close has been called and every upload has finished.
func (r *Recorder) Wait(ctx context.Context) (Outcome, error) {
	for _, ch := range []<-chan struct{}{r.closed, r.streamDone} {
		select {
		case <-ch:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	if r.claimed.Load() {
		select {
		case <-r.bulkDone:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}

	r.resMu.Lock()
	defer r.resMu.Unlock()
	out := Outcome{
		Written:   r.buf.Len(),
		Streamed:  r.streamed,
		StreamErr: r.streamErr,
		BulkErr:   r.bulkErr,
	}
	switch {
	case r.claimed.Load() && r.bulkErr == nil:
		out.Path = PathBulk
	case !r.claimed.Load() && r.buf.Drained():
		out.Path = PathStreamed
	default:
		out.Path = PathFailed
	}
	return out, nil
}

func (r *Recorder) stream(ctx context.Context, s *upload.Streamer) {
	defer close(r.streamDone)

	sent, err := s.Run(ctx, r.buf)

	r.resMu.Lock()
	r.streamed = sent
	r.streamErr = err
	r.resMu.Unlock()

	switch {
	case err == nil:
		r.log.Infof("streamed: %s", util.FormatBytes(float64(sent)))
	case errors.Is(err, context.Canceled) && r.claimed.Load():
		r.log.Debugf("stream cancelled for bulk upload")
	default:
		r.log.Warnf("stream stopped after %d bytes: %v", sent, err)
	}

	// A stream that failed before sending anything after Close already
	// ran leaves the fallback to us.
	select {
	case <-r.buf.Finalized():
		r.tryFallback()
	default:
	}
}

// tryFallback starts the bulk upload if the buffer can still be claimed.
func (r *Recorder) tryFallback() {
	if !r.buf.ClaimFallback() {
		return
	}
	r.claimed.Store(true)
	r.cancelStream()

	data := r.buf.Bytes()
	go func() {
		defer close(r.bulkDone)

		err := r.sendBulk(data)
		r.resMu.Lock()
		r.bulkErr = err
		r.resMu.Unlock()

		if err != nil {
			r.log.Errorf("bulk upload failed: %v", err)
			return
		}
		r.log.Infof("uploaded in bulk: %s", util.FormatBytes(float64(len(data))))
	}()
}

func (r *Recorder) sendBulk(data []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("bulk task panic: %v", p)
		}
	}()
	return r.bulk.Send(r.bulkCtx, r.id, data)
}
