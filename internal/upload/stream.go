// Package upload delivers a session log to the collector, either streamed
// over a websocket while the session runs or posted whole at the end.
package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kierenj/beatbrain-mod/internal/util"
)

// DefaultChunkSize is the default and largest websocket message.
const DefaultChunkSize = 32 * 1024

// ErrPeerClosed is returned when the collector ends the stream first.
var ErrPeerClosed = errors.New("collector closed the stream")

var logger = util.Named("stream")

// Source is the consumer side of a session buffer.
type Source interface {
	// Tail returns up to limit unsent bytes and marks them in flight.
	Tail(limit int) []byte
	// Advance acknowledges n bytes of the in-flight chunk.
	Advance(n int)
	// Release abandons the in-flight chunk.
	Release()
	// Drained reports closed and fully sent.
	Drained() bool
	// Notify signals new data.
	Notify() <-chan struct{}
	// Finalized is closed when no more data will be appended.
	Finalized() <-chan struct{}
}

// StreamConfig configures a Streamer.
type StreamConfig struct {
	URL          string
	Header       http.Header
	ChunkSize    int
	WaitInterval time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	CloseTimeout time.Duration
}

// Streamer pushes a growing session log over one websocket connection.
type Streamer struct {
	cfg    StreamConfig
	dialer *websocket.Dialer
}

// NewStreamer fills zero settings with defaults and caps the chunk size
// at DefaultChunkSize.
func NewStreamer(cfg StreamConfig) *Streamer {
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > DefaultChunkSize {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 250 * time.Millisecond
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.DialTimeout
	return &Streamer{cfg: cfg, dialer: &dialer}
}

// Run connects and drains src until it is finalized and fully sent, ctx
// is cancelled, or the connection fails. It returns the number of bytes
// delivered. There is no reconnect: on error the remaining bytes stay
// unsent and the caller decides whether a fallback applies.
//
// A panic inside the loop is recovered and reported as an error so it
// only ends this task.
func (s *Streamer) Run(ctx context.Context, src Source) (sent int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream task panic: %v", r)
		}
	}()

	conn, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}
	logger.Debugf("stream connected: %s", s.cfg.URL)

	// Read loop: collectors send nothing but control frames, but reading is
	// what processes a close from their side.
	peerDone := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				peerDone <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.WaitInterval)
	defer ticker.Stop()

	finalized := src.Finalized()
	for {
		n, err := s.drain(ctx, conn, src)
		sent += n
		if err != nil {
			conn.Close()
			return sent, err
		}

		if src.Drained() {
			s.closeGracefully(conn, peerDone)
			return sent, nil
		}

		select {
		case <-src.Notify():
		case <-finalized:
			// Stop selecting on a closed channel; the next drain catches up.
			finalized = nil
		case <-ticker.C:
		case err := <-peerDone:
			conn.Close()
			return sent, fmt.Errorf("%w: %v", ErrPeerClosed, err)
		case <-ctx.Done():
			conn.Close()
			return sent, ctx.Err()
		}
	}
}

// connect dials the collector with the session headers.
func (s *Streamer) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, _, err := s.dialer.DialContext(dialCtx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream endpoint: %w", err)
	}
	return conn, nil
}

// drain sends the unsent tail in chunks until caught up. Cancellation is
// checked between chunks; a chunk already being written completes.
func (s *Streamer) drain(ctx context.Context, conn *websocket.Conn, src Source) (int, error) {
	sent := 0
	for ctx.Err() == nil {
		chunk := src.Tail(s.cfg.ChunkSize)
		if len(chunk) == 0 {
			return sent, nil
		}

		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			src.Release()
			return sent, fmt.Errorf("failed to write chunk: %w", err)
		}

		src.Advance(len(chunk))
		sent += len(chunk)
		util.Stats.AddStreamed(len(chunk))
	}
	return sent, nil
}

// closeGracefully performs the close handshake and waits briefly for the
// collector's reply before dropping the connection.
func (s *Streamer) closeGracefully(conn *websocket.Conn, peerDone <-chan error) {
	defer conn.Close()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session complete")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		logger.Debugf("stream close handshake failed: %v", err)
		return
	}

	if s.cfg.CloseTimeout <= 0 {
		return
	}
	select {
	case <-peerDone:
	case <-time.After(s.cfg.CloseTimeout):
		logger.Debugf("collector did not answer close within %v", s.cfg.CloseTimeout)
	}
}
