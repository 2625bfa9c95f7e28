// Package session holds the append-only session log and the Recorder that
// turns host callbacks into frames and hands the log to the uploaders.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kierenj/beatbrain-mod/internal/protocol"
)

// initialCapacity covers a typical level without regrowth; longer
// sessions grow the backing array as needed.
const initialCapacity = 2 << 20

// maxFrameSize is the largest encoding of a single frame.
const maxFrameSize = 9 + 84 + 8 + 4

var ErrClosed = errors.New("session buffer is closed")

// Cursors is a consistent view of the buffer's offsets.
type Cursors struct {
	Write  int  // bytes produced
	Sent   int  // bytes acknowledged by the uploader
	Final  int  // final length, -1 while open
	Closed bool
}

// Buffer is the append-only byte log of one session. One producer appends
// frames; one consumer reads the unsent tail and advances the send cursor.
// The mutex covers only offset bookkeeping, never I/O.
//
// Bytes below the write cursor are never modified, so slices handed out
// by Tail and Bytes stay valid even after later appends regrow the array.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	sent     int
	inflight int // length of the chunk handed out by Tail, 0 if none
	final    int
	claimed  bool // the bulk fallback owns the log; Tail yields nothing

	notify    chan struct{}
	finalized chan struct{}
}

// NewBuffer writes the header for fields and returns an open buffer.
func NewBuffer(fields []string) *Buffer {
	data := make([]byte, 0, initialCapacity)
	return &Buffer{
		data:      protocol.AppendHeader(data, fields),
		final:     -1,
		notify:    make(chan struct{}, 1),
		finalized: make(chan struct{}),
	}
}

// AppendFrame encodes f and appends it in one step.
func (b *Buffer) AppendFrame(f *protocol.Frame) error {
	var scratch [maxFrameSize]byte
	return b.Append(protocol.AppendFrame(scratch[:0], f))
}

// Append adds raw bytes to the log and wakes the uploader.
func (b *Buffer) Append(p []byte) error {
	b.mu.Lock()
	if b.final >= 0 {
		b.mu.Unlock()
		return ErrClosed
	}
	b.data = append(b.data, p...)
	b.mu.Unlock()

	// Non-blocking signal to the uploader.
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close fixes the final length and forbids further appends. Only the
// first call has an effect; every call returns the final length.
func (b *Buffer) Close() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.final < 0 {
		b.final = len(b.data)
		close(b.finalized)
	}
	return b.final
}

// Tail returns up to limit unsent bytes starting at the send cursor and
// marks them in flight. The caller must follow with Advance or Release.
func (b *Buffer) Tail(limit int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed {
		return nil
	}
	end := min(b.sent+limit, len(b.data))
	b.inflight = end - b.sent
	return b.data[b.sent:end:end]
}

// Advance moves the send cursor past n bytes of the in-flight chunk.
func (b *Buffer) Advance(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || n > b.inflight {
		panic(fmt.Sprintf("session: advance %d exceeds in-flight chunk of %d bytes", n, b.inflight))
	}
	b.sent += n
	b.inflight = 0
}

// Release abandons the in-flight chunk without moving the send cursor.
func (b *Buffer) Release() {
	b.mu.Lock()
	b.inflight = 0
	b.mu.Unlock()
}

// ClaimFallback hands the whole log to the bulk uploader. It succeeds at
// most once, and only when the buffer is closed, nothing has been sent and
// no chunk is in flight. After a successful claim Tail returns nothing, so
// the streaming and bulk paths never both deliver the same bytes.
func (b *Buffer) ClaimFallback() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed || b.final < 0 || b.sent != 0 || b.inflight != 0 {
		return false
	}
	b.claimed = true
	return true
}

// Drained reports whether the buffer is closed and fully sent.
func (b *Buffer) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.final >= 0 && b.sent == b.final
}

// Sent returns the send cursor.
func (b *Buffer) Sent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

// Len returns the write cursor.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Snapshot returns all cursors under one lock.
func (b *Buffer) Snapshot() Cursors {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Cursors{
		Write:  len(b.data),
		Sent:   b.sent,
		Final:  b.final,
		Closed: b.final >= 0,
	}
}

// Bytes returns everything written so far. After Close this is the
// complete session log.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.data)
	return b.data[:n:n]
}

// Notify returns a channel that receives a signal (at most one pending)
// after each append.
func (b *Buffer) Notify() <-chan struct{} {
	return b.notify
}

// Finalized returns a channel closed by the first Close.
func (b *Buffer) Finalized() <-chan struct{} {
	return b.finalized
}
