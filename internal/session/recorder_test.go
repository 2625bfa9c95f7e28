package session

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/kierenj/beatbrain-mod/internal/protocol"
	"github.com/kierenj/beatbrain-mod/internal/upload"
)

// endpoints fakes the stream and bulk collectors.
type endpoints struct {
	stream *httptest.Server
	bulk   *httptest.Server

	mu       sync.Mutex
	streamed bytes.Buffer
	posted   [][]byte
}

type streamMode int

const (
	streamAccept streamMode = iota
	streamReject            // 404 on the upgrade
	streamHang              // never answer the upgrade
	streamDropFirst         // hang up after the first message
)

func newEndpoints(t *testing.T, mode streamMode, bulkStatus int) *endpoints {
	e := &endpoints{}
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}

	e.stream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch mode {
		case streamReject:
			http.NotFound(w, r)
			return
		case streamHang:
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			e.mu.Lock()
			e.streamed.Write(msg)
			e.mu.Unlock()
			if mode == streamDropFirst {
				return
			}
		}
	}))

	e.bulk = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.posted = append(e.posted, body)
		e.mu.Unlock()
		w.WriteHeader(bulkStatus)
	}))

	t.Cleanup(func() {
		close(release)
		e.stream.Close()
		e.bulk.Close()
	})
	return e
}

func (e *endpoints) options() Options {
	return Options{
		Stream: upload.StreamConfig{
			URL:          "ws" + strings.TrimPrefix(e.stream.URL, "http"),
			WaitInterval: 10 * time.Millisecond,
			DialTimeout:  10 * time.Second,
			CloseTimeout: time.Second,
		},
		Bulk: upload.BulkConfig{URL: e.bulk.URL},
	}
}

func (e *endpoints) streamedBytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return bytes.Clone(e.streamed.Bytes())
}

func (e *endpoints) bulkBodies() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.posted
}

func testMeta() *protocol.Metadata {
	return &protocol.Metadata{
		PlayerName:     "tester",
		PlayerID:       "42",
		DeviceModel:    "test rig",
		SongName:       "Test Song",
		Difficulty:     "Expert",
		BeatsPerMinute: 128,
	}
}

func finish(t *testing.T, r *Recorder) {
	t.Helper()
	r.Close()
	wait(t, r)
}

func wait(t *testing.T, r *Recorder) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := r.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return out
}

func TestRecorderStreams(t *testing.T) {
	e := newEndpoints(t, streamAccept, http.StatusOK)
	r := Open(context.Background(), testMeta(), e.options())

	for i := range 100 {
		if i == 10 {
			r.ScoreChanged(115, 230)
			r.NoteCut(SideLeft)
		}
		if err := r.SampleAt(time.Duration(i)*11*time.Millisecond, &protocol.Pose{HeadRot: protocol.IdentityQuat}); err != nil {
			t.Fatal(err)
		}
	}

	// Close only once the stream is live, or the log goes out in bulk.
	deadline := time.Now().Add(5 * time.Second)
	for r.Buffer().Sent() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.Close()

	out := wait(t, r)
	if out.Path != PathStreamed {
		t.Fatalf("path %v (stream err %v)", out.Path, out.StreamErr)
	}
	if out.Streamed != out.Written || out.Written != r.Buffer().Len() {
		t.Fatalf("outcome %+v", out)
	}
	if len(e.bulkBodies()) != 0 {
		t.Fatal("bulk upload ran after a successful stream")
	}

	// The collector may still be reading the last message.
	deadline = time.Now().Add(5 * time.Second)
	for len(e.streamedBytes()) < out.Written && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !bytes.Equal(e.streamedBytes(), r.Buffer().Bytes()) {
		t.Fatal("collector bytes differ from the session log")
	}

	log, err := protocol.Decode(e.streamedBytes())
	if err != nil {
		t.Fatal(err)
	}
	if name, _ := log.Header.Field("player_name"); name != "tester" {
		t.Fatalf("player_name %q", name)
	}
	if len(log.Frames) != 100 {
		t.Fatalf("decoded %d frames", len(log.Frames))
	}
	f := log.Frames[10]
	if f.Score == nil || f.Score.Raw != 115 || f.Hits.Left != 1 {
		t.Fatalf("frame 10 %+v", f)
	}
	if log.Frames[11].Score != nil || log.Frames[11].Hits.Left != 0 {
		t.Fatal("pending state not reset after being written")
	}
	if got, want := f.Elapsed, int64(110*time.Millisecond/100); got != want {
		t.Fatalf("elapsed %d ticks, want %d", got, want)
	}
}

// TestRecorderStreamDropsMidSession loses the stream after the first
// message. The collector keeps that prefix and nothing is posted, since a
// partly streamed log never goes out in bulk.
func TestRecorderStreamDropsMidSession(t *testing.T) {
	e := newEndpoints(t, streamDropFirst, http.StatusOK)
	r := Open(context.Background(), testMeta(), e.options())

	select {
	case <-r.streamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after the collector hung up")
	}
	for i := range 50 {
		if err := r.SampleAt(time.Duration(i)*11*time.Millisecond, &protocol.Pose{}); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()

	out := wait(t, r)
	if out.Path != PathFailed {
		t.Fatalf("path %v, want failed", out.Path)
	}
	if out.StreamErr == nil || out.BulkErr != nil {
		t.Fatalf("stream err %v, bulk err %v", out.StreamErr, out.BulkErr)
	}
	if out.Streamed == 0 || out.Streamed >= out.Written {
		t.Fatalf("streamed %d of %d bytes", out.Streamed, out.Written)
	}
	if n := len(e.bulkBodies()); n != 0 {
		t.Fatalf("%d bulk posts after a partial stream", n)
	}

	got := e.streamedBytes()
	if len(got) == 0 || len(got) > out.Streamed || !bytes.HasPrefix(r.Buffer().Bytes(), got) {
		t.Fatalf("collector holds %d bytes, not a prefix of the %d streamed", len(got), out.Streamed)
	}
}

// TestRecorderFallbackOnStalledStream closes the session while the stream
// is still connecting; the whole log must go out in bulk and nothing over
// the stream.
func TestRecorderFallbackOnStalledStream(t *testing.T) {
	e := newEndpoints(t, streamHang, http.StatusOK)
	r := Open(context.Background(), testMeta(), e.options())

	for i := range 20 {
		if err := r.SampleAt(time.Duration(i)*time.Millisecond, &protocol.Pose{}); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()

	out := wait(t, r)
	if out.Path != PathBulk {
		t.Fatalf("path %v (bulk err %v)", out.Path, out.BulkErr)
	}
	if out.Streamed != 0 || len(e.streamedBytes()) != 0 {
		t.Fatalf("stream delivered %d bytes", out.Streamed)
	}
	if out.StreamErr == nil {
		t.Fatal("stream task was not cancelled")
	}

	bodies := e.bulkBodies()
	if len(bodies) != 1 {
		t.Fatalf("got %d bulk uploads, want 1", len(bodies))
	}
	if !bytes.Equal(bodies[0], r.Buffer().Bytes()) {
		t.Fatalf("bulk body is %d bytes, log is %d", len(bodies[0]), r.Buffer().Len())
	}
}

func TestRecorderFallbackAfterDialFailure(t *testing.T) {
	e := newEndpoints(t, streamReject, http.StatusOK)
	r := Open(context.Background(), testMeta(), e.options())

	select {
	case <-r.streamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("stream task did not give up")
	}

	if err := r.SampleAt(0, &protocol.Pose{}); err != nil {
		t.Fatal(err)
	}
	r.Close()
	r.Close()

	out := wait(t, r)
	if out.Path != PathBulk {
		t.Fatalf("path %v", out.Path)
	}
	if n := len(e.bulkBodies()); n != 1 {
		t.Fatalf("got %d bulk uploads, want 1", n)
	}
}

func TestRecorderBothPathsFail(t *testing.T) {
	e := newEndpoints(t, streamReject, http.StatusInternalServerError)
	r := Open(context.Background(), testMeta(), e.options())
	r.Close()

	out := wait(t, r)
	if out.Path != PathFailed || out.BulkErr == nil || out.StreamErr == nil {
		t.Fatalf("outcome %+v", out)
	}
}

func TestRecorderCountersCarryOver(t *testing.T) {
	e := newEndpoints(t, streamReject, http.StatusOK)
	r := Open(context.Background(), testMeta(), e.options())
	defer finish(t, r)

	for range 300 {
		r.NoteCut(SideRight)
	}
	r.NoteMissed(SideLeft)
	r.NoteMissed(SideLeft)

	for i := range 3 {
		if err := r.SampleAt(time.Duration(i)*time.Millisecond, nil); err != nil {
			t.Fatal(err)
		}
	}

	log, err := protocol.Decode(r.Buffer().Bytes())
	if err != nil {
		t.Fatal(err)
	}
	want := []protocol.Frame{
		{Hits: protocol.Hands{Right: 255}, Misses: protocol.Hands{Left: 2}},
		{Hits: protocol.Hands{Right: 45}},
		{},
	}
	for i, f := range log.Frames {
		if f.Hits != want[i].Hits || f.Misses != want[i].Misses || f.Pose != nil {
			t.Fatalf("frame %d: hits %+v misses %+v", i, f.Hits, f.Misses)
		}
	}
}

func TestRecorderTimeNeverGoesBack(t *testing.T) {
	e := newEndpoints(t, streamReject, http.StatusOK)
	fake := clock.NewMock()
	opts := e.options()
	opts.Clock = fake
	r := Open(context.Background(), testMeta(), opts)
	defer finish(t, r)

	fake.Add(2 * time.Second)
	if err := r.Sample(protocol.Pose{}); err != nil {
		t.Fatal(err)
	}
	if err := r.SampleAt(time.Second, nil); err != nil {
		t.Fatal(err)
	}

	log, err := protocol.Decode(r.Buffer().Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(log.Frames) != 2 {
		t.Fatalf("decoded %d frames", len(log.Frames))
	}
	for _, f := range log.Frames {
		if f.Elapsed != 2*protocol.TicksPerSecond {
			t.Fatalf("elapsed %d", f.Elapsed)
		}
	}
}

func TestRecorderAppliesOrigin(t *testing.T) {
	e := newEndpoints(t, streamReject, http.StatusOK)
	opts := e.options()
	opts.Origin = protocol.Origin{Position: protocol.Vec3{X: 1, Y: 0, Z: 2}, Rotation: protocol.IdentityQuat}
	r := Open(context.Background(), testMeta(), opts)
	defer finish(t, r)

	local := protocol.Pose{Head: protocol.Vec3{Y: 1.5}, HeadRot: protocol.IdentityQuat}
	if err := r.SampleAt(0, &local); err != nil {
		t.Fatal(err)
	}

	log, err := protocol.Decode(r.Buffer().Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got := log.Frames[0].Pose.Head; got != (protocol.Vec3{X: 1, Y: 1.5, Z: 2}) {
		t.Fatalf("head %+v", got)
	}
}

type countingCaster struct {
	left, right atomic.Int32
}

func (c *countingCaster) HitLeft()  { c.left.Add(1) }
func (c *countingCaster) HitRight() { c.right.Add(1) }

func TestRecorderCastsCuts(t *testing.T) {
	e := newEndpoints(t, streamReject, http.StatusOK)
	caster := &countingCaster{}
	opts := e.options()
	opts.Cast = caster
	r := Open(context.Background(), testMeta(), opts)
	defer finish(t, r)

	r.NoteCut(SideLeft)
	r.NoteCut(SideRight)
	r.NoteCut(SideRight)
	r.NoteMissed(SideLeft)

	if caster.left.Load() != 1 || caster.right.Load() != 2 {
		t.Fatalf("casts left=%d right=%d", caster.left.Load(), caster.right.Load())
	}
}

func TestRecorderIgnoresUnknownSide(t *testing.T) {
	e := newEndpoints(t, streamReject, http.StatusOK)
	caster := &countingCaster{}
	opts := e.options()
	opts.Cast = caster
	r := Open(context.Background(), testMeta(), opts)
	defer finish(t, r)

	for _, side := range []Side{-1, 2, 7} {
		r.NoteCut(side)
		r.NoteMissed(side)
	}
	if err := r.SampleAt(0, nil); err != nil {
		t.Fatal(err)
	}

	if caster.left.Load() != 0 || caster.right.Load() != 0 {
		t.Fatalf("casts left=%d right=%d", caster.left.Load(), caster.right.Load())
	}
	log, err := protocol.Decode(r.Buffer().Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if f := log.Frames[0]; f.Hits != (protocol.Hands{}) || f.Misses != (protocol.Hands{}) {
		t.Fatalf("hits %+v misses %+v", f.Hits, f.Misses)
	}
}

func TestAppendAfterRecorderClose(t *testing.T) {
	e := newEndpoints(t, streamReject, http.StatusOK)
	r := Open(context.Background(), testMeta(), e.options())
	r.Close()

	if err := r.SampleAt(0, nil); err == nil {
		t.Fatal("sample after close succeeded")
	}
	wait(t, r)
}
