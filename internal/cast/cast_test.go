package cast

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kierenj/beatbrain-mod/internal/protocol"
	"github.com/kierenj/beatbrain-mod/internal/util"
)

var (
	deviceA = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 4096}
	deviceB = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 11), Port: 4096}
)

func contains(addrs []*net.UDPAddr, want *net.UDPAddr) bool {
	for _, a := range addrs {
		if a.String() == want.String() {
			return true
		}
	}
	return false
}

func TestTargetLiveness(t *testing.T) {
	fake := clock.NewMock()
	set := NewTargetSet(fake, 3*time.Second)

	if got := set.Observe(deviceA); got != Found {
		t.Fatalf("first observation = %v, want Found", got)
	}
	if !contains(set.Snapshot(), deviceA) {
		t.Fatal("target missing right after pong")
	}

	fake.Add(2900 * time.Millisecond)
	if !contains(set.Snapshot(), deviceA) || len(set.Sweep()) != 0 {
		t.Fatal("target expired inside the liveness window")
	}

	fake.Add(200 * time.Millisecond)
	if contains(set.Snapshot(), deviceA) {
		t.Fatal("target still live past the liveness window")
	}
	evicted := set.Sweep()
	if len(evicted) != 1 || evicted[0].String() != deviceA.String() {
		t.Fatalf("evicted %v", evicted)
	}
	if set.Len() != 0 {
		t.Fatalf("len %d after sweep", set.Len())
	}
}

func TestObserveRefreshes(t *testing.T) {
	fake := clock.NewMock()
	set := NewTargetSet(fake, 3*time.Second)

	set.Observe(deviceA)
	for range 10 {
		fake.Add(time.Second)
		if got := set.Observe(deviceA); got != Refreshed {
			t.Fatalf("refresh = %v, want Refreshed", got)
		}
	}
	if len(set.Sweep()) != 0 {
		t.Fatal("refreshed target evicted")
	}

	// Expired but not swept yet: the next pong evicts and finds it again.
	fake.Add(4 * time.Second)
	if got := set.Observe(deviceA); got != Revived {
		t.Fatalf("observation after expiry = %v, want Revived", got)
	}
	if got := set.Observe(deviceA); got != Refreshed {
		t.Fatalf("observation after revival = %v, want Refreshed", got)
	}

	// Swept in between: unknown again.
	fake.Add(4 * time.Second)
	set.Sweep()
	if got := set.Observe(deviceA); got != Found {
		t.Fatalf("observation after sweep = %v, want Found", got)
	}
}

// TestOneOfTwoDevicesStops has two devices answer, then only one keeps
// answering; 3.5s later exactly one remains.
func TestOneOfTwoDevicesStops(t *testing.T) {
	fake := clock.NewMock()
	set := NewTargetSet(fake, 3*time.Second)

	set.Observe(deviceA)
	set.Observe(deviceB)
	for range 7 {
		fake.Add(500 * time.Millisecond)
		set.Observe(deviceA)
	}

	snap := set.Snapshot()
	if len(snap) != 1 || !contains(snap, deviceA) {
		t.Fatalf("snapshot %v, want only %s", snap, deviceA)
	}
	evicted := set.Sweep()
	if len(evicted) != 1 || evicted[0].String() != deviceB.String() {
		t.Fatalf("evicted %v", evicted)
	}
}

// TestSnapshotDuringSweep races snapshots against observation, sweeping
// and time moving forward. A device refreshed every step must always be
// present; one that stopped must never appear once its window has passed.
func TestSnapshotDuringSweep(t *testing.T) {
	fake := clock.NewMock()
	start := fake.Now()
	set := NewTargetSet(fake, 3*time.Second)

	set.Observe(deviceA)
	set.Observe(deviceB)

	var (
		wg      sync.WaitGroup
		stopped atomic.Bool
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer stopped.Store(true)
		for range 100 {
			set.Observe(deviceA)
			fake.Add(100 * time.Millisecond)
			set.Observe(deviceA)
			set.Sweep()
		}
	}()
	go func() {
		defer wg.Done()
		for !stopped.Load() {
			before := fake.Now()
			snap := set.Snapshot()
			if !contains(snap, deviceA) {
				t.Error("refreshed device missing from snapshot")
				return
			}
			if before.Sub(start) > 3*time.Second && contains(snap, deviceB) {
				t.Error("expired device present in snapshot")
				return
			}
		}
	}()
	wg.Wait()

	if contains(set.Snapshot(), deviceB) {
		t.Fatal("stopped device still live")
	}
}

func TestBroadcastWithoutTargets(t *testing.T) {
	s := &Service{
		ctx:     context.Background(),
		targets: NewTargetSet(clock.New(), time.Second),
		inbox:   make(chan job, 1),
	}
	dropped := util.Stats.CastsDropped.Load()

	s.HitLeft()
	s.HitRight()

	if len(s.inbox) != 0 {
		t.Fatal("event queued with no targets")
	}
	if util.Stats.CastsDropped.Load() != dropped {
		t.Fatal("event counted as dropped")
	}
}

func TestBroadcastDropsWhenQueueFull(t *testing.T) {
	s := &Service{
		ctx:     context.Background(),
		targets: NewTargetSet(clock.New(), time.Minute),
		inbox:   make(chan job, 1),
	}
	s.targets.Observe(deviceA)
	s.targets.Observe(deviceB)
	dropped := util.Stats.CastsDropped.Load()

	s.HitLeft()
	s.HitRight()

	if len(s.inbox) != 1 {
		t.Fatalf("queue holds %d jobs, want 1", len(s.inbox))
	}
	j := <-s.inbox
	if protocol.CastType(j.packet[0]) != protocol.CastHitLeft || len(j.targets) != 2 {
		t.Fatalf("queued %v to %v", j.packet, j.targets)
	}
	if got := util.Stats.CastsDropped.Load() - dropped; got != 1 {
		t.Fatalf("dropped %d, want 1", got)
	}
}

// loopback returns the name of an up loopback interface with IPv4.
func loopback(t *testing.T) string {
	t.Helper()
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skipf("interfaces: %v", err)
	}
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagLoopback == 0 || ifi.Flags&net.FlagUp == 0 {
			continue
		}
		if _, err := interfaceIPv4(ifi); err == nil {
			return ifi.Name
		}
	}
	t.Skip("no IPv4 loopback interface")
	return ""
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServiceCastsToResponder(t *testing.T) {
	iface := loopback(t)

	var lefts, rights atomic.Int32
	r, err := Listen("127.0.0.1:0", "", func(ct protocol.CastType) {
		if ct == protocol.CastHitLeft {
			lefts.Add(1)
		} else {
			rights.Add(1)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	s, err := Start(context.Background(), Config{
		Group:        r.Addr().String(),
		Interface:    iface,
		PingInterval: 20 * time.Millisecond,
		Liveness:     200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	waitFor(t, "responder discovery", func() bool { return len(s.Targets()) == 1 })
	if got := s.Targets()[0]; got.Port != r.Addr().Port {
		t.Fatalf("target %s, want port %d", got, r.Addr().Port)
	}

	s.HitLeft()
	s.HitRight()
	s.HitRight()
	waitFor(t, "cast events", func() bool { return lefts.Load() == 1 && rights.Load() == 2 })

	r.SetSilent(true)
	waitFor(t, "eviction", func() bool { return len(s.Targets()) == 0 })
}

func TestServiceIgnoresUnknownPackets(t *testing.T) {
	iface := loopback(t)

	s, err := Start(context.Background(), Config{
		Group:        "127.0.0.1:9",
		Interface:    iface,
		PingInterval: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	conn, err := net.DialUDP("udp4", nil, s.LocalAddr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	for _, p := range [][]byte{{0x7f}, {}, {byte(protocol.CastPing)}} {
		if _, err := conn.Write(p); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := conn.Write(protocol.EncodeCast(protocol.CastPong)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "pong", func() bool { return len(s.Targets()) == 1 })
	if s.targets.Len() != 1 {
		t.Fatalf("len %d, want 1", s.targets.Len())
	}
	if got := s.Targets()[0].Port; got != 9 {
		t.Fatalf("target port %d, want the cast port", got)
	}
}

func TestServiceClose(t *testing.T) {
	iface := loopback(t)

	s, err := Start(context.Background(), Config{Group: "127.0.0.1:9", Interface: iface})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		s.Close()
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung")
	}

	// Events after close are dropped silently.
	s.HitLeft()
}

func TestSelectInterfaceUnknownName(t *testing.T) {
	if _, _, err := selectInterface("no-such-interface0"); err == nil {
		t.Fatal("expected error")
	} else if !errors.Is(err, ErrNoInterface) {
		t.Fatalf("got %v, want ErrNoInterface", err)
	}
}
