package cast

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Observation is what a reply meant for its sender's liveness.
type Observation int

const (
	// Refreshed: the sender was already live.
	Refreshed Observation = iota
	// Found: the sender was unknown.
	Found
	// Revived: the sender had expired but was not swept yet. It counts as
	// evicted and found again.
	Revived
)

type target struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

// TargetSet is the set of live cast devices. Every read and write goes
// through one mutex, so a snapshot never includes a device evicted before
// it and never misses one that stayed live.
type TargetSet struct {
	mu       sync.Mutex
	clock    clock.Clock
	liveness time.Duration
	targets  map[string]target
}

// NewTargetSet returns an empty set whose entries expire once they have
// not been observed for longer than liveness.
func NewTargetSet(c clock.Clock, liveness time.Duration) *TargetSet {
	return &TargetSet{
		clock:    c,
		liveness: liveness,
		targets:  map[string]target{},
	}
}

// Observe records a reply from addr.
func (s *TargetSet) Observe(addr *net.UDPAddr) Observation {
	key := addr.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	old, ok := s.targets[key]
	s.targets[key] = target{addr: addr, lastSeen: now}
	switch {
	case !ok:
		return Found
	case s.expired(old, now):
		return Revived
	}
	return Refreshed
}

// Sweep removes every expired entry and returns their addresses.
func (s *TargetSet) Sweep() []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var evicted []*net.UDPAddr
	for key, t := range s.targets {
		if s.expired(t, now) {
			delete(s.targets, key)
			evicted = append(evicted, t.addr)
		}
	}
	return evicted
}

// Snapshot returns the addresses live right now, in a stable order.
// Expired entries are left out even if no sweep has run yet.
func (s *TargetSet) Snapshot() []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	addrs := make([]*net.UDPAddr, 0, len(s.targets))
	for _, t := range s.targets {
		if !s.expired(t, now) {
			addrs = append(addrs, t.addr)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	return addrs
}

// Len returns the number of entries, including expired ones not yet swept.
func (s *TargetSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

func (s *TargetSet) expired(t target, now time.Time) bool {
	return now.Sub(t.lastSeen) > s.liveness
}
