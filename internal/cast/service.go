// Package cast finds listener devices on the LAN with a multicast
// heartbeat and pushes note-cut events to every device that answered.
//
// Delivery is best effort: events are neither acknowledged nor retried, and
// an event raised while the send queue is full is dropped.
package cast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/ipv4"

	"github.com/kierenj/beatbrain-mod/internal/protocol"
	"github.com/kierenj/beatbrain-mod/internal/util"
)

var (
	ErrNoInterface = errors.New("no usable network interface")
	ErrNoAddress   = errors.New("no IPv4 address on interface")
)

var logger = util.Named("cast")

// Config configures a Service.
type Config struct {
	Group        string // multicast host:port; the port is also the device port
	Interface    string // empty picks the first usable interface
	PingInterval time.Duration
	Liveness     time.Duration
	InboxSize    int
	Clock        clock.Clock
}

type job struct {
	packet  []byte
	targets []*net.UDPAddr
}

// Service owns the cast socket and its three goroutines: ping (with the
// eviction sweep), receive and send.
type Service struct {
	cfg     Config
	group   *net.UDPAddr
	conn    *net.UDPConn
	targets *TargetSet
	inbox   chan job

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Start opens the cast socket and starts the service. On error nothing is
// left running.
func Start(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Second
	}
	if cfg.Liveness <= 0 {
		cfg.Liveness = 3 * time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("invalid cast group %q: %w", cfg.Group, err)
	}

	ifi, ip, err := selectInterface(cfg.Interface)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip})
	if err != nil {
		return nil, fmt.Errorf("failed to open cast socket on %s: %w", ip, err)
	}

	if group.IP.IsMulticast() {
		if err := joinOutgoing(conn, ifi); err != nil {
			conn.Close()
			return nil, err
		}
	}

	s := &Service{
		cfg:     cfg,
		group:   group,
		conn:    conn,
		targets: NewTargetSet(cfg.Clock, cfg.Liveness),
		inbox:   make(chan job, cfg.InboxSize),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	logger.Infof("pinging %s from %s (%s)", group, conn.LocalAddr(), ifi.Name)

	s.wg.Add(3)
	go s.pingLoop()
	go s.receiveLoop()
	go s.sendLoop()
	return s, nil
}

// LocalAddr returns the address pings are sent from.
func (s *Service) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Targets returns the devices currently live.
func (s *Service) Targets() []*net.UDPAddr {
	return s.targets.Snapshot()
}

// HitLeft casts a left-hand note cut.
func (s *Service) HitLeft() { s.broadcast(protocol.CastHitLeft) }

// HitRight casts a right-hand note cut.
func (s *Service) HitRight() { s.broadcast(protocol.CastHitRight) }

// broadcast queues one packet for every live target. It never blocks.
func (s *Service) broadcast(t protocol.CastType) {
	if s.ctx.Err() != nil {
		return
	}
	targets := s.targets.Snapshot()
	if len(targets) == 0 {
		return
	}

	select {
	case s.inbox <- job{packet: protocol.EncodeCast(t), targets: targets}:
	default:
		util.Stats.AddCastDropped()
		logger.Debugf("queue full, dropped %s", t)
	}
}

// Close stops the service and waits for its goroutines. Closing the socket
// is what unblocks the receiver. Safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.conn.Close()
		s.wg.Wait()
		util.Stats.SetTargets(0)
	})
	return s.closeErr
}

func (s *Service) pingLoop() {
	defer s.wg.Done()

	ticker := s.cfg.Clock.Ticker(s.cfg.PingInterval)
	defer ticker.Stop()

	ping := protocol.EncodeCast(protocol.CastPing)
	s.send(ping, s.group)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.send(ping, s.group)
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	for _, addr := range s.targets.Sweep() {
		logger.Infof("lost %s", addr)
	}
	util.Stats.SetTargets(s.targets.Len())
}

func (s *Service) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, 512)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("receive failed: %v", err)
			continue
		}
		s.handle(buf[:n], from)
	}
}

func (s *Service) handle(data []byte, from *net.UDPAddr) {
	t, err := protocol.DecodeCast(data)
	if err != nil {
		logger.Warnf("dropped packet from %s: %v", from, err)
		return
	}

	if t != protocol.CastPong {
		logger.Debugf("ignoring %s from %s", t, from)
		return
	}

	// Devices answer from any port; events go to the cast port.
	addr := &net.UDPAddr{IP: from.IP, Port: s.group.Port}
	switch s.targets.Observe(addr) {
	case Revived:
		logger.Infof("lost %s", addr)
		logger.Infof("found %s", addr)
	case Found:
		logger.Infof("found %s", addr)
	}
	util.Stats.SetTargets(s.targets.Len())
}

func (s *Service) sendLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.inbox:
			sent := 0
			for _, addr := range j.targets {
				if s.send(j.packet, addr) {
					sent++
				}
			}
			util.Stats.AddCast(sent)
		}
	}
}

func (s *Service) send(packet []byte, addr *net.UDPAddr) bool {
	if _, err := s.conn.WriteToUDP(packet, addr); err != nil {
		if s.ctx.Err() == nil {
			logger.Debugf("send to %s failed: %v", addr, err)
		}
		return false
	}
	return true
}

// joinOutgoing routes multicast sends out of ifi, keeps them on the local
// link and loops them back so a listener on this host hears them too.
func joinOutgoing(conn *net.UDPConn, ifi *net.Interface) error {
	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastInterface(ifi); err != nil {
		return fmt.Errorf("failed to set multicast interface %s: %w", ifi.Name, err)
	}
	if err := p.SetMulticastTTL(1); err != nil {
		return fmt.Errorf("failed to set multicast ttl: %w", err)
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("failed to enable multicast loopback: %w", err)
	}
	return nil
}

// selectInterface returns the named interface, or the first one that is
// up, not loopback and multicast capable, with its IPv4 address.
func selectInterface(name string) (*net.Interface, net.IP, error) {
	if name != "" {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrNoInterface, err)
		}
		if ifi.Flags&net.FlagUp == 0 {
			return nil, nil, fmt.Errorf("%w: %s is down", ErrNoInterface, name)
		}
		ip, err := interfaceIPv4(ifi)
		if err != nil {
			return nil, nil, err
		}
		return ifi, ip, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoInterface, err)
	}

	candidates := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		candidates++
		if ip, err := interfaceIPv4(ifi); err == nil {
			return ifi, ip, nil
		}
	}
	if candidates > 0 {
		return nil, nil, ErrNoAddress
	}
	return nil, nil, ErrNoInterface
}

func interfaceIPv4(ifi *net.Interface) (net.IP, error) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoAddress, ifi.Name, err)
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAddress, ifi.Name)
}
