package cast

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"github.com/kierenj/beatbrain-mod/internal/protocol"
	"github.com/kierenj/beatbrain-mod/internal/util"
)

var respLog = util.Named("responder")

// Responder plays the part of a listener device: it answers every ping
// with a pong and reports received note cuts.
type Responder struct {
	conn  *net.UDPConn
	onHit func(protocol.CastType)

	silent atomic.Bool
	pings  atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// Listen opens a responder on group. A multicast group is joined on the
// named interface (empty lets the system choose); any other address is
// bound directly. onHit may be nil.
func Listen(group, iface string, onHit func(protocol.CastType)) (*Responder, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("invalid cast group %q: %w", group, err)
	}

	var conn *net.UDPConn
	if addr.IP.IsMulticast() {
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{Port: addr.Port})
		if err != nil {
			return nil, fmt.Errorf("failed to listen on port %d: %w", addr.Port, err)
		}

		var ifi *net.Interface
		if iface != "" {
			if ifi, err = net.InterfaceByName(iface); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%w: %v", ErrNoInterface, err)
			}
		}
		if err := ipv4.NewPacketConn(conn).JoinGroup(ifi, &net.UDPAddr{IP: addr.IP}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to join %s: %w", addr.IP, err)
		}
	} else {
		conn, err = net.ListenUDP("udp4", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
	}

	r := &Responder{
		conn:  conn,
		onHit: onHit,
		done:  make(chan struct{}),
	}
	go r.serve()
	return r, nil
}

// Addr returns the local address of the responder socket.
func (r *Responder) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Pings returns the number of pings received.
func (r *Responder) Pings() int64 {
	return r.pings.Load()
}

// SetSilent stops (or resumes) answering pings, as a device that went away.
func (r *Responder) SetSilent(silent bool) {
	r.silent.Store(silent)
}

// Close stops the responder.
func (r *Responder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.conn.Close()
		<-r.done
	})
	return err
}

func (r *Responder) serve() {
	defer close(r.done)

	pong := protocol.EncodeCast(protocol.CastPong)
	buf := make([]byte, 512)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			respLog.Warnf("receive failed: %v", err)
			continue
		}

		t, err := protocol.DecodeCast(buf[:n])
		if err != nil {
			respLog.Warnf("dropped packet from %s: %v", from, err)
			continue
		}

		switch t {
		case protocol.CastPing:
			r.pings.Add(1)
			if r.silent.Load() {
				continue
			}
			if _, err := r.conn.WriteToUDP(pong, from); err != nil {
				respLog.Debugf("pong to %s failed: %v", from, err)
			}
		case protocol.CastHitLeft, protocol.CastHitRight:
			if r.onHit != nil {
				r.onHit(t)
			}
		}
	}
}
