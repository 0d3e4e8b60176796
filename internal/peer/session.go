// Package peer implements one direct connection between two nodes of the
// mesh: the identity and id handshake, the keepalive echo, and the hand-off
// of flooded traffic to whoever owns the peer set.
package peer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/p2pquake/internal/protocol"
	"github.com/1ureka/p2pquake/internal/transport"
	"github.com/1ureka/p2pquake/internal/util"
)

// DefaultKeepaliveInterval is how often an established session echoes.
const DefaultKeepaliveInterval = 150 * time.Second

// Options customizes a Session.
type Options struct {
	Clock             clock.Clock
	KeepaliveInterval time.Duration
	Transport         transport.Options
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	return o
}

// DataHandler receives flooded packets (5xx, 615, 635) on the session's
// receive goroutine.
type DataHandler func(from *Session, pkt *protocol.Packet)

// Session is one peer connection. A hosted session was accepted by our
// listener and drives the handshake; a client session was dialed by us and
// answers it.
type Session struct {
	conn   *transport.Conn
	hosted bool
	opts   Options

	mu          sync.Mutex
	id          int
	info        protocol.ClientInfo
	established bool
	onData      DataHandler
}

// NewHosted wraps an inbound socket.
func NewHosted(nc net.Conn, opts Options) *Session {
	s := &Session{hosted: true, opts: opts.withDefaults()}
	s.conn = transport.Accept(nc, s.transportOptions("peer "+util.RemoteHost(nc)))
	return s
}

// NewClient prepares an outbound session to a peer advertised by the
// directory. Nothing is dialed until Handshake.
func NewClient(desc protocol.PeerDescriptor, opts Options) *Session {
	s := &Session{hosted: false, id: desc.ID, opts: opts.withDefaults()}
	s.conn = transport.Dial(desc.Addr(), s.transportOptions(fmt.Sprintf("peer %d", desc.ID)))
	return s
}

func (s *Session) transportOptions(name string) transport.Options {
	t := s.opts.Transport
	t.Name = name
	t.Incompatible = []int{protocol.CodeNonCompliant, protocol.CodePeerIncompatible}
	t.Intercept = s.intercept
	return t
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

// Handshake exchanges identities and ids, then starts the keepalive. ctx
// bounds the whole life of the session, not just the handshake.
func (s *Session) Handshake(ctx context.Context, local protocol.ClientInfo, selfID int) (protocol.ClientInfo, error) {
	if err := s.conn.Start(ctx); err != nil {
		return protocol.ClientInfo{}, err
	}

	var (
		remote protocol.ClientInfo
		err    error
	)
	if s.hosted {
		remote, err = s.hostedHandshake(local)
	} else {
		remote, err = s.clientHandshake(local, selfID)
	}
	if err != nil {
		s.conn.Disconnect()
		return protocol.ClientInfo{}, err
	}

	s.mu.Lock()
	s.info = remote
	s.established = true
	id := s.id
	s.mu.Unlock()

	s.conn.SetName(fmt.Sprintf("peer %d", id))
	go s.keepalive(s.opts.Clock.Ticker(s.opts.KeepaliveInterval))

	util.LogDebug("[peer %d] established with %s (%s)", id, s.conn.RemoteAddr(), remote)
	return remote, nil
}

// hostedHandshake: send 614, expect 634; send 612, expect 632 with the id.
func (s *Session) hostedHandshake(local protocol.ClientInfo) (protocol.ClientInfo, error) {
	resp, err := s.conn.Request(protocol.MustNew(protocol.CodePeerInfo, 1, local.Fields()...), protocol.CodePeerInfoReply)
	if err != nil {
		return protocol.ClientInfo{}, err
	}
	remote, err := protocol.ParseClientInfo(resp.Data)
	if err != nil {
		return protocol.ClientInfo{}, fmt.Errorf("%w: %v", transport.ErrBadResponse, err)
	}

	resp, err = s.conn.Request(protocol.MustNew(protocol.CodePeerIDRequest, 1), protocol.CodePeerIDReply)
	if err != nil {
		return protocol.ClientInfo{}, err
	}
	id, err := strconv.Atoi(resp.Field(0))
	if err != nil {
		return protocol.ClientInfo{}, fmt.Errorf("%w: peer id %q", transport.ErrBadResponse, resp.Field(0))
	}

	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	return remote, nil
}

// clientHandshake: expect 614, answer 634; expect 612, answer 632 with our id.
func (s *Session) clientHandshake(local protocol.ClientInfo, selfID int) (protocol.ClientInfo, error) {
	req, err := s.conn.Wait(protocol.CodePeerInfo)
	if err != nil {
		return protocol.ClientInfo{}, err
	}
	remote, err := protocol.ParseClientInfo(req.Data)
	if err != nil {
		return protocol.ClientInfo{}, fmt.Errorf("%w: %v", transport.ErrBadResponse, err)
	}
	if err := s.conn.Send(protocol.MustNew(protocol.CodePeerInfoReply, 1, local.Fields()...)); err != nil {
		return protocol.ClientInfo{}, err
	}

	if _, err := s.conn.Wait(protocol.CodePeerIDRequest); err != nil {
		return protocol.ClientInfo{}, err
	}
	if err := s.conn.Send(protocol.MustNew(protocol.CodePeerIDReply, 1, strconv.Itoa(selfID))); err != nil {
		return protocol.ClientInfo{}, err
	}
	return remote, nil
}

// ---------------------------------------------------------------------------
// Receive hooks
// ---------------------------------------------------------------------------

// intercept runs on the receive goroutine before anything is queued.
func (s *Session) intercept(pkt *protocol.Packet) bool {
	switch {
	case pkt.IsDataPlane(), pkt.Code == protocol.CodePeerProbe, pkt.Code == protocol.CodePeerProbeReply:
		s.mu.Lock()
		fn := s.onData
		s.mu.Unlock()
		if fn != nil {
			fn(s, pkt)
		}
		return true

	case pkt.Code == protocol.CodePeerEcho:
		if err := s.conn.Send(protocol.MustNew(protocol.CodePeerEchoReply, 1)); err != nil {
			util.LogDebug("[peer %d] failed to answer echo: %v", s.ID(), err)
		}
		return true

	case pkt.Code == protocol.CodePeerIncompatible:
		// Leave it for the handshake waiter, then hang up.
		util.LogWarning("[peer %d] rejected our protocol version", s.ID())
		s.conn.Enqueue(pkt)
		s.conn.Disconnect()
		return true
	}
	return false
}

// keepalive echoes every tick; a missing reply ends the session.
func (s *Session) keepalive(ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.conn.Request(protocol.MustNew(protocol.CodePeerEcho, 1), protocol.CodePeerEchoReply); err != nil {
				util.LogInfo("[peer %d] keepalive failed, disconnecting: %v", s.ID(), err)
				s.conn.Disconnect()
				return
			}
		case <-s.conn.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// OnData sets the handler for flooded traffic. Packets arriving while no
// handler is set are dropped.
func (s *Session) OnData(fn DataHandler) {
	s.mu.Lock()
	s.onData = fn
	s.mu.Unlock()
}

// Send writes pkt to the peer.
func (s *Session) Send(pkt *protocol.Packet) error {
	return s.conn.Send(pkt)
}

// ID returns the peer's id: the advertised one for client sessions, the
// exchanged one for hosted sessions (0 until the handshake completes).
func (s *Session) ID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Info returns the peer's identity once established.
func (s *Session) Info() protocol.ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Established reports whether the handshake completed.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

func (s *Session) Hosted() bool           { return s.hosted }
func (s *Session) RemoteHost() string     { return s.conn.RemoteHost() }
func (s *Session) RemoteAddr() string     { return s.conn.RemoteAddr() }
func (s *Session) Done() <-chan struct{}  { return s.conn.Done() }
func (s *Session) OnDisconnect(fn func()) { s.conn.OnDisconnect(fn) }
func (s *Session) Disconnect()            { s.conn.Disconnect() }
