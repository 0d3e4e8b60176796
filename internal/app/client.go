// Package app contains the network controller: it joins the mesh through the
// directory servers, keeps the registration alive, maintains the peer set
// and surfaces received observations.
package app

import (
	"context"
	"errors"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/1ureka/p2pquake/internal/config"
	"github.com/1ureka/p2pquake/internal/directory"
	"github.com/1ureka/p2pquake/internal/flood"
	"github.com/1ureka/p2pquake/internal/peer"
	"github.com/1ureka/p2pquake/internal/protocol"
	"github.com/1ureka/p2pquake/internal/sign"
	"github.com/1ureka/p2pquake/internal/transport"
	"github.com/1ureka/p2pquake/internal/util"
)

const (
	// keyRenewMargin: echo renews the key when less than this is left.
	keyRenewMargin = 20 * time.Minute
	// leaveTimeout bounds the goodbye sent when Run is cancelled.
	leaveTimeout = 15 * time.Second
)

// Options are the collaborators and tunables around a Config.
type Options struct {
	Version           string
	Clock             clock.Clock
	ListenHost        string // empty listens on all interfaces
	KeepaliveInterval time.Duration
	Transport         transport.Options
	Sign              []sign.Option
}

// State is a snapshot of the controller.
type State struct {
	Joined         bool
	PeerID         int
	PortForwarded  bool
	Peers          int
	Registered     int       // network size reported at registration
	KeyExpiration  time.Time // zero without a key
	ProtocolOffset time.Duration
	Census         map[int]int
}

// Client is the network controller.
type Client struct {
	cfg    config.Config
	opts   Options
	info   protocol.ClientInfo
	clock  clock.Clock
	signer *sign.Service
	flood  *flood.Controller

	// life bounds every peer session.
	life   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	joined   bool
	peerID   int
	total    int
	portOpen bool
	key      *sign.Key
	offset   time.Duration
	census   map[int]int
	ln       net.Listener
	pending  map[string]struct{}
	slots    int // handshakes in flight, counted against MaxPeers

	obsMu     sync.Mutex
	observers []func(State)
}

// New creates a controller for cfg. Nothing touches the network until Join.
func New(cfg config.Config, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	life, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		opts:    opts,
		info:    protocol.LocalClientInfo(opts.Version),
		clock:   opts.Clock,
		life:    life,
		cancel:  cancel,
		pending: make(map[string]struct{}),
	}
	c.signer = sign.NewService(c.ProtocolTime, opts.Sign...)
	c.flood = flood.New(c.signer)
	return c
}

func (c *Client) peerOptions() peer.Options {
	return peer.Options{
		Clock:             c.clock,
		KeepaliveInterval: c.opts.KeepaliveInterval,
		Transport:         c.opts.Transport,
	}
}

// reserveSlot claims room for one more peer. Established peers plus
// handshakes in flight never exceed MaxPeers.
func (c *Client) reserveSlot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flood.Count()+c.slots >= c.cfg.MaxPeers {
		return false
	}
	c.slots++
	return true
}

// releaseSlot returns a slot once its handshake ended. An admitted peer is
// counted by the flood controller from then on.
func (c *Client) releaseSlot() {
	c.mu.Lock()
	c.slots--
	c.mu.Unlock()
}

// admit hands an established session to the flood controller.
func (c *Client) admit(sess *peer.Session) bool {
	if err := c.flood.Attach(sess); err != nil {
		util.LogDebug("[peer %d] %v, closing", sess.ID(), err)
		sess.Disconnect()
		return false
	}
	util.LogInfo("[peer %d] connected (%s, %d peers)", sess.ID(), sess.Info(), c.flood.Count())
	sess.OnDisconnect(c.notify)
	c.notify()
	return true
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

// Join enters the network: listen, then handshake with a directory, obtain a
// temporary id, check the port, connect peers, register, fetch a key, the
// census and the protocol time. Joining twice is a no-op.
func (c *Client) Join(ctx context.Context) error {
	if c.Joined() {
		util.LogWarning("already joined, ignoring join request")
		return nil
	}
	if err := c.listen(); err != nil {
		return err
	}

	util.LogInfo("joining the network")
	err := c.withDirectory(ctx, func(s *directory.Session) error {
		id, err := s.TemporaryID()
		if err != nil {
			return err
		}
		util.LogInfo("assigned peer id %d", id)
		c.flood.SetSelfID(id)

		open, err := s.CheckPortForwarding(id, c.cfg.ListenPort)
		if err != nil {
			return err
		}
		if !open {
			util.LogWarning("port %d is not reachable from outside", c.cfg.ListenPort)
		}

		if err := c.connectPeers(s, id); err != nil {
			return err
		}

		total, err := s.Register(id, c.cfg.ListenPort, c.cfg.AreaCode, c.flood.Count(), c.cfg.MaxPeers)
		if err != nil {
			return err
		}
		util.LogInfo("registered, %d peers online", total)

		key, err := s.RequestKey(id)
		if err != nil {
			return err
		}
		if key == nil {
			util.LogWarning("directory did not issue a key")
		}

		census, err := s.RegionalCensus()
		if err != nil {
			return err
		}
		if err := c.syncTime(s); err != nil {
			return err
		}

		c.mu.Lock()
		c.joined = true
		c.peerID = id
		c.total = total
		c.portOpen = open
		c.key = key
		c.census = census
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	util.LogSuccess("joined the network as peer %d", c.PeerID())
	c.notify()
	return nil
}

// Echo keeps the registration alive, renews the key when it is close to
// expiry and tops the peer set up.
func (c *Client) Echo(ctx context.Context) error {
	if !c.Joined() {
		return ErrNotJoined
	}
	id := c.PeerID()

	err := c.withDirectory(ctx, func(s *directory.Session) error {
		ok, err := s.Echo(id, c.flood.Count())
		if err != nil {
			return err
		}
		if !ok {
			return ErrAddressChanged
		}

		c.mu.Lock()
		key := c.key
		c.mu.Unlock()
		if key.ExpiresWithin(c.ProtocolTime(), keyRenewMargin) {
			renewed, err := s.RenewKey(id, key)
			if err != nil {
				return err
			}
			if renewed == nil {
				util.LogWarning("key renewal refused")
			} else {
				util.LogInfo("key renewed until %s", protocol.FormatTime(renewed.Expiration))
				c.mu.Lock()
				c.key = renewed
				c.mu.Unlock()
			}
		}

		if c.flood.Count() < c.cfg.MinPeers {
			if err := c.connectPeers(s, id); err != nil {
				return err
			}
		}
		return c.syncTime(s)
	})
	if err != nil {
		return err
	}

	util.LogDebug("echo done (%d peers)", c.flood.Count())
	c.notify()
	return nil
}

// Leave disconnects every peer and tells a directory we are gone. Membership
// ends even when no directory can be reached.
func (c *Client) Leave(ctx context.Context) error {
	if !c.Joined() {
		return ErrNotJoined
	}
	util.LogInfo("leaving the network")

	c.flood.DisconnectAll()
	lnErr := c.closeListener()

	c.mu.Lock()
	id, key := c.peerID, c.key
	c.mu.Unlock()

	err := c.withDirectory(ctx, func(s *directory.Session) error {
		return s.Leave(id, key)
	})
	c.reset()

	if errors.Is(err, ErrNoDirectory) {
		util.LogWarning("no directory reachable, left without notice")
		err = nil
	}
	return multierr.Append(err, lnErr)
}

// reset drops membership state after leaving or an address change.
func (c *Client) reset() {
	c.mu.Lock()
	c.joined = false
	c.key = nil
	c.census = nil
	c.mu.Unlock()
	c.notify()
}

// Run joins, echoes every EchoInterval and leaves when ctx is cancelled.
// Failed joins are retried on the next tick; an address change triggers a
// fresh join with new peers.
func (c *Client) Run(ctx context.Context) error {
	ticker := c.clock.Ticker(c.cfg.EchoInterval)
	defer ticker.Stop()

	for {
		if !c.Joined() {
			if err := c.Join(ctx); err != nil && ctx.Err() == nil {
				util.LogWarning("join failed, retrying in %s: %v", c.cfg.EchoInterval, err)
			}
		}

		select {
		case <-ctx.Done():
			if !c.Joined() {
				return nil
			}
			leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			err := c.Leave(leaveCtx)
			cancel()
			return err

		case <-ticker.C:
			if !c.Joined() {
				continue
			}
			err := c.Echo(ctx)
			switch {
			case errors.Is(err, ErrAddressChanged):
				util.LogWarning("address changed, rejoining")
				c.flood.DisconnectAll()
				c.reset()
			case err != nil:
				util.LogWarning("echo failed: %v", err)
			}
		}
	}
}

// Close tears everything down without telling the directory.
func (c *Client) Close() error {
	c.cancel()
	c.flood.DisconnectAll()
	return c.closeListener()
}

func (c *Client) syncTime(s *directory.Session) error {
	t, err := s.ProtocolTime()
	if err != nil {
		return err
	}
	offset := t.Sub(c.clock.Now())
	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
	util.LogDebug("protocol time offset %s", offset)
	return nil
}

// ---------------------------------------------------------------------------
// Data plane
// ---------------------------------------------------------------------------

// Publish signs payload with the held key and floods it as a user quake
// report (555).
func (c *Client) Publish(payload string) error {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	if key == nil {
		return ErrNoKey
	}

	signed, err := c.signer.SignPeer(payload, key)
	if err != nil {
		return err
	}
	pkt, err := protocol.New(protocol.CodeUserQuake, 1, signed.Fields()...)
	if err != nil {
		return err
	}
	n := c.flood.Broadcast(pkt)
	util.LogInfo("published user quake report to %d peers", n)
	return nil
}

// Probe starts a path probe through the mesh and returns its nonce. Replies
// arrive at OnProbeReply handlers.
func (c *Client) Probe() (int64, error) {
	if !c.Joined() {
		return 0, ErrNotJoined
	}
	nonce, n := c.flood.Probe()
	util.LogDebug("probe %d sent to %d peers", nonce, n)
	return nonce, nil
}

// OnData registers fn for every first-seen observation.
func (c *Client) OnData(fn flood.DataHandler) {
	c.flood.OnData(fn)
}

// OnProbeReply registers fn for replies to our probes.
func (c *Client) OnProbeReply(fn func(flood.ProbeReply)) {
	c.flood.OnProbeReply(fn)
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// OnStateChange registers fn to run after each membership or peer set change.
func (c *Client) OnStateChange(fn func(State)) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

func (c *Client) notify() {
	st := c.State()
	c.obsMu.Lock()
	observers := slices.Clone(c.observers)
	c.obsMu.Unlock()
	for _, fn := range observers {
		fn(st)
	}
}

// State returns a snapshot of the controller.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Joined:         c.joined,
		PeerID:         c.peerID,
		PortForwarded:  c.portOpen,
		Peers:          c.flood.Count(),
		Registered:     c.total,
		ProtocolOffset: c.offset,
		Census:         maps.Clone(c.census),
	}
	if c.key != nil {
		st.KeyExpiration = c.key.Expiration
	}
	return st
}

// Joined reports whether the node is a registered member of the network.
func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// PeerID returns the id assigned at join.
func (c *Client) PeerID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// ProtocolTime is the local clock corrected to the directory's clock.
func (c *Client) ProtocolTime() time.Time {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()
	return c.clock.Now().Add(offset).In(protocol.JST)
}

// Peers returns the ids of connected peers.
func (c *Client) Peers() []int {
	return c.flood.IDs()
}
