// Package flood owns the live peer set and floods traffic across it.
//
// Observation data (5xx) is relayed to every other peer once, keyed on its
// signature field. Path probes (615) travel a single branch and are answered
// hop by hop (635); replies retrace the recorded path back to the initiator.
package flood

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/p2pquake/internal/peer"
	"github.com/1ureka/p2pquake/internal/protocol"
	"github.com/1ureka/p2pquake/internal/util"
)

// CacheSize bounds both loop-suppression caches.
const CacheSize = 100

// selfOrigin marks probes this node started in the probe cache.
const selfOrigin = -1

// relayWait bounds how long a fan-out holds the caller. Sends still pending
// after it finish in the background, limited by the connection write deadline.
const relayWait = 500 * time.Millisecond

// ErrDuplicatePeer is returned by Add for a peer id already in the set.
var ErrDuplicatePeer = errors.New("peer already connected")

// Peer is what the controller needs from a connection.
type Peer interface {
	ID() int
	RemoteHost() string
	Send(*protocol.Packet) error
	Disconnect()
}

// DataHandler receives every first-seen observation packet with the outcome
// of its signature check.
type DataHandler func(verified bool, pkt *protocol.Packet)

// ProbeReply is one node's answer to a probe this node started.
type ProbeReply struct {
	Initiator int
	Nonce     int64
	Responder int
	Peers     []int  // peers connected to the responder
	ProbeHops uint32 // hops the probe took to reach the responder
	ReplyHops uint32 // hops the reply took to come back
}

type probeKey struct {
	initiator int
	nonce     int64
}

// Controller is the registry of established peers plus the flooding logic.
type Controller struct {
	verifier Verifier
	nonces   *NonceGen
	selfID   atomic.Int64

	mu    sync.Mutex
	peers []Peer

	signatures *lru.Cache[string, struct{}]
	probes     *lru.Cache[probeKey, int]

	obsMu        sync.Mutex
	dataHandlers []DataHandler
	probeReplies []func(ProbeReply)
}

// New creates a controller. A nil verifier marks all data unverified.
func New(verifier Verifier) *Controller {
	// Only non-promoting calls (ContainsOrAdd, PeekOrAdd, Peek) touch these,
	// so eviction follows insertion order.
	signatures, _ := lru.New[string, struct{}](CacheSize)
	probes, _ := lru.New[probeKey, int](CacheSize)
	return &Controller{
		verifier:   verifier,
		nonces:     NewNonceGen(),
		signatures: signatures,
		probes:     probes,
	}
}

// SetSelfID records the id this node announces in probe replies.
func (c *Controller) SetSelfID(id int) {
	c.selfID.Store(int64(id))
}

func (c *Controller) self() int {
	return int(c.selfID.Load())
}

// ---------------------------------------------------------------------------
// Observers
// ---------------------------------------------------------------------------

// OnData registers fn for observation packets. Handlers run on the receiving
// peer's goroutine, after relay and outside any controller lock.
func (c *Controller) OnData(fn DataHandler) {
	c.obsMu.Lock()
	c.dataHandlers = append(c.dataHandlers, fn)
	c.obsMu.Unlock()
}

// OnProbeReply registers fn for replies to probes started with Probe.
func (c *Controller) OnProbeReply(fn func(ProbeReply)) {
	c.obsMu.Lock()
	c.probeReplies = append(c.probeReplies, fn)
	c.obsMu.Unlock()
}

func (c *Controller) emitData(verified bool, pkt *protocol.Packet) {
	c.obsMu.Lock()
	handlers := slices.Clone(c.dataHandlers)
	c.obsMu.Unlock()
	for _, fn := range handlers {
		fn(verified, pkt)
	}
}

func (c *Controller) emitProbeReply(r ProbeReply) {
	c.obsMu.Lock()
	handlers := slices.Clone(c.probeReplies)
	c.obsMu.Unlock()
	for _, fn := range handlers {
		fn(r)
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Attach registers an established session and routes its traffic here. The
// session leaves the set when it disconnects.
func (c *Controller) Attach(s *peer.Session) error {
	if err := c.Add(s); err != nil {
		return err
	}
	s.OnData(func(from *peer.Session, pkt *protocol.Packet) { c.Handle(from, pkt) })
	s.OnDisconnect(func() {
		if c.Remove(s) {
			util.Stats.RemovePeer()
			util.LogInfo("[peer %d] disconnected (%d peers left)", s.ID(), c.Count())
		}
	})
	util.Stats.AddPeer()
	return nil
}

// Add puts p in the set. Ids are unique within the set.
func (c *Controller) Add(p Peer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.peers {
		if q.ID() == p.ID() {
			return fmt.Errorf("%w: id %d", ErrDuplicatePeer, p.ID())
		}
	}
	c.peers = append(c.peers, p)
	return nil
}

// Remove takes p out of the set and reports whether it was there.
func (c *Controller) Remove(p Peer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.peers {
		if q == p {
			c.peers = append(c.peers[:i], c.peers[i+1:]...)
			return true
		}
	}
	return false
}

// Peers returns a snapshot of the set, in the order peers were added.
func (c *Controller) Peers() []Peer {
	return c.snapshot(nil)
}

// snapshot copies the set, leaving out except, so callers can send without
// holding the lock.
func (c *Controller) snapshot(except Peer) []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		if p != except {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of peers.
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// IDs returns the ids of all peers.
func (c *Controller) IDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, len(c.peers))
	for i, p := range c.peers {
		ids[i] = p.ID()
	}
	return ids
}

// ByID returns the peer with id, or nil.
func (c *Controller) ByID(id int) Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.peers {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

// HasID reports whether a peer with id is in the set.
func (c *Controller) HasID(id int) bool {
	return c.ByID(id) != nil
}

// HasHost reports whether a peer connected from or to host is in the set.
func (c *Controller) HasHost(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.peers {
		if p.RemoteHost() == host {
			return true
		}
	}
	return false
}

// DisconnectAll closes every peer.
func (c *Controller) DisconnectAll() {
	for _, p := range c.snapshot(nil) {
		p.Disconnect()
		c.Remove(p)
	}
}

// ---------------------------------------------------------------------------
// Inbound traffic
// ---------------------------------------------------------------------------

// Handle processes a flooded packet received from a peer.
func (c *Controller) Handle(from Peer, pkt *protocol.Packet) {
	switch {
	case pkt.Code == protocol.CodePeerProbe:
		c.handleProbe(from, pkt)
	case pkt.Code == protocol.CodePeerProbeReply:
		c.handleProbeReply(from, pkt)
	case pkt.IsDataPlane():
		c.handleData(from, pkt)
	default:
		util.LogDebug("[peer %d] ignoring %03d", from.ID(), pkt.Code)
	}
}

func parseProbeKey(pkt *protocol.Packet) (probeKey, bool) {
	initiator, err := strconv.Atoi(pkt.Field(0))
	if err != nil {
		return probeKey{}, false
	}
	nonce, err := strconv.ParseInt(pkt.Field(1), 10, 64)
	if err != nil {
		return probeKey{}, false
	}
	return probeKey{initiator: initiator, nonce: nonce}, true
}

// handleProbe forwards a first-seen probe along one branch and tells the
// sender who we are and who we know.
func (c *Controller) handleProbe(from Peer, pkt *protocol.Packet) {
	key, ok := parseProbeKey(pkt)
	if !ok || len(pkt.Data) != 2 {
		util.LogWarning("[peer %d] invalid probe: %s", from.ID(), pkt)
		return
	}
	if seen, _ := c.probes.ContainsOrAdd(key, from.ID()); seen {
		util.Stats.AddDuplicate()
		return
	}

	fwd := pkt.Relayed()
	for _, p := range c.snapshot(from) {
		if err := p.Send(fwd); err == nil {
			break
		}
	}

	reply := protocol.MustNew(protocol.CodePeerProbeReply, 1,
		pkt.Data[0],
		pkt.Data[1],
		strconv.Itoa(c.self()),
		joinIDs(c.IDs()),
		strconv.FormatUint(uint64(pkt.HopCount), 10),
	)
	if err := from.Send(reply); err != nil {
		util.LogDebug("[peer %d] failed to answer probe: %v", from.ID(), err)
	}
}

// handleProbeReply walks a reply back along the path its probe came.
func (c *Controller) handleProbeReply(from Peer, pkt *protocol.Packet) {
	key, ok := parseProbeKey(pkt)
	if !ok || len(pkt.Data) != 5 {
		util.LogWarning("[peer %d] invalid probe reply: %s", from.ID(), pkt)
		return
	}
	origin, known := c.probes.Peek(key)
	if !known {
		util.LogDebug("[peer %d] probe reply for unknown probe %d/%d", from.ID(), key.initiator, key.nonce)
		return
	}

	if origin == selfOrigin {
		reply, err := parseProbeReply(key, pkt)
		if err != nil {
			util.LogWarning("[peer %d] invalid probe reply: %v", from.ID(), err)
			return
		}
		c.emitProbeReply(reply)
		return
	}

	fwd := pkt.Relayed()
	if back := c.ByID(origin); back != nil {
		if err := back.Send(fwd); err == nil {
			return
		}
	}
	c.fanOut(c.snapshot(from), fwd)
}

func parseProbeReply(key probeKey, pkt *protocol.Packet) (ProbeReply, error) {
	responder, err := strconv.Atoi(pkt.Data[2])
	if err != nil {
		return ProbeReply{}, fmt.Errorf("responder id %q", pkt.Data[2])
	}
	hops, err := strconv.ParseUint(pkt.Data[4], 10, 32)
	if err != nil {
		return ProbeReply{}, fmt.Errorf("hop count %q", pkt.Data[4])
	}
	var peers []int
	for _, f := range strings.Split(pkt.Data[3], ",") {
		if id, err := strconv.Atoi(f); err == nil {
			peers = append(peers, id)
		}
	}
	return ProbeReply{
		Initiator: key.initiator,
		Nonce:     key.nonce,
		Responder: responder,
		Peers:     peers,
		ProbeHops: uint32(hops),
		ReplyHops: pkt.HopCount,
	}, nil
}

// handleData relays a first-seen observation to every other peer, then
// verifies it for the local handlers. Verification never holds back relay.
func (c *Controller) handleData(from Peer, pkt *protocol.Packet) {
	if len(pkt.Data) < 3 {
		util.LogWarning("[peer %d] dropping %03d with %d fields", from.ID(), pkt.Code, len(pkt.Data))
		return
	}
	if seen, _ := c.signatures.ContainsOrAdd(pkt.Data[0], struct{}{}); seen {
		util.Stats.AddDuplicate()
		return
	}

	util.Stats.AddRelayed()
	c.fanOut(c.snapshot(from), pkt.Relayed())

	verified := c.verify(from, pkt)
	c.emitData(verified, pkt)
}

// ---------------------------------------------------------------------------
// Outbound traffic
// ---------------------------------------------------------------------------

// Broadcast floods a packet this node originated and returns how many peers
// accepted it. Its signature is recorded so echoes are not relayed back.
func (c *Controller) Broadcast(pkt *protocol.Packet) int {
	if len(pkt.Data) > 0 {
		c.signatures.ContainsOrAdd(pkt.Data[0], struct{}{})
	}
	return c.fanOut(c.snapshot(nil), pkt)
}

// Probe starts a path probe to every peer and returns its nonce. Replies are
// delivered to OnProbeReply handlers.
func (c *Controller) Probe() (int64, int) {
	nonce := c.nonces.Next()
	self := c.self()
	c.probes.ContainsOrAdd(probeKey{initiator: self, nonce: nonce}, selfOrigin)

	pkt := protocol.MustNew(protocol.CodePeerProbe, 1, strconv.Itoa(self), strconv.FormatInt(nonce, 10))
	return nonce, c.fanOut(c.snapshot(nil), pkt)
}

// fanOut sends pkt to every peer concurrently and waits at most relayWait,
// so a stalled peer cannot hold up the receive loop of the sender. It returns
// the number of sends that succeeded within that window.
func (c *Controller) fanOut(peers []Peer, pkt *protocol.Packet) int {
	var (
		g  errgroup.Group
		ok atomic.Int32
	)
	for _, p := range peers {
		g.Go(func() error {
			if err := p.Send(pkt); err != nil {
				util.LogDebug("[peer %d] relay of %03d failed: %v", p.ID(), pkt.Code, err)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timer := time.NewTimer(relayWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		util.LogDebug("relay of %03d still pending after %s, moving on", pkt.Code, relayWait)
	}
	return int(ok.Load())
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
