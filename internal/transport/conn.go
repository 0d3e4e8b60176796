// Package transport owns one TCP socket speaking the EPSP line protocol. It
// runs the receive loop, queues unsolicited packets for a single waiter, and
// serializes writes. The directory and peer sessions are built on top of it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/p2pquake/internal/protocol"
	"github.com/1ureka/p2pquake/internal/util"
)

// Tuning constants.
const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultWaitTimeout    = 10 * time.Second
	writeTimeout          = 10 * time.Second

	readBufferSize = 4 * 1024
	inboxLimit     = 64 // queued packets kept for Wait; the oldest is dropped beyond this
)

// Options customizes a Conn for its role.
type Options struct {
	// Name prefixes log lines, e.g. "server" or "peer 12".
	Name string

	// Intercept sees every parsed packet before it is queued. Returning true
	// consumes the packet. It runs on the receive goroutine and must not
	// block on Wait.
	Intercept func(*protocol.Packet) bool

	// Incompatible lists codes that make Wait fail with
	// ErrIncompatibleVersion.
	Incompatible []int

	ConnectTimeout time.Duration
	WaitTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	if o.Name == "" {
		o.Name = "conn"
	}
	return o
}

// Conn is one EPSP connection, either dialed by us or accepted by our
// listener ("hosted").
//
// Its lifecycle is governed by the socket and by the context passed to Start:
// whichever ends first disconnects the Conn, exactly once.
type Conn struct {
	addr     string
	hosted   bool
	opts     Options
	splitter *protocol.Splitter
	started  atomic.Bool

	// Serializes writes so frames never interleave.
	writeMu sync.Mutex
	// Admits one Wait caller at a time.
	waitMu sync.Mutex

	mu        sync.Mutex
	nc        net.Conn
	inbox     []*protocol.Packet
	callbacks []func()
	closed    bool
	stopCtx   func() bool

	signal    chan struct{} // cap 1, poked on every enqueue
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(addr string, hosted bool, opts Options) *Conn {
	return &Conn{
		addr:     addr,
		hosted:   hosted,
		opts:     opts.withDefaults(),
		splitter: protocol.NewSplitter(),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Dial prepares an outbound connection to addr. No I/O happens until Start.
func Dial(addr string, opts Options) *Conn {
	return newConn(addr, false, opts)
}

// Accept wraps a socket handed over by a listener. Start begins receiving.
func Accept(nc net.Conn, opts Options) *Conn {
	c := newConn(nc.RemoteAddr().String(), true, opts)
	c.nc = nc
	return c
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start dials (for outbound connections) and launches the receive goroutine.
// Cancelling ctx later disconnects the connection.
func (c *Conn) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()

	if nc == nil {
		dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
		var err error
		nc, err = dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			c.Disconnect()
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: %s", ErrConnectTimeout, c.addr)
			}
			return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		nc.Close()
		return ErrClosed
	}
	c.nc = nc
	c.stopCtx = context.AfterFunc(ctx, c.Disconnect)
	c.mu.Unlock()

	go c.receiveLoop(nc)
	return nil
}

// Disconnect closes the socket, wakes any waiter and runs the OnDisconnect
// callbacks. Calling it again is a no-op.
func (c *Conn) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		nc := c.nc
		callbacks := c.callbacks
		c.callbacks = nil
		stop := c.stopCtx
		c.mu.Unlock()

		close(c.done)
		if stop != nil {
			stop()
		}
		if nc != nil {
			nc.Close()
		}
		util.LogDebug("[%s] disconnected from %s", c.opts.Name, c.addr)

		for _, fn := range callbacks {
			fn()
		}
	})
}

// OnDisconnect registers fn to run once the connection is closed. If it is
// already closed, fn runs immediately on the caller's goroutine.
func (c *Conn) OnDisconnect(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// Done returns a channel that is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Disconnect has run.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Hosted reports whether the remote side connected to us.
func (c *Conn) Hosted() bool {
	return c.hosted
}

// RemoteAddr returns the remote "host:port".
func (c *Conn) RemoteAddr() string {
	return c.addr
}

// RemoteHost returns the remote host without the port.
func (c *Conn) RemoteHost() string {
	return util.HostFromAddr(c.addr)
}

// SetName changes the log prefix, e.g. once a peer id is known.
func (c *Conn) SetName(name string) {
	c.mu.Lock()
	c.opts.Name = name
	c.mu.Unlock()
}

func (c *Conn) name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Name
}

// ---------------------------------------------------------------------------
// Receive
// ---------------------------------------------------------------------------

// receiveLoop is the single reader goroutine. Any read error ends the
// connection.
func (c *Conn) receiveLoop(nc net.Conn) {
	defer c.Disconnect()

	buf := make([]byte, readBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			util.Stats.AddRecv(n)
			for _, frame := range c.splitter.Split(buf[:n]) {
				c.handleFrame(frame)
			}
		}

		if err != nil {
			if !c.Closed() {
				util.LogDebug("[%s] read error: %v", c.name(), err)
			}
			return
		}
	}
}

func (c *Conn) handleFrame(frame string) {
	pkt, err := protocol.Parse(frame)
	if err != nil {
		util.LogWarning("[%s] dropping frame %q: %v", c.name(), frame, err)
		return
	}
	util.LogTrace("[%s] <- %s", c.name(), frame)

	if c.opts.Intercept != nil && c.opts.Intercept(pkt) {
		return
	}
	c.Enqueue(pkt)
}

// Enqueue queues pkt for the next Wait. Intercept hooks use it to hand a
// packet to the waiter before acting on it.
func (c *Conn) Enqueue(pkt *protocol.Packet) {
	c.mu.Lock()
	c.inbox = append(c.inbox, pkt)
	if len(c.inbox) > inboxLimit {
		dropped := c.inbox[0]
		c.inbox = c.inbox[1:]
		util.LogDebug("[%s] inbox full, dropping %03d", c.opts.Name, dropped.Code)
	}
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Conn) dequeue() (*protocol.Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return nil, false
	}
	pkt := c.inbox[0]
	c.inbox[0] = nil
	c.inbox = c.inbox[1:]
	return pkt, true
}

// ---------------------------------------------------------------------------
// Request / response
// ---------------------------------------------------------------------------

// Send writes pkt as one CR LF terminated Shift_JIS frame. A write failure
// disconnects the connection.
func (c *Conn) Send(pkt *protocol.Packet) error {
	c.mu.Lock()
	nc, closed := c.nc, c.closed
	c.mu.Unlock()
	if closed || nc == nil {
		return ErrClosed
	}

	data := protocol.Encode(pkt)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := nc.Write(data); err != nil {
		c.Disconnect()
		return fmt.Errorf("failed to send %03d to %s: %w", pkt.Code, c.addr, err)
	}

	util.Stats.AddSent(len(data))
	util.LogTrace("[%s] -> %s", c.name(), pkt)
	return nil
}

// Wait blocks until the next queued packet and checks it against codes. An
// empty codes list accepts anything. Only one caller may wait at a time;
// others queue behind it.
func (c *Conn) Wait(codes ...int) (*protocol.Packet, error) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()

	timer := time.NewTimer(c.opts.WaitTimeout)
	defer timer.Stop()

	for {
		if pkt, ok := c.dequeue(); ok {
			return c.check(pkt, codes)
		}

		select {
		case <-c.signal:
		case <-c.done:
			// A packet may have been queued just before the socket closed,
			// e.g. a 694 rejection.
			if pkt, ok := c.dequeue(); ok {
				return c.check(pkt, codes)
			}
			return nil, ErrClosed
		case <-timer.C:
			return nil, fmt.Errorf("%w: expected %v from %s", ErrTimeout, codes, c.addr)
		}
	}
}

// Request sends pkt and waits for one of codes.
func (c *Conn) Request(pkt *protocol.Packet, codes ...int) (*protocol.Packet, error) {
	if err := c.Send(pkt); err != nil {
		return nil, err
	}
	return c.Wait(codes...)
}

func (c *Conn) check(pkt *protocol.Packet, codes []int) (*protocol.Packet, error) {
	if slices.Contains(c.opts.Incompatible, pkt.Code) {
		return pkt, fmt.Errorf("%w: %s answered %03d", ErrIncompatibleVersion, c.addr, pkt.Code)
	}
	if len(codes) > 0 && !slices.Contains(codes, pkt.Code) {
		return pkt, fmt.Errorf("%w: got %03d, expected %v", ErrUnexpectedResponse, pkt.Code, codes)
	}
	return pkt, nil
}
