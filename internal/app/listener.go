package app

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/1ureka/p2pquake/internal/peer"
	"github.com/1ureka/p2pquake/internal/util"
)

// listen starts the inbound peer listener once; later calls are no-ops.
func (c *Client) listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln != nil {
		return nil
	}

	addr := net.JoinHostPort(c.opts.ListenHost, strconv.Itoa(c.cfg.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	c.ln = ln

	util.LogInfo("listening for peers on %s", ln.Addr())
	go c.acceptLoop(ln)
	return nil
}

// closeListener stops accepting; established peers are not affected.
func (c *Client) closeListener() error {
	c.mu.Lock()
	ln := c.ln
	c.ln = nil
	c.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// ListenAddr returns the bound listener address, or nil when not listening.
func (c *Client) ListenAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// acceptLoop admits inbound sockets. Duplicate hosts, a full peer set
// (handshakes in flight included) and bursts beyond the accept rate are
// closed without a handshake.
func (c *Client) acceptLoop(ln net.Listener) {
	burst := int(math.Ceil(c.cfg.AcceptRate))
	limiter := rate.NewLimiter(rate.Limit(c.cfg.AcceptRate), max(burst, 1))

	for {
		nc, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				util.LogWarning("listener stopped: %v", err)
			}
			return
		}

		host := util.RemoteHost(nc)
		switch {
		case !limiter.Allow():
			util.LogDebug("[listener] accept rate exceeded, closing %s", nc.RemoteAddr())
			nc.Close()
		case !c.reserveHost(host):
			util.LogDebug("[listener] already connected to %s, closing", host)
			nc.Close()
		case !c.reserveSlot():
			c.releaseHost(host)
			util.LogDebug("[listener] peer set full, closing %s", nc.RemoteAddr())
			nc.Close()
		default:
			go c.acceptPeer(nc, host)
		}
	}
}

// reserveHost marks host as handshaking unless it is already connected or
// mid-handshake.
func (c *Client) reserveHost(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.pending[host]; busy || c.flood.HasHost(host) {
		return false
	}
	c.pending[host] = struct{}{}
	return true
}

func (c *Client) releaseHost(host string) {
	c.mu.Lock()
	delete(c.pending, host)
	c.mu.Unlock()
}

func (c *Client) acceptPeer(nc net.Conn, host string) {
	defer c.releaseHost(host)
	defer c.releaseSlot()

	sess := peer.NewHosted(nc, c.peerOptions())
	if _, err := sess.Handshake(c.life, c.info, c.PeerID()); err != nil {
		util.LogDebug("[listener] handshake with %s failed: %v", nc.RemoteAddr(), err)
		return
	}
	c.admit(sess)
}
