package app

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/p2pquake/internal/directory"
	"github.com/1ureka/p2pquake/internal/peer"
	"github.com/1ureka/p2pquake/internal/protocol"
	"github.com/1ureka/p2pquake/internal/util"
)

// withDirectory runs one directory cycle: hosts are tried in random order
// until one completes the handshake and fn. The session is closed gracefully
// after fn succeeds.
func (c *Client) withDirectory(ctx context.Context, fn func(*directory.Session) error) error {
	hosts := slices.Clone(c.cfg.ServerHosts)
	rand.Shuffle(len(hosts), func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] })

	for _, host := range hosts {
		if err := ctx.Err(); err != nil {
			return err
		}

		util.LogDebug("connecting to directory %s", host)
		s := directory.New(directory.Addr(host), c.opts.Transport)
		err := c.handshakeDirectory(ctx, s)
		if err == nil {
			err = fn(s)
		}
		if err == nil {
			if derr := s.SafeDisconnect(); derr != nil {
				util.LogDebug("[server %s] quit not acknowledged: %v", host, derr)
			}
			return nil
		}

		s.Close()
		if errors.Is(err, ErrAddressChanged) || ctx.Err() != nil {
			return err
		}
		util.LogWarning("[server %s] %v", host, err)
	}

	util.LogError("all directory servers failed")
	return ErrNoDirectory
}

func (c *Client) handshakeDirectory(ctx context.Context, s *directory.Session) error {
	if err := s.ConnectAndWaitInfoRequest(ctx); err != nil {
		return err
	}
	info, err := s.SendClientInfo(c.info)
	if err != nil {
		return err
	}
	util.LogInfo("connected to %s (%s %s, protocol %s)", s.Addr(), info.SoftwareName, info.SoftwareVersion, info.ProtocolVersion)
	return nil
}

// connectPeers asks the directory for candidates, connects the new ones
// concurrently and reports the ids that made it.
func (c *Client) connectPeers(s *directory.Session, selfID int) error {
	descs, err := s.Peers(selfID)
	if err != nil {
		return err
	}

	var (
		g         errgroup.Group
		mu        sync.Mutex
		connected []int
	)
	g.SetLimit(c.cfg.MaxPeers)
	for _, d := range descs {
		if d.ID == selfID || c.flood.HasID(d.ID) {
			continue
		}
		g.Go(func() error {
			if !c.reserveSlot() {
				return nil
			}
			defer c.releaseSlot()
			if c.connectPeer(d, selfID) {
				mu.Lock()
				connected = append(connected, d.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(connected)
	util.LogInfo("connected to %d of %d advertised peers", len(connected), len(descs))
	return s.NoticeConnected(connected)
}

func (c *Client) connectPeer(d protocol.PeerDescriptor, selfID int) bool {
	sess := peer.NewClient(d, c.peerOptions())
	if _, err := sess.Handshake(c.life, c.info, selfID); err != nil {
		util.LogDebug("[peer %d] handshake with %s failed: %v", d.ID, d.Addr(), err)
		return false
	}
	return c.admit(sess)
}
