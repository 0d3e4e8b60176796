package flood_test

import (
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pquake/internal/flood"
	"github.com/1ureka/p2pquake/internal/protocol"
	"github.com/1ureka/p2pquake/internal/sign"
	"github.com/1ureka/p2pquake/internal/util"
)

func init() {
	util.SetOutput(io.Discard)
}

type fakePeer struct {
	id    int
	host  string
	fail  bool
	block chan struct{} // Send waits on it when set

	mu     sync.Mutex
	sent   []*protocol.Packet
	closed bool
}

func newFake(id int) *fakePeer {
	return &fakePeer{id: id, host: "10.0.0." + strconv.Itoa(id)}
}

func (p *fakePeer) ID() int            { return p.id }
func (p *fakePeer) RemoteHost() string { return p.host }

func (p *fakePeer) Send(pkt *protocol.Packet) error {
	if p.fail {
		return errors.New("broken pipe")
	}
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, pkt.Clone())
	return nil
}

func (p *fakePeer) Disconnect() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePeer) packets() []*protocol.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*protocol.Packet(nil), p.sent...)
}

// mesh builds a controller with the given peers already attached.
func mesh(t *testing.T, v flood.Verifier, peers ...*fakePeer) *flood.Controller {
	t.Helper()
	c := flood.New(v)
	c.SetSelfID(1)
	for _, p := range peers {
		require.NoError(t, c.Add(p))
	}
	return c
}

type recorder struct {
	mu   sync.Mutex
	got  []*protocol.Packet
	flag []bool
}

func (r *recorder) handle(verified bool, pkt *protocol.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, pkt)
	r.flag = append(r.flag, verified)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func quake(sig string) *protocol.Packet {
	return protocol.MustNew(protocol.CodeUserQuake, 2, sig, "b", "c")
}

func TestRegistry(t *testing.T) {
	a, b := newFake(10), newFake(20)
	c := mesh(t, nil, a, b)

	err := c.Add(newFake(10))
	assert.ErrorIs(t, err, flood.ErrDuplicatePeer)

	assert.Equal(t, 2, c.Count())
	assert.Equal(t, []int{10, 20}, c.IDs())
	assert.True(t, c.HasHost("10.0.0.20"))
	assert.False(t, c.HasHost("10.0.0.30"))
	assert.Same(t, b, c.ByID(20))

	assert.True(t, c.Remove(a))
	assert.False(t, c.Remove(a))
	assert.False(t, c.HasID(10))

	c.DisconnectAll()
	assert.Equal(t, 0, c.Count())
	assert.True(t, b.closed)
}

func TestDataRelay(t *testing.T) {
	t.Run("relays once to everyone but the sender", func(t *testing.T) {
		a, b, d := newFake(10), newFake(20), newFake(30)
		c := mesh(t, nil, a, b, d)
		rec := &recorder{}
		c.OnData(rec.handle)

		c.Handle(a, quake("sig-1"))
		c.Handle(b, quake("sig-1"))

		assert.Empty(t, a.packets())
		require.Len(t, b.packets(), 1)
		require.Len(t, d.packets(), 1)
		assert.Equal(t, uint32(3), d.packets()[0].HopCount)
		assert.Equal(t, 1, rec.count())
		assert.Equal(t, uint32(2), rec.got[0].HopCount, "handlers see the packet as received")
	})

	t.Run("short packet dropped", func(t *testing.T) {
		a, b := newFake(10), newFake(20)
		c := mesh(t, nil, a, b)
		rec := &recorder{}
		c.OnData(rec.handle)

		c.Handle(a, protocol.MustNew(protocol.CodeUserQuake, 1, "sig", "x"))
		assert.Empty(t, b.packets())
		assert.Equal(t, 0, rec.count())
	})

	t.Run("a failing peer does not stop the others", func(t *testing.T) {
		a, b, d := newFake(10), newFake(20), newFake(30)
		b.fail = true
		c := mesh(t, nil, a, b, d)

		c.Handle(a, quake("sig-2"))
		assert.Len(t, d.packets(), 1)
	})

	t.Run("cache evicts oldest first", func(t *testing.T) {
		a, b := newFake(10), newFake(20)
		c := mesh(t, nil, a, b)

		for i := 0; i <= flood.CacheSize; i++ {
			c.Handle(a, quake("sig-"+strconv.Itoa(i)))
		}
		require.Len(t, b.packets(), flood.CacheSize+1)

		// sig-0 fell out, sig-1 is still remembered.
		c.Handle(a, quake("sig-1"))
		assert.Len(t, b.packets(), flood.CacheSize+1)
		c.Handle(a, quake("sig-0"))
		assert.Len(t, b.packets(), flood.CacheSize+2)
	})

	t.Run("a stalled peer does not hold up the sender", func(t *testing.T) {
		a, b, d := newFake(10), newFake(20), newFake(30)
		b.block = make(chan struct{})
		defer close(b.block)
		c := mesh(t, nil, a, b, d)
		rec := &recorder{}
		c.OnData(rec.handle)

		returned := make(chan struct{})
		go func() {
			c.Handle(a, quake("sig-stall"))
			c.Handle(a, quake("sig-next"))
			close(returned)
		}()

		select {
		case <-returned:
		case <-time.After(3 * time.Second):
			t.Fatal("relay blocked on a stalled peer")
		}
		assert.Len(t, d.packets(), 2)
		assert.Equal(t, 2, rec.count())
	})

	t.Run("broadcast is not relayed back", func(t *testing.T) {
		a, b := newFake(10), newFake(20)
		c := mesh(t, nil, a, b)

		assert.Equal(t, 2, c.Broadcast(quake("own")))
		c.Handle(a, quake("own"))
		assert.Len(t, b.packets(), 1)
	})
}

type stubVerifier struct {
	err      error
	payloads []string
}

func (v *stubVerifier) VerifyServer(d *sign.ServerSigned) error {
	v.payloads = append(v.payloads, d.Data)
	return v.err
}

func (v *stubVerifier) VerifyPeer(d *sign.PeerSigned) error {
	v.payloads = append(v.payloads, d.Data)
	return v.err
}

func TestVerification(t *testing.T) {
	const exp = "2024/01/01 12-00-00"

	testCases := []struct {
		name        string
		pkt         *protocol.Packet
		verifierErr error
		wantPayload string
		wantOK      bool
	}{
		{
			name:        "quake info joins its two payload fields",
			pkt:         protocol.MustNew(protocol.CodeQuakeInfo, 1, "c2ln", exp, "head", "body"),
			wantPayload: "head:body",
			wantOK:      true,
		},
		{
			name:        "tsunami info signs the third field",
			pkt:         protocol.MustNew(protocol.CodeTsunamiInfo, 1, "c2ln", exp, "wave", "extra"),
			wantPayload: "wave",
			wantOK:      true,
		},
		{
			name:        "user quake goes through the delegated chain",
			pkt:         protocol.MustNew(protocol.CodeUserQuake, 1, "c2ln", exp, "cHVi", "c2ln", exp, "felt"),
			wantPayload: "felt",
			wantOK:      true,
		},
		{
			name:        "rejected signature",
			pkt:         protocol.MustNew(protocol.CodeSeismicIntensity, 1, "c2ln", exp, "scale", "x"),
			verifierErr: sign.ErrBadSignature,
			wantPayload: "scale",
		},
		{
			name: "wrong field count",
			pkt:  protocol.MustNew(protocol.CodeQuakeInfo, 1, "c2ln", exp, "head"),
		},
		{
			name: "undefined data code",
			pkt:  protocol.MustNew(599, 1, "c2ln", exp, "x"),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := newFake(10), newFake(20)
			v := &stubVerifier{err: tc.verifierErr}
			c := mesh(t, v, a, b)
			rec := &recorder{}
			c.OnData(rec.handle)

			c.Handle(a, tc.pkt)

			assert.Len(t, b.packets(), 1, "relay never waits on verification")
			require.Equal(t, 1, rec.count())
			assert.Equal(t, tc.wantOK, rec.flag[0])
			if tc.wantPayload != "" {
				assert.Equal(t, []string{tc.wantPayload}, v.payloads)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	t.Run("forwards along one branch and answers the sender", func(t *testing.T) {
		a, b, d := newFake(10), newFake(20), newFake(30)
		b.fail = true
		c := mesh(t, nil, a, b, d)

		c.Handle(a, protocol.MustNew(protocol.CodePeerProbe, 3, "5", "99"))

		require.Len(t, d.packets(), 1)
		fwd := d.packets()[0]
		assert.Equal(t, protocol.CodePeerProbe, fwd.Code)
		assert.Equal(t, uint32(4), fwd.HopCount)

		require.Len(t, a.packets(), 1)
		reply := a.packets()[0]
		assert.Equal(t, protocol.CodePeerProbeReply, reply.Code)
		assert.Equal(t, []string{"5", "99", "1", "10,20,30", "3"}, reply.Data)

		// Seen before: neither forwarded nor answered.
		c.Handle(d, protocol.MustNew(protocol.CodePeerProbe, 5, "5", "99"))
		assert.Len(t, a.packets(), 1)
		assert.Len(t, d.packets(), 1)
	})

	t.Run("malformed probe ignored", func(t *testing.T) {
		a, b := newFake(10), newFake(20)
		c := mesh(t, nil, a, b)

		c.Handle(a, protocol.MustNew(protocol.CodePeerProbe, 1, "x", "99"))
		assert.Empty(t, a.packets())
		assert.Empty(t, b.packets())
	})
}

func TestProbeReplyRouting(t *testing.T) {
	reply := func(hop uint32) *protocol.Packet {
		return protocol.MustNew(protocol.CodePeerProbeReply, hop, "5", "99", "40", "1,2", "2")
	}

	t.Run("back to the peer the probe came from", func(t *testing.T) {
		a, b, d := newFake(10), newFake(20), newFake(30)
		c := mesh(t, nil, a, b, d)
		c.Handle(a, protocol.MustNew(protocol.CodePeerProbe, 1, "5", "99"))

		c.Handle(b, reply(1))

		var replies []*protocol.Packet
		for _, p := range a.packets() {
			if p.Code == protocol.CodePeerProbeReply && p.Field(2) == "40" {
				replies = append(replies, p)
			}
		}
		require.Len(t, replies, 1)
		assert.Equal(t, uint32(2), replies[0].HopCount)
		for _, p := range d.packets() {
			assert.NotEqual(t, protocol.CodePeerProbeReply, p.Code)
		}
	})

	t.Run("to everyone else when the path is gone", func(t *testing.T) {
		a, b, d := newFake(10), newFake(20), newFake(30)
		c := mesh(t, nil, a, b, d)
		c.Handle(a, protocol.MustNew(protocol.CodePeerProbe, 1, "5", "99"))
		c.Remove(a)

		c.Handle(b, reply(1))

		var got int
		for _, p := range d.packets() {
			if p.Code == protocol.CodePeerProbeReply {
				got++
			}
		}
		assert.Equal(t, 1, got)
	})

	t.Run("unknown probe dropped", func(t *testing.T) {
		a, b := newFake(10), newFake(20)
		c := mesh(t, nil, a, b)

		c.Handle(b, reply(1))
		assert.Empty(t, a.packets())
	})

	t.Run("own probe delivered locally", func(t *testing.T) {
		a := newFake(10)
		c := mesh(t, nil, a)

		var got []flood.ProbeReply
		c.OnProbeReply(func(r flood.ProbeReply) { got = append(got, r) })

		nonce, sent := c.Probe()
		assert.Equal(t, 1, sent)
		require.Len(t, a.packets(), 1)
		probe := a.packets()[0]
		assert.Equal(t, []string{"1", strconv.FormatInt(nonce, 10)}, probe.Data)

		c.Handle(a, protocol.MustNew(protocol.CodePeerProbeReply, 3, "1", strconv.FormatInt(nonce, 10), "40", "1,41", "2"))

		require.Len(t, got, 1)
		assert.Equal(t, flood.ProbeReply{
			Initiator: 1,
			Nonce:     nonce,
			Responder: 40,
			Peers:     []int{1, 41},
			ProbeHops: 2,
			ReplyHops: 3,
		}, got[0])
		assert.Len(t, a.packets(), 1, "own replies are not relayed")
	})
}

func TestNonceGen(t *testing.T) {
	g := flood.NewNonceGen()
	first := g.Next()
	assert.Equal(t, first+1, g.Next())
	assert.Positive(t, first)
}
