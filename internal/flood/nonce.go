package flood

import (
	"math/rand/v2"
	"sync/atomic"
)

// NonceGen hands out probe nonces. It starts at a random point so nonces do
// not repeat across restarts with the same peer id.
type NonceGen struct {
	val atomic.Int64
}

// NewNonceGen creates a generator with a random starting point.
func NewNonceGen() *NonceGen {
	g := &NonceGen{}
	g.val.Store(rand.Int64N(1 << 40))
	return g
}

// Next returns the next nonce (monotonically increasing).
func (g *NonceGen) Next() int64 {
	return g.val.Add(1)
}
