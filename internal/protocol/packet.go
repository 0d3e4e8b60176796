// Package protocol defines the EPSP wire format: CR LF framed Shift_JIS text
// lines of the form "CCC H[ field[:field...]]".
package protocol

import (
	"math"
	"strings"
)

// Directory protocol codes (client → server requests).
const (
	CodeClientInfo      = 131
	CodeTemporaryID     = 113
	CodePortCheck       = 114
	CodePeerList        = 115
	CodeConnectedNotice = 155
	CodeRegister        = 116
	CodeKeyRequest      = 117
	CodeRegionCensus    = 127
	CodeProtocolTime    = 118
	CodeServerQuit      = 119
	CodeLeave           = 128
	CodeKeyRenew        = 124
	CodeEcho            = 123
)

// Directory protocol codes (server → client responses).
const (
	CodeInfoRequest       = 211
	CodeInfoAccepted      = 212
	CodeVersionObsolete   = 292
	CodeTemporaryIDResult = 233
	CodePortCheckResult   = 234
	CodePeerListResult    = 235
	CodeRegisterResult    = 236
	CodeKeyIssued         = 237
	CodeKeyUnavailable    = 295
	CodeCensusResult      = 247
	CodeTimeResult        = 238
	CodeQuitAck           = 239
	CodeLeaveAck          = 248
	CodeAlreadyOffline    = 299
	CodeKeyRenewed        = 244
	CodeEchoAck           = 243
	CodeNonCompliant      = 298
)

// Peer protocol codes. 61x are requests, 63x the matching replies.
const (
	CodePeerEcho         = 611
	CodePeerIDRequest    = 612
	CodePeerInfo         = 614
	CodePeerProbe        = 615
	CodePeerEchoReply    = 631
	CodePeerIDReply      = 632
	CodePeerInfoReply    = 634
	CodePeerProbeReply   = 635
	CodePeerIncompatible = 694
)

// Observation codes carried on the data plane.
const (
	CodeQuakeInfo        = 551
	CodeTsunamiInfo      = 552
	CodeUserQuake        = 555
	CodeSeismicIntensity = 561

	dataPlaneCategory = 5
)

// Delimiter separates data fields on the wire. A field never contains it.
const Delimiter = ":"

// Packet is one parsed EPSP frame.
type Packet struct {
	Code     int      // three-digit category
	HopCount uint32   // incremented once per relay
	Data     []string // colon-delimited fields; nil when the frame has none
}

// IsDataPlane reports whether the packet belongs to the 5xx observation range
// that is flooded across the mesh.
func (p *Packet) IsDataPlane() bool {
	return p.Code/100 == dataPlaneCategory
}

// Clone returns a deep copy so that relays can bump the hop count without
// aliasing the packet handed to other goroutines.
func (p *Packet) Clone() *Packet {
	c := &Packet{Code: p.Code, HopCount: p.HopCount}
	if p.Data != nil {
		c.Data = make([]string, len(p.Data))
		copy(c.Data, p.Data)
	}
	return c
}

// Relayed returns a clone whose hop count is one higher. The count saturates
// at its maximum instead of wrapping to zero.
func (p *Packet) Relayed() *Packet {
	c := p.Clone()
	if c.HopCount < math.MaxUint32 {
		c.HopCount++
	}
	return c
}

// Field returns the i-th data field, or "" when it does not exist.
func (p *Packet) Field(i int) string {
	if i < 0 || i >= len(p.Data) {
		return ""
	}
	return p.Data[i]
}

// Equal reports whether two packets carry the same code, hop count and data.
func (p *Packet) Equal(other *Packet) bool {
	if p.Code != other.Code || p.HopCount != other.HopCount || len(p.Data) != len(other.Data) {
		return false
	}
	for i := range p.Data {
		if p.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

func containsDelimiter(fields []string) (string, bool) {
	for _, f := range fields {
		if strings.Contains(f, Delimiter) {
			return f, true
		}
	}
	return "", false
}
