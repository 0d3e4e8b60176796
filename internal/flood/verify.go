package flood

import (
	"fmt"

	"github.com/1ureka/p2pquake/internal/protocol"
	"github.com/1ureka/p2pquake/internal/sign"
	"github.com/1ureka/p2pquake/internal/util"
)

// Verifier checks the two kinds of signed data. *sign.Service implements it.
type Verifier interface {
	VerifyServer(*sign.ServerSigned) error
	VerifyPeer(*sign.PeerSigned) error
}

// verify checks pkt's signature. Failures are logged and counted; they only
// affect the flag handed to local handlers.
func (c *Controller) verify(from Peer, pkt *protocol.Packet) bool {
	if c.verifier == nil {
		return false
	}

	var err error
	switch pkt.Code {
	case protocol.CodeQuakeInfo, protocol.CodeTsunamiInfo, protocol.CodeSeismicIntensity:
		err = c.verifyServerSigned(pkt)
	case protocol.CodeUserQuake:
		var d *sign.PeerSigned
		if d, err = sign.ParsePeerSigned(pkt.Data); err == nil {
			err = c.verifier.VerifyPeer(d)
		}
	default:
		util.LogWarning("[peer %d] undefined data code %03d, passing on unverified", from.ID(), pkt.Code)
		return false
	}

	if err != nil {
		util.Stats.AddVerifyFail()
		util.LogWarning("[peer %d] %03d failed verification: %v", from.ID(), pkt.Code, err)
		return false
	}
	return true
}

// verifyServerSigned handles the four-field server formats:
// signature, expiration, then the payload. Quake info carries its payload in
// two fields and signs them joined.
func (c *Controller) verifyServerSigned(pkt *protocol.Packet) error {
	if len(pkt.Data) != 4 {
		return fmt.Errorf("expected 4 fields, got %d", len(pkt.Data))
	}
	payload := pkt.Data[2]
	if pkt.Code == protocol.CodeQuakeInfo {
		payload = pkt.Data[2] + protocol.Delimiter + pkt.Data[3]
	}
	d, err := sign.ParseServerSigned(pkt.Data[0], pkt.Data[1], payload)
	if err != nil {
		return err
	}
	return c.verifier.VerifyServer(d)
}
