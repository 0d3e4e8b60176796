package sign

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/1ureka/p2pquake/internal/protocol"
)

// Key is the delegated key material the directory issues to a peer. It is
// held in memory only and replaced wholesale on renewal.
type Key struct {
	Public     []byte
	Private    []byte
	Expiration time.Time
	Signature  []byte // directory signature over Public, checked with CertificatePublicKey
}

// ParseKey reads the four fields of a key issue/renew response:
// public key, private key, expiration, certificate signature.
func ParseKey(fields []string) (*Key, error) {
	if len(fields) < 4 {
		return nil, fmt.Errorf("key response needs 4 fields, got %d", len(fields))
	}
	pub, err := base64.StdEncoding.DecodeString(fields[0])
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	exp, err := protocol.ParseTime(fields[2])
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(fields[3])
	if err != nil {
		return nil, fmt.Errorf("invalid key signature: %w", err)
	}
	return &Key{Public: pub, Private: priv, Expiration: exp, Signature: sig}, nil
}

// Fields returns the key in its wire form, the inverse of ParseKey.
func (k *Key) Fields() []string {
	return []string{
		base64.StdEncoding.EncodeToString(k.Public),
		base64.StdEncoding.EncodeToString(k.Private),
		protocol.FormatTime(k.Expiration),
		base64.StdEncoding.EncodeToString(k.Signature),
	}
}

// ExpiresWithin reports whether k is nil or expires less than d after now.
func (k *Key) ExpiresWithin(now time.Time, d time.Duration) bool {
	return k == nil || k.Expiration.Sub(now) < d
}

// ServerSigned is a payload signed directly by a directory server.
type ServerSigned struct {
	Data       string
	Expiration time.Time
	Signature  []byte
}

// ParseServerSigned builds a ServerSigned from the base64 signature and the
// wire expiration of a data packet.
func ParseServerSigned(signature, expiration, data string) (*ServerSigned, error) {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	exp, err := protocol.ParseTime(expiration)
	if err != nil {
		return nil, err
	}
	return &ServerSigned{Data: data, Expiration: exp, Signature: sig}, nil
}

// PeerSigned is a payload signed with a delegated key, carrying that key's
// certificate so receivers can check the chain.
type PeerSigned struct {
	ServerSigned
	PublicKey           []byte
	PublicKeySignature  []byte
	PublicKeyExpiration time.Time
}

// ParsePeerSigned reads the six fields of a peer-signed packet: signature,
// expiration, delegated public key, its signature, its expiration, payload.
func ParsePeerSigned(fields []string) (*PeerSigned, error) {
	if len(fields) != 6 {
		return nil, fmt.Errorf("peer signed data needs 6 fields, got %d", len(fields))
	}
	ss, err := ParseServerSigned(fields[0], fields[1], fields[5])
	if err != nil {
		return nil, err
	}
	pub, err := base64.StdEncoding.DecodeString(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid delegated key: %w", err)
	}
	pubSig, err := base64.StdEncoding.DecodeString(fields[3])
	if err != nil {
		return nil, fmt.Errorf("invalid delegated key signature: %w", err)
	}
	keyExp, err := protocol.ParseTime(fields[4])
	if err != nil {
		return nil, err
	}
	return &PeerSigned{
		ServerSigned:        *ss,
		PublicKey:           pub,
		PublicKeySignature:  pubSig,
		PublicKeyExpiration: keyExp,
	}, nil
}

// Fields returns the six wire fields, in the order ParsePeerSigned reads them.
func (p *PeerSigned) Fields() []string {
	return []string{
		base64.StdEncoding.EncodeToString(p.Signature),
		protocol.FormatTime(p.Expiration),
		base64.StdEncoding.EncodeToString(p.PublicKey),
		base64.StdEncoding.EncodeToString(p.PublicKeySignature),
		protocol.FormatTime(p.PublicKeyExpiration),
		p.Data,
	}
}
