// Package sign implements the two-tier signature scheme of the network.
//
// Directory servers sign observation data directly. Peers sign with a
// short-lived delegated key whose public half is itself signed by the
// directory, so a peer-signed packet carries a certificate chain of depth 2.
// Every signature covers SHA-1 of a block made of a content part and a
// wire-formatted expiration.
package sign

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/p2pquake/internal/protocol"
)

var (
	// ErrExpired is returned when a signature's expiration is earlier than
	// protocol time.
	ErrExpired = errors.New("signature expired")

	// ErrBadSignature is returned when a signature does not match its content.
	ErrBadSignature = errors.New("signature mismatch")
)

// Order selects how the content and the expiration are concatenated.
type Order int

const (
	ExpirationFirst Order = iota // payload signatures
	HashFirst                    // delegated key certificates
)

// peerSignatureLifetime is how long a signature made by this node stays valid.
const peerSignatureLifetime = time.Minute

// Service verifies and produces signatures against protocol time.
type Service struct {
	prim      Primitive
	serverKey []byte
	certKey   []byte
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithPrimitive replaces the RSA primitive.
func WithPrimitive(p Primitive) Option {
	return func(s *Service) { s.prim = p }
}

// WithServerKey replaces the key that server-signed data is checked with.
func WithServerKey(der []byte) Option {
	return func(s *Service) { s.serverKey = der }
}

// WithCertificateKey replaces the key that delegated key certificates are
// checked with.
func WithCertificateKey(der []byte) Option {
	return func(s *Service) { s.certKey = der }
}

// NewService creates a Service. now returns the current protocol time.
func NewService(now func() time.Time, opts ...Option) *Service {
	s := &Service{
		prim:      RSA{},
		serverKey: ServerPublicKey,
		certKey:   CertificatePublicKey,
		now:       now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ContentHash is the MD5 digest of the Shift_JIS form of data.
func ContentHash(data string) []byte {
	sum := md5.Sum(protocol.EncodeText(data))
	return sum[:]
}

func signedBlock(content []byte, expiration time.Time, order Order) []byte {
	exp := protocol.EncodeText(protocol.FormatTime(expiration))
	if order == HashFirst {
		return bytes.Join([][]byte{content, exp}, nil)
	}
	return bytes.Join([][]byte{exp, content}, nil)
}

// Verify checks signature over content and expiration with publicKey.
func (s *Service) Verify(content []byte, expiration time.Time, signature, publicKey []byte, order Order) error {
	if now := s.now(); expiration.Before(now) {
		return fmt.Errorf("%w: at %s, now %s", ErrExpired, protocol.FormatTime(expiration), protocol.FormatTime(now))
	}
	digest := sha1.Sum(signedBlock(content, expiration, order))
	if err := s.prim.VerifyDigest(publicKey, digest[:], signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// VerifyServer checks data signed by a directory server.
func (s *Service) VerifyServer(d *ServerSigned) error {
	return s.Verify(ContentHash(d.Data), d.Expiration, d.Signature, s.serverKey, ExpirationFirst)
}

// VerifyPeer checks both links of a peer-signed packet: the delegated key's
// certificate and the payload signature made with that key.
func (s *Service) VerifyPeer(d *PeerSigned) error {
	if err := s.Verify(d.PublicKey, d.PublicKeyExpiration, d.PublicKeySignature, s.certKey, HashFirst); err != nil {
		return fmt.Errorf("delegated key: %w", err)
	}
	if err := s.Verify(ContentHash(d.Data), d.Expiration, d.Signature, d.PublicKey, ExpirationFirst); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	return nil
}

// SignPeer signs data with the node's delegated key. The signature expires
// one minute after protocol now.
func (s *Service) SignPeer(data string, key *Key) (*PeerSigned, error) {
	if key == nil {
		return nil, errors.New("no key material")
	}
	expiration := s.now().Add(peerSignatureLifetime).Truncate(time.Second)
	digest := sha1.Sum(signedBlock(ContentHash(data), expiration, ExpirationFirst))

	sig, err := s.prim.SignDigest(key.Private, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return &PeerSigned{
		ServerSigned: ServerSigned{
			Data:       data,
			Expiration: expiration,
			Signature:  sig,
		},
		PublicKey:           key.Public,
		PublicKeySignature:  key.Signature,
		PublicKeyExpiration: key.Expiration,
	}, nil
}
