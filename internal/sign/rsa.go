package sign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
)

// Primitive signs and verifies SHA-1 digests with raw key material. The
// Service does all block building and hashing; a Primitive only touches keys.
type Primitive interface {
	SignDigest(privateKey, digest []byte) ([]byte, error)
	VerifyDigest(publicKey, digest, signature []byte) error
}

// RSA is the Primitive used on the network: PKCS#1 v1.5 over SHA-1.
type RSA struct{}

func (RSA) SignDigest(privateKey, digest []byte) ([]byte, error) {
	key, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest)
}

func (RSA) VerifyDigest(publicKey, digest, signature []byte) error {
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}
	return rsa.VerifyPKCS1v15(key, crypto.SHA1, digest, signature)
}

// ParsePublicKey decodes a SubjectPublicKeyInfo DER key, falling back to a
// bare PKCS#1 key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA", pub)
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParsePrivateKey decodes a PKCS#8 DER key, falling back to PKCS#1.
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if priv, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		key, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, not RSA", priv)
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
