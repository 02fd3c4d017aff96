package proxypass

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
)

// saltLen is the length of the per-handshake salt mixed into channel keys.
const saltLen = 16

// KeyPair is an ephemeral P-384 keypair. A fresh one is generated for every
// session and discarded with it.
type KeyPair struct {
	Private *ecdsa.PrivateKey
}

// GenerateKeyPair generates a new P-384 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generating key: %v", ErrCrypto, err)
	}
	return &KeyPair{Private: priv}, nil
}

// Public returns the public half of the keypair.
func (k *KeyPair) Public() *ecdsa.PublicKey {
	return &k.Private.PublicKey
}

// PublicKeyString returns the public key as base64 X.509 SubjectPublicKeyInfo,
// the form used in token headers and identityPublicKey claims.
func (k *KeyPair) PublicKeyString() (string, error) {
	return EncodePublicKey(k.Public())
}

// Destroy zeroes the private scalar. The keypair must not be used afterwards.
func (k *KeyPair) Destroy() {
	if k == nil || k.Private == nil {
		return
	}
	if k.Private.D != nil {
		k.Private.D.SetInt64(0)
	}
	k.Private = nil
}

// EncodePublicKey encodes key as base64 DER SubjectPublicKeyInfo.
func EncodePublicKey(key *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: encoding public key: %v", ErrCrypto, err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes a base64 DER SubjectPublicKeyInfo holding a P-384 key.
func ParsePublicKey(b64 string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding public key: %v", ErrCrypto, err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %v", ErrCrypto, err)
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, not ECDSA", ErrCrypto, pub)
	}
	if key.Curve != elliptic.P384() {
		return nil, fmt.Errorf("%w: unsupported curve %s", ErrCrypto, key.Curve.Params().Name)
	}
	return key, nil
}

// GenerateSalt returns a fresh handshake salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: generating salt: %v", ErrCrypto, err)
	}
	return salt, nil
}

// DeriveChannelKey performs ECDH between own and peer and returns
// SHA-256(salt || sharedSecret). The result keys exactly one leg.
func DeriveChannelKey(own *ecdsa.PrivateKey, peer *ecdsa.PublicKey, salt []byte) ([]byte, error) {
	if own == nil || peer == nil {
		return nil, fmt.Errorf("%w: missing key", ErrCrypto)
	}
	ownECDH, err := own.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrCrypto, err)
	}
	peerECDH, err := peer.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: peer key: %v", ErrCrypto, err)
	}
	secret, err := ownECDH.ECDH(peerECDH)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", ErrCrypto, err)
	}

	h := sha256.New()
	h.Write(salt)
	h.Write(secret)
	return h.Sum(nil), nil
}
