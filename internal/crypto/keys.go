package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and derived session keys
	KeySize = 32
)

// KeyPair is an ephemeral X25519 key pair used for one handshake.
// It is generated fresh per connection and never stored.
type KeyPair struct {
	Public  [KeySize]byte
	private [KeySize]byte
}

// GenerateKeyPair returns a fresh X25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.Public[:], pub)

	return kp, nil
}

// SharedSecret computes the X25519 shared secret with a peer's public share
func (kp *KeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != KeySize {
		return nil, fmt.Errorf("invalid peer public share length: %d", len(peerPublic))
	}

	secret, err := curve25519.X25519(kp.private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	return secret, nil
}

// Zero wipes the private half of the key pair
func (kp *KeyPair) Zero() {
	ZeroBytes(kp.private[:])
}

// DeriveSessionKey derives a 256-bit session key from the X25519 shared
// secret and both public shares. The shares are sorted before hashing so
// both ends derive an identical key regardless of handshake role.
func DeriveSessionKey(sharedSecret, ourPublic, peerPublic []byte) ([]byte, error) {
	lo, hi := ourPublic, peerPublic
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}

	salt := make([]byte, 0, len(lo)+len(hi))
	salt = append(salt, lo...)
	salt = append(salt, hi...)

	key := make([]byte, KeySize)
	hkdfReader := hkdf.New(sha256.New, sharedSecret, salt, []byte("lanchat session v1"))
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	return key, nil
}

// ZeroBytes overwrites a byte slice with zeros
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
