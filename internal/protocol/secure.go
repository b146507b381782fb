package protocol

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"lanchat.dev/go/lanchat/internal/crypto"
)

// HandshakeTimeout is the maximum time allowed for a handshake
const HandshakeTimeout = 10 * time.Second

const (
	// nonceSaltSize is the random prefix of each XChaCha20 nonce. It is
	// drawn once per direction per connection and carried in every frame.
	nonceSaltSize = chacha20poly1305.NonceSizeX - 8
)

var (
	// ErrBadConfirm indicates the peer's key-confirmation frame did not
	// verify under the derived session key
	ErrBadConfirm = errors.New("key confirmation failed")

	// ErrDecryptFailed indicates authentication-tag verification failed
	// on a post-handshake frame. Fatal to the connection.
	ErrDecryptFailed = errors.New("frame decryption failed")

	// ErrMalformedFrame indicates a frame too short to contain a nonce
	// salt and an authentication tag
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrSelfConnect indicates the remote end is this same instance
	ErrSelfConnect = errors.New("connected to self")

	// ErrPayloadTooLarge indicates an outgoing payload above the cap
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Role says which side initiated the underlying stream connection
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// SecureChannel is an authenticated, confidential, framed channel over a
// raw byte stream. Frames are length_prefix || nonce_salt || ciphertext+tag,
// sealed with XChaCha20-Poly1305 under an ephemeral per-connection key.
// The send counter is owned by the write path, the receive counter by the
// read path; no (key, nonce) pair is ever reused because each direction
// combines its own random salt with a monotonic counter.
type SecureChannel struct {
	conn       net.Conn
	framer     *Framer
	aead       cipher.AEAD
	peer       PeerIdentity
	role       Role
	maxPayload int

	sendSalt [nonceSaltSize]byte
	sendCtr  atomic.Uint64
	recvCtr  uint64

	writeMu sync.Mutex

	establishedAt time.Time
}

// Handshake upgrades a raw connection to a SecureChannel. The initiator
// sends its cleartext key share first and the responder answers with its
// own; both then derive the session key and exchange encrypted
// confirmation frames in the same order. The caller is expected to have
// set a deadline on conn covering the whole exchange.
func Handshake(conn net.Conn, local PeerIdentity, role Role, maxPayload int) (*SecureChannel, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	framer := NewFramer(conn, conn, FrameLimit(maxPayload))

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer kp.Zero()

	ours := KeyShare{
		InstanceID:  local.InstanceID,
		Name:        local.Name,
		PublicShare: kp.Public[:],
	}

	var theirs KeyShare
	if role == RoleInitiator {
		if err := framer.WriteJSON(&ours); err != nil {
			return nil, fmt.Errorf("send key share: %w", err)
		}
		if err := framer.ReadJSON(&theirs); err != nil {
			return nil, fmt.Errorf("receive key share: %w", err)
		}
	} else {
		if err := framer.ReadJSON(&theirs); err != nil {
			return nil, fmt.Errorf("receive key share: %w", err)
		}
		if err := framer.WriteJSON(&ours); err != nil {
			return nil, fmt.Errorf("send key share: %w", err)
		}
	}
	if theirs.InstanceID == "" {
		return nil, errors.New("key share missing instance id")
	}
	if theirs.InstanceID == local.InstanceID {
		return nil, ErrSelfConnect
	}

	secret, err := kp.SharedSecret(theirs.PublicShare)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	defer crypto.ZeroBytes(secret)

	key, err := crypto.DeriveSessionKey(secret, kp.Public[:], theirs.PublicShare)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	crypto.ZeroBytes(key)

	sc := &SecureChannel{
		conn:       conn,
		framer:     framer,
		aead:       aead,
		role:       role,
		maxPayload: maxPayload,
		peer: PeerIdentity{
			Name:       theirs.Name,
			InstanceID: theirs.InstanceID,
			Addr:       conn.RemoteAddr().String(),
		},
	}
	if _, err := io.ReadFull(rand.Reader, sc.sendSalt[:]); err != nil {
		return nil, fmt.Errorf("generate nonce salt: %w", err)
	}

	// Key confirmation: frame 0 of each direction carries a fixed message
	// that only a peer holding the same derived key can produce. Same
	// order as the key shares so the exchange works on unbuffered pipes.
	if role == RoleInitiator {
		if err := sc.sendConfirm(local.InstanceID); err != nil {
			return nil, err
		}
		if err := sc.expectConfirm(theirs.InstanceID); err != nil {
			return nil, err
		}
	} else {
		if err := sc.expectConfirm(theirs.InstanceID); err != nil {
			return nil, err
		}
		if err := sc.sendConfirm(local.InstanceID); err != nil {
			return nil, err
		}
	}

	sc.establishedAt = time.Now()
	return sc, nil
}

func confirmPlaintext(instanceID string) []byte {
	return []byte("lanchat confirm v1:" + instanceID)
}

func (sc *SecureChannel) sendConfirm(instanceID string) error {
	if err := sc.writeSealed(confirmPlaintext(instanceID)); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	return nil
}

func (sc *SecureChannel) expectConfirm(instanceID string) error {
	confirm, err := sc.readSealed()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadConfirm, err)
	}
	if string(confirm) != string(confirmPlaintext(instanceID)) {
		return ErrBadConfirm
	}
	return nil
}

// Peer returns the authenticated identity of the remote end
func (sc *SecureChannel) Peer() PeerIdentity { return sc.peer }

// Role returns which side of the connection we are
func (sc *SecureChannel) Role() Role { return sc.role }

// EstablishedAt returns when the handshake completed
func (sc *SecureChannel) EstablishedAt() time.Time { return sc.establishedAt }

// FramesSent returns how many frames this side has sealed
func (sc *SecureChannel) FramesSent() uint64 { return sc.sendCtr.Load() }

// Close closes the underlying connection
func (sc *SecureChannel) Close() error { return sc.conn.Close() }

// SetReadDeadline sets the read deadline on the underlying connection
func (sc *SecureChannel) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// WriteMessage seals and sends one envelope as one frame
func (sc *SecureChannel) WriteMessage(env *Envelope) error {
	if len(env.Payload) > sc.maxPayload {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(env.Payload), sc.maxPayload)
	}
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return sc.writeSealed(data)
}

// WriteEncoded seals and sends an already-encoded envelope. Used by the
// broadcaster, which serializes once and fans the bytes out to every peer.
func (sc *SecureChannel) WriteEncoded(data []byte) error {
	return sc.writeSealed(data)
}

// ReadMessage receives and opens one frame, returning its envelope.
// Any error is fatal to the channel.
func (sc *SecureChannel) ReadMessage() (*Envelope, error) {
	data, err := sc.readSealed()
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(data)
}

// writeSealed seals plaintext under the next send nonce and writes one
// frame. The mutex keeps the counter order and the frame order identical.
func (sc *SecureChannel) writeSealed(plaintext []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	ctr := sc.sendCtr.Add(1) - 1
	nonce := sc.nonce(sc.sendSalt[:], ctr)

	body := make([]byte, 0, nonceSaltSize+len(plaintext)+sc.aead.Overhead())
	body = append(body, sc.sendSalt[:]...)
	body = sc.aead.Seal(body, nonce, plaintext, nil)

	return sc.framer.WriteFrame(body)
}

// readSealed reads one frame and opens it with the peer's salt and our
// receive counter
func (sc *SecureChannel) readSealed() ([]byte, error) {
	body, err := sc.framer.ReadFrame()
	if err != nil {
		return nil, err
	}
	if len(body) < nonceSaltSize+sc.aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(body))
	}

	nonce := sc.nonce(body[:nonceSaltSize], sc.recvCtr)
	sc.recvCtr++

	plaintext, err := sc.aead.Open(nil, nonce, body[nonceSaltSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// nonce builds salt || counter, the full XChaCha20 nonce
func (sc *SecureChannel) nonce(salt []byte, ctr uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, salt)
	binary.BigEndian.PutUint64(nonce[nonceSaltSize:], ctr)
	return nonce
}
