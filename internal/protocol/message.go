package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the type of a chat message
type Kind string

const (
	KindText    Kind = "text"
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindControl Kind = "control"
)

// Valid reports whether the kind is one this protocol version understands
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindControl:
		return true
	default:
		return false
	}
}

// PeerIdentity identifies one running instance on the network.
// InstanceID is generated once at process start and distinguishes two
// instances that share a display name. Immutable once created.
type PeerIdentity struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
	Addr       string `json:"addr,omitempty"`
}

func (p PeerIdentity) String() string {
	id := p.InstanceID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s[%s]", p.Name, id)
}

// Envelope is the application message unit. It is constructed by the
// sender, consumed once on delivery, and never retained afterwards.
type Envelope struct {
	Sender  PeerIdentity `json:"sender"`
	Kind    Kind         `json:"kind"`
	Payload []byte       `json:"payload,omitempty"`
}

// ErrBadEnvelope is returned when a decrypted frame does not decode
// into a valid envelope
var ErrBadEnvelope = errors.New("malformed message envelope")

// EncodeEnvelope serializes an envelope for transmission
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadEnvelope, env.Kind)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a received envelope
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadEnvelope, env.Kind)
	}
	if env.Sender.InstanceID == "" {
		return nil, fmt.Errorf("%w: missing sender instance id", ErrBadEnvelope)
	}
	return &env, nil
}

// Media is the payload of an image or video envelope: the source
// filename plus the file's raw bytes
type Media struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// EncodeMedia serializes a media payload
func EncodeMedia(m *Media) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode media: %w", err)
	}
	return data, nil
}

// DecodeMedia parses an image or video payload
func DecodeMedia(payload []byte) (*Media, error) {
	var m Media
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("%w: media missing filename", ErrBadEnvelope)
	}
	return &m, nil
}

// KeyShare is the first handshake frame, sent in cleartext. It binds the
// ephemeral public share to the sender's instance id.
type KeyShare struct {
	InstanceID  string `json:"instance_id"`
	Name        string `json:"name"`
	PublicShare []byte `json:"public_share"`
}
