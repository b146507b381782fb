package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Sender:  PeerIdentity{Name: "alice", InstanceID: "aaaaaaaa-1111-4000-8000-000000000001"},
		Kind:    KindImage,
		Payload: []byte{0x89, 0x50, 0x4e, 0x47},
	}

	data, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("Failed to encode envelope: %v", err)
	}

	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	if got.Kind != KindImage {
		t.Errorf("Expected kind %s, got %s", KindImage, got.Kind)
	}
	if got.Sender.Name != "alice" {
		t.Errorf("Expected sender alice, got %s", got.Sender.Name)
	}
	if !bytes.Equal(got.Payload, env.Payload) {
		t.Error("Payload mismatch")
	}
}

func TestEncodeEnvelopeRejectsUnknownKind(t *testing.T) {
	env := &Envelope{
		Sender: PeerIdentity{Name: "alice", InstanceID: "a"},
		Kind:   Kind("voice"),
	}
	if _, err := EncodeEnvelope(env); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("Expected ErrBadEnvelope, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{name: "not json", data: []byte("!!!!")},
		{name: "unknown kind", data: []byte(`{"sender":{"name":"x","instance_id":"a"},"kind":"voice"}`)},
		{name: "missing sender id", data: []byte(`{"sender":{"name":"x"},"kind":"text"}`)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeEnvelope(tc.data); !errors.Is(err, ErrBadEnvelope) {
				t.Errorf("Expected ErrBadEnvelope, got %v", err)
			}
		})
	}
}

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{KindText, KindImage, KindVideo, KindControl} {
		if !k.Valid() {
			t.Errorf("Kind %s should be valid", k)
		}
	}
	if Kind("").Valid() || Kind("voice").Valid() {
		t.Error("Unknown kinds should be invalid")
	}
}

func TestPeerIdentityString(t *testing.T) {
	p := PeerIdentity{Name: "alice", InstanceID: "aaaaaaaa-1111-4000-8000-000000000001"}
	if got := p.String(); got != "alice[aaaaaaaa]" {
		t.Errorf("Unexpected identity string: %s", got)
	}
}

func TestMediaRoundTrip(t *testing.T) {
	payload, err := EncodeMedia(&Media{Name: "cat.png", Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("EncodeMedia failed: %v", err)
	}

	media, err := DecodeMedia(payload)
	if err != nil {
		t.Fatalf("DecodeMedia failed: %v", err)
	}
	if media.Name != "cat.png" {
		t.Errorf("Expected name cat.png, got %s", media.Name)
	}
	if !bytes.Equal(media.Data, []byte{1, 2, 3}) {
		t.Errorf("Media data mismatch: %v", media.Data)
	}
}

func TestDecodeMediaRejectsMissingName(t *testing.T) {
	payload, err := EncodeMedia(&Media{Data: []byte{1}})
	if err != nil {
		t.Fatalf("EncodeMedia failed: %v", err)
	}
	if _, err := DecodeMedia(payload); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("Expected ErrBadEnvelope, got %v", err)
	}
	if _, err := DecodeMedia([]byte("not json")); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("Expected ErrBadEnvelope for garbage, got %v", err)
	}
}
