package tui

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lanchat.dev/go/lanchat/internal/node"
	"lanchat.dev/go/lanchat/internal/protocol"
)

// syncBuffer collects renderer output from concurrent goroutines
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func startChatNode(t *testing.T, name, id string) *node.Node {
	t.Helper()

	n, err := node.New(node.Config{
		Name:       name,
		InstanceID: id,
		Port:       -1,
		Discovery:  false,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(n.Shutdown)
	return n
}

func TestSessionSendsTextAndQuits(t *testing.T) {
	a := startChatNode(t, "alice", "aaaa-1111")
	b := startChatNode(t, "bob", "bbbb-2222")

	if err := a.Connect(fmt.Sprintf("127.0.0.1:%d", b.Port())); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && (len(a.Peers()) == 0 || len(b.Peers()) == 0) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(a.Peers()) == 0 {
		t.Fatal("Timed out waiting for connection")
	}

	out := &syncBuffer{}
	input := strings.NewReader("hello bob\n/peers\nexit\n")
	session := NewSession(a, NewRenderer(out), input, "")

	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	select {
	case msg := <-b.Inbound():
		if string(msg.Envelope.Payload) != "hello bob" {
			t.Errorf("Unexpected payload %q", msg.Envelope.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for message at bob")
	}

	got := out.String()
	if !strings.Contains(got, "hello bob") {
		t.Error("Expected local echo of the sent message")
	}
	if !strings.Contains(got, "alice:") {
		t.Error("Expected own name on the echoed line")
	}
	if !strings.Contains(got, "1 peer(s) connected") {
		t.Errorf("Expected peer list output, got:\n%s", got)
	}
}

func TestSessionPrintsInboundText(t *testing.T) {
	a := startChatNode(t, "alice", "aaaa-1111")
	b := startChatNode(t, "bob", "bbbb-2222")

	if err := a.Connect(fmt.Sprintf("127.0.0.1:%d", b.Port())); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(b.Peers()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	out := &syncBuffer{}
	// Input that never produces a line, so Run sits in the receive path
	// until the context ends.
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	defer pw.Close()
	defer pr.Close()

	session := NewSession(b, NewRenderer(out), pr, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		session.Run(ctx)
		close(done)
	}()

	if _, err := a.Send(context.Background(), protocol.KindText, []byte("hi from alice")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(out.String(), "hi from alice") {
		time.Sleep(10 * time.Millisecond)
	}
	if got := out.String(); !strings.Contains(got, "hi from alice") || !strings.Contains(got, "alice:") {
		t.Errorf("Expected inbound message in output, got:\n%s", got)
	}

	cancel()
	pw.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Session did not stop")
	}
}

func TestSessionConnectCommand(t *testing.T) {
	a := startChatNode(t, "alice", "aaaa-1111")
	b := startChatNode(t, "bob", "bbbb-2222")

	out := &syncBuffer{}
	input := strings.NewReader(fmt.Sprintf("/connect 127.0.0.1:%d\nexit\n", b.Port()))
	session := NewSession(a, NewRenderer(out), input, "")

	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !strings.Contains(out.String(), "connected to") {
		t.Errorf("Expected connect notice, got:\n%s", out.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(a.Peers()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	peers := a.Peers()
	if len(peers) != 1 || peers[0].InstanceID != "bbbb-2222" {
		t.Fatalf("Expected bob as connected peer, got %v", peers)
	}
}

func TestSessionStopsOnContextCancel(t *testing.T) {
	n := startChatNode(t, "alice", "aaaa-1111")

	// An open pipe with no input lines; the session must still stop when
	// the context ends, without waiting for Enter.
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	defer pw.Close()
	defer pr.Close()

	session := NewSession(n, NewRenderer(&syncBuffer{}), pr, "")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not stop on context cancel")
	}
}

func TestSessionSavesReceivedMedia(t *testing.T) {
	dir := t.TempDir()
	out := &syncBuffer{}
	session := NewSession(nil, NewRenderer(out), nil, dir)

	payload, err := protocol.EncodeMedia(&protocol.Media{
		Name: "cat.png",
		Data: []byte{0x89, 0x50, 0x4e, 0x47},
	})
	if err != nil {
		t.Fatalf("EncodeMedia failed: %v", err)
	}

	session.handleInbound(node.Received{
		Peer: protocol.PeerIdentity{Name: "bob", InstanceID: "bbbb-2222"},
		Envelope: &protocol.Envelope{
			Sender:  protocol.PeerIdentity{Name: "bob", InstanceID: "bbbb-2222"},
			Kind:    protocol.KindImage,
			Payload: payload,
		},
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 saved file, got %d", len(entries))
	}
	if !strings.HasSuffix(entries[0].Name(), "cat.png") {
		t.Errorf("Unexpected saved name %s", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(data, []byte{0x89, 0x50, 0x4e, 0x47}) {
		t.Error("Saved media bytes differ from sent bytes")
	}

	if !strings.Contains(out.String(), "cat.png") {
		t.Error("Expected media notice in output")
	}
}

func TestSessionFlattensMediaFilename(t *testing.T) {
	dir := t.TempDir()
	session := NewSession(nil, NewRenderer(&syncBuffer{}), nil, dir)

	path, err := session.saveMedia(&protocol.Media{
		Name: "../../etc/passwd",
		Data: []byte("x"),
	})
	if err != nil {
		t.Fatalf("saveMedia failed: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("Expected file inside %s, got %s", dir, path)
	}
	if !strings.HasSuffix(path, "passwd") {
		t.Errorf("Unexpected flattened name %s", path)
	}
}

func TestSessionRejectsUnknownCommand(t *testing.T) {
	session := NewSession(nil, NewRenderer(&syncBuffer{}), nil, "")

	if err := session.runCommand(context.Background(), "/frobnicate"); err == nil {
		t.Error("Expected error for unknown command")
	}
	if err := session.runCommand(context.Background(), "/image"); err == nil {
		t.Error("Expected usage error for /image without a path")
	}
	if err := session.runCommand(context.Background(), "/connect"); err == nil {
		t.Error("Expected usage error for /connect without an address")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{3 * 1024 * 1024, "3.0 MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}
