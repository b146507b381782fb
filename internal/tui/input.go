package tui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lanchat.dev/go/lanchat/internal/node"
	"lanchat.dev/go/lanchat/internal/protocol"
)

// maxInputLine bounds a single typed line
const maxInputLine = 64 * 1024

// Session drives one interactive chat: it reads commands and text from
// the input, broadcasts through the node, and prints whatever arrives.
type Session struct {
	node     *node.Node
	renderer *Renderer
	mediaDir string

	in io.Reader
}

// NewSession wires a session around a started node. mediaDir is where
// received images and videos are written; empty disables saving.
func NewSession(n *node.Node, renderer *Renderer, in io.Reader, mediaDir string) *Session {
	return &Session{
		node:     n,
		renderer: renderer,
		mediaDir: mediaDir,
		in:       in,
	}
}

// Run blocks until the user quits, the input closes, or the context is
// canceled. Input is read on its own goroutine so cancellation (Ctrl-C)
// takes effect without waiting for another line.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.receiveLoop(ctx)

	self := s.node.Identity()
	s.renderer.System("you are %s on port %d; /help for commands", self.String(), s.node.Port())

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), maxInputLine)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case raw := <-lines:
			line := strings.TrimSpace(raw)
			if line == "" {
				continue
			}

			// "exit" quits like /quit; everything else that is not a
			// command is chat text.
			if line == "exit" || line == "/quit" {
				return nil
			}
			if strings.HasPrefix(line, "/") {
				if err := s.runCommand(ctx, line); err != nil {
					s.renderer.Error("%v", err)
				}
				continue
			}

			s.sendText(ctx, line)
		}
	}
}

func (s *Session) runCommand(ctx context.Context, line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		s.renderer.System("commands: /connect <host:port> /peers /stats /image <path> /video <path> /quit")
		return nil
	case "/connect":
		if arg == "" {
			return fmt.Errorf("usage: /connect <host:port>")
		}
		if err := s.node.Connect(arg); err != nil {
			return fmt.Errorf("connect %s: %w", arg, err)
		}
		s.renderer.System("connected to %s", arg)
		return nil
	case "/peers":
		s.renderer.PeerList(s.node.Peers())
		return nil
	case "/stats":
		s.renderer.Stats(s.node.Metrics())
		return nil
	case "/image":
		return s.sendMedia(ctx, protocol.KindImage, arg)
	case "/video":
		return s.sendMedia(ctx, protocol.KindVideo, arg)
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

func (s *Session) sendText(ctx context.Context, text string) {
	outcomes, err := s.node.Send(ctx, protocol.KindText, []byte(text))
	if err != nil {
		s.renderer.Error("send failed: %v", err)
		return
	}

	s.renderer.Message(s.node.Identity().Name, true, text, time.Now())
	s.reportFailures(outcomes)
}

func (s *Session) sendMedia(ctx context.Context, kind protocol.Kind, path string) error {
	if path == "" {
		return fmt.Errorf("usage: /%s <path>", kind)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	payload, err := protocol.EncodeMedia(&protocol.Media{
		Name: filepath.Base(path),
		Data: data,
	})
	if err != nil {
		return err
	}

	outcomes, err := s.node.Send(ctx, kind, payload)
	if err != nil {
		return err
	}

	s.renderer.System("sent %s %q (%s) to %d peer(s)",
		kind, filepath.Base(path), formatBytes(len(data)), len(outcomes))
	s.reportFailures(outcomes)
	return nil
}

func (s *Session) reportFailures(outcomes []node.SendOutcome) {
	for _, o := range outcomes {
		if o.Err != nil {
			s.renderer.Error("not delivered to %s: %v", o.Peer.String(), o.Err)
		}
	}
}

func (s *Session) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.node.Inbound():
			if !ok {
				return
			}
			s.handleInbound(msg)
		}
	}
}

func (s *Session) handleInbound(msg node.Received) {
	switch msg.Envelope.Kind {
	case protocol.KindText:
		s.renderer.Message(msg.Peer.Name, false, string(msg.Envelope.Payload), time.Now())
	case protocol.KindImage, protocol.KindVideo:
		s.handleMedia(msg)
	}
}

func (s *Session) handleMedia(msg node.Received) {
	media, err := protocol.DecodeMedia(msg.Envelope.Payload)
	if err != nil {
		s.renderer.Error("bad media from %s: %v", msg.Peer.String(), err)
		return
	}

	savedTo := ""
	if s.mediaDir != "" {
		path, err := s.saveMedia(media)
		if err != nil {
			s.renderer.Error("save media: %v", err)
		} else {
			savedTo = path
		}
	}

	s.renderer.Media(msg.Peer.Name, msg.Envelope.Kind, media.Name, len(media.Data), savedTo)
}

// saveMedia writes received media under the media directory. The sender
// controls the filename, so it is flattened to its base name and
// prefixed with a timestamp to avoid traversal and collisions.
func (s *Session) saveMedia(media *protocol.Media) (string, error) {
	if err := os.MkdirAll(s.mediaDir, 0700); err != nil {
		return "", err
	}

	name := filepath.Base(filepath.Clean(media.Name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", errors.New("unusable media filename")
	}

	path := filepath.Join(s.mediaDir, fmt.Sprintf("%s-%s", time.Now().Format("20060102-150405"), name))
	if err := os.WriteFile(path, media.Data, 0600); err != nil {
		return "", err
	}
	return path, nil
}
