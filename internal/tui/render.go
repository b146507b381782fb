package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"lanchat.dev/go/lanchat/internal/node"
	"lanchat.dev/go/lanchat/internal/protocol"
)

// Renderer formats chat output. All writes go through one io.Writer so
// interleaving from the receive goroutine stays line-atomic.
type Renderer struct {
	mu  sync.Mutex
	out io.Writer

	timeStyle   lipgloss.Style
	selfStyle   lipgloss.Style
	peerStyle   lipgloss.Style
	systemStyle lipgloss.Style
	errorStyle  lipgloss.Style
}

// NewRenderer creates a renderer writing to out
func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{
		out:         out,
		timeStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		selfStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		peerStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		systemStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true),
		errorStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
}

func (r *Renderer) timestamp(at time.Time) string {
	return r.timeStyle.Render(at.Format("15:04:05"))
}

func (r *Renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// Message prints one chat line. Own messages and peer messages get
// different name colors so a glance tells them apart.
func (r *Renderer) Message(sender string, self bool, text string, at time.Time) {
	nameStyle := r.peerStyle
	if self {
		nameStyle = r.selfStyle
	}
	r.printf("%s %s %s\n", r.timestamp(at), nameStyle.Render(sender+":"), text)
}

// System prints an informational line
func (r *Renderer) System(format string, args ...any) {
	r.printf("%s %s\n", r.timestamp(time.Now()), r.systemStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error line
func (r *Renderer) Error(format string, args ...any) {
	r.printf("%s %s\n", r.timestamp(time.Now()), r.errorStyle.Render(fmt.Sprintf(format, args...)))
}

// Media prints a received-media notice, with the saved path when the
// file was written to disk
func (r *Renderer) Media(sender string, kind protocol.Kind, name string, size int, savedTo string) {
	notice := fmt.Sprintf("sent %s %q (%s)", kind, name, formatBytes(size))
	if savedTo != "" {
		notice += " saved to " + savedTo
	}
	r.printf("%s %s %s\n", r.timestamp(time.Now()), r.peerStyle.Render(sender+":"), r.systemStyle.Render(notice))
}

// PeerList prints the connected peer table
func (r *Renderer) PeerList(peers []protocol.PeerIdentity) {
	if len(peers) == 0 {
		r.System("no peers connected")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", r.timestamp(time.Now()), r.systemStyle.Render(fmt.Sprintf("%d peer(s) connected:", len(peers))))
	for _, p := range peers {
		fmt.Fprintf(&b, "  %s %s\n", r.peerStyle.Render(p.String()), r.timeStyle.Render(p.Addr))
	}
	r.printf("%s", b.String())
}

// Stats prints a metrics snapshot
func (r *Renderer) Stats(m node.MetricsSnapshot) {
	var b strings.Builder
	fmt.Fprintf(&b, "sent %d msg / %s, received %d msg / %s\n",
		m.MessagesSent, formatBytes(int(m.BytesSent)),
		m.MessagesReceived, formatBytes(int(m.BytesReceived)))
	fmt.Fprintf(&b, "  handshakes %d ok / %d failed, crypto failures %d, oversize rejected %d\n",
		m.HandshakesCompleted, m.HandshakeFailures, m.CryptoFailures, m.OversizeRejected)
	fmt.Fprintf(&b, "  send timeouts %d, connections rejected %d, discovery errors %d",
		m.SendTimeouts, m.ConnectionsRejected, m.DiscoveryErrors)
	r.System("%s", b.String())
}

func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
