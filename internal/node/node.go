package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"lanchat.dev/go/lanchat/internal/protocol"
)

const (
	// DefaultPort is the listen port used when none is configured
	DefaultPort = 7645

	// DefaultStaleAfter is how long a non-connected peer may go unseen
	// before it is marked lost
	DefaultStaleAfter = 45 * time.Second

	// DefaultEvictAfter is how long a lost peer stays visible before it
	// is forgotten
	DefaultEvictAfter = 5 * time.Minute

	// DefaultPingInterval is how often keepalives go out on idle
	// connections
	DefaultPingInterval = 10 * time.Second

	// DefaultIdleTimeout is how long a connection may stay silent before
	// it is considered dead
	DefaultIdleTimeout = 30 * time.Second

	// sweepInterval is how often the registry janitor runs
	sweepInterval = 5 * time.Second

	// inboundBuffer bounds undelivered inbound messages before receive
	// loops start blocking
	inboundBuffer = 128
)

// Config holds the tunables for a node. The zero value of each field
// falls back to its default.
type Config struct {
	// Name is the display name announced to peers
	Name string

	// Port is the TCP listen port; 0 picks DefaultPort, negative values
	// ask the OS for an ephemeral port
	Port int

	// MaxPayload caps a single message payload in bytes
	MaxPayload int

	// Discovery enables mDNS advertisement and browsing
	Discovery bool

	// StaleAfter and EvictAfter tune the registry lifecycle
	StaleAfter time.Duration
	EvictAfter time.Duration

	// PingInterval and IdleTimeout tune connection liveness
	PingInterval time.Duration
	IdleTimeout  time.Duration

	// InstanceID overrides the generated instance id. Tests only.
	InstanceID string
}

// Node is one running lanchat instance: a listener, an mDNS presence,
// a peer registry and the fan-out machinery. Create with New, start
// with Start, stop with Shutdown.
type Node struct {
	cfg      Config
	identity protocol.PeerIdentity

	registry  *Registry
	metrics   *Metrics
	manager   *connManager
	discovery *Discovery

	inbound chan Received
	port    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// New creates a node from the given config. Nothing touches the
// network until Start.
func New(cfg Config) (*Node, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("node: name is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Port < 0 {
		cfg.Port = 0 // ephemeral
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = protocol.DefaultMaxPayload
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = DefaultEvictAfter
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg: cfg,
		identity: protocol.PeerIdentity{
			Name:       cfg.Name,
			InstanceID: instanceID,
		},
		registry: NewRegistry(cfg.StaleAfter, cfg.EvictAfter),
		metrics:  NewMetrics(),
		inbound:  make(chan Received, inboundBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	n.manager = newConnManager(ctx, n.identity, n.registry, n.metrics,
		cfg.MaxPayload, cfg.PingInterval, cfg.IdleTimeout, n.inbound)

	return n, nil
}

// Start binds the listener and, when discovery is enabled, announces
// this instance and begins browsing. A bind or announce failure is
// fatal; the node is unusable and should be discarded.
func (n *Node) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", n.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", n.cfg.Port, err)
	}
	n.port = listener.Addr().(*net.TCPAddr).Port

	n.manager.start(listener)

	if n.cfg.Discovery {
		n.discovery = NewDiscovery(n.identity, n.port, n.metrics)
		if err := n.discovery.Start(); err != nil {
			listener.Close()
			return fmt.Errorf("discovery failed: %w", err)
		}

		n.wg.Add(1)
		go n.sightingLoop()
	}

	n.wg.Add(1)
	go n.janitorLoop()

	slog.Info("node started",
		"name", n.identity.Name,
		"instance_id", n.identity.InstanceID,
		"port", n.port,
		"discovery", n.cfg.Discovery)
	return nil
}

// sightingLoop feeds discovery sightings into the connection manager
func (n *Node) sightingLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case s := <-n.discovery.Sightings():
			n.manager.handleSighting(s)
		}
	}
}

// janitorLoop ages out stale and lost registry entries
func (n *Node) janitorLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.registry.Sweep()
		}
	}
}

// Connect dials a peer directly, bypassing discovery. Useful when
// discovery is disabled or for tests.
func (n *Node) Connect(addr string) error {
	return n.manager.dialDirect(addr)
}

// Send broadcasts one payload to every connected peer and reports the
// per-peer outcomes. A peer failure never fails the call.
func (n *Node) Send(ctx context.Context, kind protocol.Kind, payload []byte) ([]SendOutcome, error) {
	return n.manager.broadcast(ctx, kind, payload)
}

// Inbound is the stream of messages received from peers
func (n *Node) Inbound() <-chan Received {
	return n.inbound
}

// Peers returns the currently connected peers, sorted by name
func (n *Node) Peers() []protocol.PeerIdentity {
	return n.registry.Connected()
}

// Registry exposes the full peer registry
func (n *Node) Registry() *Registry {
	return n.registry
}

// Identity returns this node's announced identity
func (n *Node) Identity() protocol.PeerIdentity {
	return n.identity
}

// Port returns the bound listen port, valid after Start
func (n *Node) Port() int {
	return n.port
}

// Metrics returns a snapshot of the node's counters
func (n *Node) Metrics() MetricsSnapshot {
	return n.metrics.Snapshot()
}

// Shutdown withdraws the mDNS record, closes every connection and waits
// for all internal loops to finish. Safe to call more than once.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.cancel()
		if n.discovery != nil {
			n.discovery.Stop()
		}
		n.wg.Wait()
		n.manager.shutdown()
		close(n.inbound)
		slog.Info("node stopped", "name", n.identity.Name)
	})
}
