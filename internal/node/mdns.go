package node

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"lanchat.dev/go/lanchat/internal/protocol"
)

const (
	// mdnsServiceType is the mDNS service type for lanchat instances
	mdnsServiceType = "_lanchat._tcp"

	// mdnsDomain is the mDNS domain
	mdnsDomain = "local."

	// mdnsBrowseInterval is how often to scan for peers
	mdnsBrowseInterval = 15 * time.Second

	// mdnsBrowseWindow is how long each scan listens for responses
	mdnsBrowseWindow = 5 * time.Second
)

// Sighting is one observation of a peer on the network. Discovery emits
// duplicates freely; deduplication is the registry's job.
type Sighting struct {
	Identity protocol.PeerIdentity
	Host     string
	Port     int
	SeenAt   time.Time
}

// Discovery advertises this instance over mDNS and browses for others.
// Sightings go out on an internal channel consumed by the node; the
// channel never blocks the browse loop (a full buffer drops the sighting,
// which the periodic re-browse makes harmless).
type Discovery struct {
	local   protocol.PeerIdentity
	port    int
	metrics *Metrics

	mu     sync.Mutex
	server *zeroconf.Server

	sightings chan Sighting
	ctx       context.Context
	cancel    context.CancelFunc

	// browse performs one mDNS browse, delivering results on entries.
	// Swappable in tests.
	browse func(ctx context.Context, entries chan *zeroconf.ServiceEntry) error
}

// NewDiscovery creates a discovery service for the given local identity
// and listen port
func NewDiscovery(local protocol.PeerIdentity, port int, metrics *Metrics) *Discovery {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Discovery{
		local:     local,
		port:      port,
		metrics:   metrics,
		sightings: make(chan Sighting, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.browse = func(ctx context.Context, entries chan *zeroconf.ServiceEntry) error {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return fmt.Errorf("mDNS resolver: %w", err)
		}
		return resolver.Browse(ctx, mdnsServiceType, mdnsDomain, entries)
	}
	return d
}

// Start registers the mDNS service record and starts the browse loop.
// A registration failure is fatal: without the multicast interface this
// instance cannot be discovered, so the caller should exit.
func (d *Discovery) Start() error {
	instance := fmt.Sprintf("%s-%s", sanitizeInstance(d.local.Name), shortID(d.local.InstanceID))
	txt := []string{
		"id=" + d.local.InstanceID,
		"name=" + d.local.Name,
		"v=1",
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, d.port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}

	d.mu.Lock()
	d.server = server
	d.mu.Unlock()

	slog.Info("mDNS service registered", "instance", instance, "port", d.port)

	go d.browseLoop()
	return nil
}

// Sightings returns the stream of peer sightings. It is never closed
// while the service runs; it goes quiet after Stop.
func (d *Discovery) Sightings() <-chan Sighting {
	return d.sightings
}

// browseLoop scans for peers on a fixed cadence until Stop
func (d *Discovery) browseLoop() {
	d.doBrowse()

	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.doBrowse()
		}
	}
}

// doBrowse performs a single bounded mDNS browse. Transient errors are
// counted and retried on the next cycle, never fatal.
func (d *Discovery) doBrowse() {
	browseCtx, cancel := context.WithTimeout(d.ctx, mdnsBrowseWindow)
	defer cancel()

	// The entries channel is only closed once browsing actually starts,
	// so the consumer must not run until Browse succeeds.
	entries := make(chan *zeroconf.ServiceEntry)
	if err := d.browse(browseCtx, entries); err != nil {
		d.metrics.DiscoveryErrors.Add(1)
		slog.Debug("mDNS browse failed", "error", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()
	<-done
}

// handleEntry converts one resolved service entry into a sighting
func (d *Discovery) handleEntry(entry *zeroconf.ServiceEntry) {
	var instanceID, name string
	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, "id="):
			instanceID = txt[3:]
		case strings.HasPrefix(txt, "name="):
			name = txt[5:]
		}
	}

	// Skip records without an id and our own advertisement.
	if instanceID == "" || instanceID == d.local.InstanceID {
		return
	}

	// Prefer IPv4; fall back to IPv6, then the advertised hostname.
	host := entry.HostName
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}
	if host == "" || entry.Port == 0 {
		return
	}

	sighting := Sighting{
		Identity: protocol.PeerIdentity{
			Name:       name,
			InstanceID: instanceID,
			Addr:       fmt.Sprintf("%s:%d", host, entry.Port),
		},
		Host:   host,
		Port:   entry.Port,
		SeenAt: time.Now(),
	}

	select {
	case d.sightings <- sighting:
	default:
		// Consumer is behind; the next browse cycle re-emits this peer.
	}
}

// Stop withdraws the service record and stops browsing
func (d *Discovery) Stop() {
	d.cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
}

// sanitizeInstance strips characters that mDNS instance names reject
func sanitizeInstance(name string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(name) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "lanchat"
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
