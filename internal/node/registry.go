package node

import (
	"sort"
	"sync"
	"time"

	"lanchat.dev/go/lanchat/internal/protocol"
)

// PeerStatus is the lifecycle state of a known peer
type PeerStatus int

const (
	StatusDiscovered PeerStatus = iota
	StatusConnecting
	StatusConnected
	StatusLost
)

func (s PeerStatus) String() string {
	switch s {
	case StatusDiscovered:
		return "discovered"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusLost:
		return "lost"
	default:
		return "unknown"
	}
}

// PeerRecord is one row of the peer table
type PeerRecord struct {
	Identity protocol.PeerIdentity
	Status   PeerStatus
	LastSeen time.Time
}

// Registry is the authoritative peer table. It is the only component
// allowed to change a peer's status; every mutation goes through one of
// its operations under a single lock. It holds no sockets and persists
// nothing.
type Registry struct {
	mu      sync.Mutex
	records map[string]*PeerRecord

	staleAfter time.Duration
	evictAfter time.Duration

	// now is replaceable for tests
	now func() time.Time
}

// NewRegistry creates a registry with the given staleness and eviction
// windows
func NewRegistry(staleAfter, evictAfter time.Duration) *Registry {
	return &Registry{
		records:    make(map[string]*PeerRecord),
		staleAfter: staleAfter,
		evictAfter: evictAfter,
		now:        time.Now,
	}
}

// OnSighting records a discovery sighting. Idempotent: a new peer enters
// Discovered, a known one gets its last-seen refreshed. A Lost peer
// re-enters Discovered. Connecting and Connected are never downgraded.
func (r *Registry) OnSighting(identity protocol.PeerIdentity, seenAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[identity.InstanceID]
	if !ok {
		r.records[identity.InstanceID] = &PeerRecord{
			Identity: identity,
			Status:   StatusDiscovered,
			LastSeen: seenAt,
		}
		return
	}

	if seenAt.After(rec.LastSeen) {
		rec.LastSeen = seenAt
	}
	rec.Identity.Name = identity.Name
	rec.Identity.Addr = identity.Addr
	if rec.Status == StatusLost {
		rec.Status = StatusDiscovered
	}
}

// TryBeginConnect atomically moves a peer from Discovered to Connecting.
// Returns false if the peer is unknown or already Connecting/Connected;
// this is the guard against duplicate outbound attempts.
func (r *Registry) TryBeginConnect(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[instanceID]
	if !ok || rec.Status != StatusDiscovered {
		return false
	}
	rec.Status = StatusConnecting
	return true
}

// AbandonConnect returns a Connecting peer to Discovered after a failed
// attempt, leaving it eligible for a later one
func (r *Registry) AbandonConnect(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[instanceID]; ok && rec.Status == StatusConnecting {
		rec.Status = StatusDiscovered
	}
}

// MarkConnected records a successful handshake. Inserts the record if the
// connection arrived before any sighting did.
func (r *Registry) MarkConnected(identity protocol.PeerIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[identity.InstanceID]
	if !ok {
		rec = &PeerRecord{}
		r.records[identity.InstanceID] = rec
	}
	rec.Identity = identity
	rec.Status = StatusConnected
	rec.LastSeen = r.now()
}

// MarkLost transitions a peer to Lost. Returns true only for the call
// that actually performed the transition, so double-teardown races
// resolve to exactly one loss event.
func (r *Registry) MarkLost(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[instanceID]
	if !ok || rec.Status == StatusLost {
		return false
	}
	rec.Status = StatusLost
	rec.LastSeen = r.now()
	return true
}

// Connected returns a snapshot of the identities of all Connected peers,
// sorted by name for stable presentation
func (r *Registry) Connected() []protocol.PeerIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]protocol.PeerIdentity, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Status == StatusConnected {
			peers = append(peers, rec.Identity)
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Name != peers[j].Name {
			return peers[i].Name < peers[j].Name
		}
		return peers[i].InstanceID < peers[j].InstanceID
	})
	return peers
}

// Get returns a copy of a peer's record
func (r *Registry) Get(instanceID string) (PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[instanceID]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Sweep ages the table: Discovered/Connecting peers unseen for longer
// than the staleness window become Lost, and Lost peers past the grace
// period are evicted. Connected peers are untouched; their liveness is
// the connection's to decide.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, rec := range r.records {
		switch rec.Status {
		case StatusDiscovered, StatusConnecting:
			if now.Sub(rec.LastSeen) > r.staleAfter {
				rec.Status = StatusLost
				rec.LastSeen = now
			}
		case StatusLost:
			if now.Sub(rec.LastSeen) > r.evictAfter {
				delete(r.records, id)
			}
		}
	}
}
