package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"lanchat.dev/go/lanchat/internal/protocol"
)

const (
	// sendQueueSize bounds the per-peer outbound queue
	sendQueueSize = 32

	// enqueueTimeout is how long a broadcast waits for a queue slot on a
	// slow peer before reporting it unreachable
	enqueueTimeout = 2 * time.Second

	// deliverTimeout is how long a broadcast waits for the write itself
	deliverTimeout = 30 * time.Second

	// dialTimeout bounds an outbound TCP connect
	dialTimeout = 10 * time.Second
)

// ErrPeerUnreachable is the per-peer outcome for a peer whose queue or
// socket could not take the message in time
var ErrPeerUnreachable = errors.New("peer unreachable")

// SendOutcome is the per-peer result of one broadcast
type SendOutcome struct {
	Peer protocol.PeerIdentity
	Err  error
}

// Received is one inbound message with its authenticated sender
type Received struct {
	Peer     protocol.PeerIdentity
	Envelope *protocol.Envelope
}

// sendReq carries one pre-encoded envelope through a peer's send queue
// and reports the write result back to the broadcaster
type sendReq struct {
	data []byte
	done chan error
}

// peerConn is one live authenticated connection. The secure channel is
// owned here; the registry only ever sees status transitions.
type peerConn struct {
	identity protocol.PeerIdentity
	channel  *protocol.SecureChannel
	sendCh   chan sendReq

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	// replaced marks a connection discarded by the simultaneous-connect
	// tie-break; its teardown must not emit a loss event. Guarded by the
	// manager mutex.
	replaced bool
}

type retryState struct {
	bo   *backoff.ExponentialBackOff
	next time.Time
}

// connManager owns the accept loop, outbound connects, the per-pair
// tie-break, and the per-connection send/receive loops. At most one
// connection exists per instance id; register is the single arbiter.
type connManager struct {
	local      protocol.PeerIdentity
	registry   *Registry
	metrics    *Metrics
	limiter    *connLimiter
	maxPayload int

	pingInterval time.Duration
	idleTimeout  time.Duration

	listener net.Listener
	inbound  chan Received

	mu    sync.Mutex
	conns map[string]*peerConn
	retry map[string]*retryState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newConnManager(ctx context.Context, local protocol.PeerIdentity, reg *Registry, metrics *Metrics, maxPayload int, pingInterval, idleTimeout time.Duration, inbound chan Received) *connManager {
	cmCtx, cancel := context.WithCancel(ctx)
	return &connManager{
		local:        local,
		registry:     reg,
		metrics:      metrics,
		limiter:      newConnLimiter(),
		maxPayload:   maxPayload,
		pingInterval: pingInterval,
		idleTimeout:  idleTimeout,
		inbound:      inbound,
		conns:        make(map[string]*peerConn),
		retry:        make(map[string]*retryState),
		ctx:          cmCtx,
		cancel:       cancel,
	}
}

// start takes ownership of the listener and begins accepting
func (cm *connManager) start(listener net.Listener) {
	cm.listener = listener
	cm.wg.Add(1)
	go cm.acceptLoop()
}

// acceptLoop accepts inbound connections until the listener closes
func (cm *connManager) acceptLoop() {
	defer cm.wg.Done()

	for {
		conn, err := cm.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || cm.ctx.Err() != nil {
				return
			}
			slog.Debug("accept failed", "error", err)
			continue
		}

		if err := cm.limiter.Allow(conn.RemoteAddr()); err != nil {
			cm.metrics.ConnectionsRejected.Add(1)
			slog.Debug("connection rejected", "remote", conn.RemoteAddr(), "reason", err)
			conn.Close()
			continue
		}

		// Handshake deadline before any reads.
		conn.SetDeadline(time.Now().Add(cm.limiter.HandshakeTimeout()))

		cm.wg.Add(1)
		go cm.handleInbound(conn)
	}
}

// handleInbound runs the responder side of the handshake
func (cm *connManager) handleInbound(conn net.Conn) {
	defer cm.wg.Done()

	sc, err := protocol.Handshake(conn, cm.local, protocol.RoleResponder, cm.maxPayload)
	if err != nil {
		cm.metrics.HandshakeFailures.Add(1)
		slog.Debug("inbound handshake failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	cm.register(sc)
}

// handleSighting decides whether a sighting warrants an outbound attempt
func (cm *connManager) handleSighting(s Sighting) {
	id := s.Identity.InstanceID
	if id == cm.local.InstanceID {
		return
	}

	cm.registry.OnSighting(s.Identity, s.SeenAt)

	cm.mu.Lock()
	_, connected := cm.conns[id]
	st := cm.retry[id]
	backedOff := st != nil && time.Now().Before(st.next)
	cm.mu.Unlock()
	if connected || backedOff {
		return
	}

	if !cm.registry.TryBeginConnect(id) {
		return
	}

	cm.wg.Add(1)
	go cm.connect(s.Identity)
}

// connect runs the initiator side against a discovered peer
func (cm *connManager) connect(identity protocol.PeerIdentity) {
	defer cm.wg.Done()

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(cm.ctx, "tcp", identity.Addr)
	if err != nil {
		slog.Debug("dial failed", "peer", identity.String(), "error", err)
		cm.registry.AbandonConnect(identity.InstanceID)
		cm.noteFailure(identity.InstanceID)
		return
	}

	conn.SetDeadline(time.Now().Add(protocol.HandshakeTimeout))
	sc, err := protocol.Handshake(conn, cm.local, protocol.RoleInitiator, cm.maxPayload)
	if err != nil {
		cm.metrics.HandshakeFailures.Add(1)
		slog.Debug("outbound handshake failed", "peer", identity.String(), "error", err)
		conn.Close()
		cm.registry.AbandonConnect(identity.InstanceID)
		cm.noteFailure(identity.InstanceID)
		return
	}
	conn.SetDeadline(time.Time{})

	// The advertised record can lag behind a restart; the authenticated
	// id from the handshake wins.
	if sc.Peer().InstanceID != identity.InstanceID {
		cm.registry.AbandonConnect(identity.InstanceID)
	}

	cm.register(sc)
}

// register is the single arbiter enforcing one connection per instance
// id. When both sides of a pair connected simultaneously, the surviving
// connection is the one initiated by the lexicographically smaller
// instance id; the loser is closed silently.
func (cm *connManager) register(sc *protocol.SecureChannel) {
	peer := sc.Peer()

	cm.mu.Lock()
	if cm.ctx.Err() != nil {
		cm.mu.Unlock()
		sc.Close()
		return
	}

	if existing := cm.conns[peer.InstanceID]; existing != nil {
		keepNew := false
		if existing.channel.Role() == sc.Role() {
			// Same direction twice means the old connection is stale
			// (peer reconnected); newest wins.
			keepNew = true
		} else {
			wantRole := protocol.RoleResponder
			if cm.local.InstanceID < peer.InstanceID {
				wantRole = protocol.RoleInitiator
			}
			keepNew = sc.Role() == wantRole
		}

		if !keepNew {
			cm.mu.Unlock()
			sc.Close()
			return
		}

		existing.replaced = true
		existing.cancel()
		existing.channel.Close()
	}

	ctx, cancel := context.WithCancel(cm.ctx)
	pc := &peerConn{
		identity: peer,
		channel:  sc,
		sendCh:   make(chan sendReq, sendQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	cm.conns[peer.InstanceID] = pc
	delete(cm.retry, peer.InstanceID)
	cm.wg.Add(3)
	cm.mu.Unlock()

	cm.registry.MarkConnected(peer)
	cm.metrics.HandshakesCompleted.Add(1)
	slog.Info("peer connected", "peer", peer.String(), "role", sc.Role().String(), "addr", peer.Addr)

	go cm.sendLoop(pc)
	go cm.receiveLoop(pc)
	go cm.pingLoop(pc)
}

// teardown closes a connection and records the loss exactly once
func (cm *connManager) teardown(pc *peerConn, cause error) {
	pc.closeOnce.Do(func() {
		pc.cancel()
		pc.channel.Close()
	})

	cm.mu.Lock()
	replaced := pc.replaced
	if cm.conns[pc.identity.InstanceID] == pc {
		delete(cm.conns, pc.identity.InstanceID)
	}
	cm.mu.Unlock()

	if replaced {
		return
	}
	if cm.registry.MarkLost(pc.identity.InstanceID) {
		slog.Info("peer lost", "peer", pc.identity.String(), "cause", cause)
	}
}

// sendLoop owns the channel's outbound path for one connection
func (cm *connManager) sendLoop(pc *peerConn) {
	defer cm.wg.Done()

	for {
		select {
		case <-pc.ctx.Done():
			cm.drainSendQueue(pc)
			return
		case req := <-pc.sendCh:
			err := pc.channel.WriteEncoded(req.data)
			req.done <- err
			if err != nil {
				cm.teardown(pc, err)
				cm.drainSendQueue(pc)
				return
			}
			cm.metrics.MessagesSent.Add(1)
			cm.metrics.BytesSent.Add(int64(len(req.data)))
		}
	}
}

// drainSendQueue fails queued requests so no broadcaster waits the full
// delivery timeout on a dead connection
func (cm *connManager) drainSendQueue(pc *peerConn) {
	for {
		select {
		case req := <-pc.sendCh:
			req.done <- ErrPeerUnreachable
		default:
			return
		}
	}
}

// receiveLoop reads, decrypts and forwards frames for one connection.
// Per-connection order is preserved by construction: this is the only
// reader.
func (cm *connManager) receiveLoop(pc *peerConn) {
	defer cm.wg.Done()

	for {
		if cm.idleTimeout > 0 {
			pc.channel.SetReadDeadline(time.Now().Add(cm.idleTimeout))
		}

		env, err := pc.channel.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrDecryptFailed):
				cm.metrics.CryptoFailures.Add(1)
			case errors.Is(err, protocol.ErrFrameTooLarge):
				cm.metrics.OversizeRejected.Add(1)
			}
			cm.teardown(pc, err)
			return
		}

		cm.metrics.MessagesReceived.Add(1)
		cm.metrics.BytesReceived.Add(int64(len(env.Payload)))

		// Keepalives and other control traffic stay inside the core.
		if env.Kind == protocol.KindControl {
			continue
		}

		select {
		case cm.inbound <- Received{Peer: pc.identity, Envelope: env}:
		case <-pc.ctx.Done():
			return
		case <-cm.ctx.Done():
			return
		}
	}
}

// pingLoop keeps the connection alive so a silent peer is detected by
// the idle timeout rather than lingering forever
func (cm *connManager) pingLoop(pc *peerConn) {
	defer cm.wg.Done()

	if cm.pingInterval <= 0 {
		return
	}

	ping, err := protocol.EncodeEnvelope(&protocol.Envelope{
		Sender:  cm.local,
		Kind:    protocol.KindControl,
		Payload: []byte("ping"),
	})
	if err != nil {
		return
	}

	ticker := time.NewTicker(cm.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pc.ctx.Done():
			return
		case <-ticker.C:
			if err := pc.channel.WriteEncoded(ping); err != nil {
				cm.teardown(pc, err)
				return
			}
		}
	}
}

// broadcast serializes the envelope once and fans it out to every live
// connection concurrently. Per-peer failures are outcomes, never errors
// for the call; only serialization can fail it.
func (cm *connManager) broadcast(ctx context.Context, kind protocol.Kind, payload []byte) ([]SendOutcome, error) {
	if len(payload) > cm.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", protocol.ErrPayloadTooLarge, len(payload), cm.maxPayload)
	}

	data, err := protocol.EncodeEnvelope(&protocol.Envelope{
		Sender:  cm.local,
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}

	cm.mu.Lock()
	targets := make([]*peerConn, 0, len(cm.conns))
	for _, pc := range cm.conns {
		targets = append(targets, pc)
	}
	cm.mu.Unlock()

	outcomes := make([]SendOutcome, len(targets))
	var wg sync.WaitGroup
	for i, pc := range targets {
		wg.Add(1)
		go func(i int, pc *peerConn) {
			defer wg.Done()
			outcomes[i] = SendOutcome{Peer: pc.identity, Err: cm.sendTo(ctx, pc, data)}
		}(i, pc)
	}
	wg.Wait()

	return outcomes, nil
}

// sendTo queues one encoded envelope for a peer and waits, bounded, for
// the write result
func (cm *connManager) sendTo(ctx context.Context, pc *peerConn, data []byte) error {
	req := sendReq{data: data, done: make(chan error, 1)}

	enqueue := time.NewTimer(enqueueTimeout)
	defer enqueue.Stop()
	select {
	case pc.sendCh <- req:
	case <-pc.ctx.Done():
		return ErrPeerUnreachable
	case <-ctx.Done():
		return ctx.Err()
	case <-enqueue.C:
		cm.metrics.SendTimeouts.Add(1)
		return ErrPeerUnreachable
	}

	deliver := time.NewTimer(deliverTimeout)
	defer deliver.Stop()
	select {
	case err := <-req.done:
		if err != nil && !errors.Is(err, ErrPeerUnreachable) {
			return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
		}
		return err
	case <-pc.ctx.Done():
		return ErrPeerUnreachable
	case <-ctx.Done():
		return ctx.Err()
	case <-deliver.C:
		cm.metrics.SendTimeouts.Add(1)
		return ErrPeerUnreachable
	}
}

// dialDirect connects to an explicit address with no discovery record
// behind it. The handshake supplies the peer's identity; register then
// treats the connection exactly like a discovered one.
func (cm *connManager) dialDirect(addr string) error {
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(cm.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	conn.SetDeadline(time.Now().Add(protocol.HandshakeTimeout))
	sc, err := protocol.Handshake(conn, cm.local, protocol.RoleInitiator, cm.maxPayload)
	if err != nil {
		cm.metrics.HandshakeFailures.Add(1)
		conn.Close()
		return fmt.Errorf("handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	cm.register(sc)
	return nil
}

// noteFailure pushes out the next allowed attempt for a peer
func (cm *connManager) noteFailure(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	st := cm.retry[id]
	if st == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 2 * time.Second
		bo.MaxInterval = time.Minute
		bo.MaxElapsedTime = 0
		st = &retryState{bo: bo}
		cm.retry[id] = st
	}
	st.next = time.Now().Add(st.bo.NextBackOff())
}

// shutdown stops accepting, closes every connection and waits for all
// loops to finish. After it returns nothing will touch the inbound
// channel again.
func (cm *connManager) shutdown() {
	cm.cancel()
	if cm.listener != nil {
		cm.listener.Close()
	}

	cm.mu.Lock()
	conns := make([]*peerConn, 0, len(cm.conns))
	for _, pc := range cm.conns {
		conns = append(conns, pc)
	}
	cm.mu.Unlock()

	for _, pc := range conns {
		pc.closeOnce.Do(func() {
			pc.cancel()
			pc.channel.Close()
		})
	}

	cm.wg.Wait()
}
