package node

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connLimiter throttles inbound connection attempts before any handshake
// bytes are parsed, so a misbehaving host on the LAN cannot churn the
// accept loop.
type connLimiter struct {
	global           *rate.Limiter
	handshakeTimeout time.Duration

	mu    sync.Mutex
	perIP map[string]*rate.Limiter

	ipRate  rate.Limit
	ipBurst int
}

func newConnLimiter() *connLimiter {
	return &connLimiter{
		global:           rate.NewLimiter(rate.Limit(20), 40),
		handshakeTimeout: 10 * time.Second,
		perIP:            make(map[string]*rate.Limiter),
		ipRate:           rate.Limit(2),
		ipBurst:          5,
	}
}

// Allow reports whether a new connection from addr may proceed
func (l *connLimiter) Allow(addr net.Addr) error {
	if !l.global.Allow() {
		return fmt.Errorf("connection rate exceeded")
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	l.mu.Lock()
	lim, ok := l.perIP[host]
	if !ok {
		// Bound the table; on a LAN this is plenty.
		if len(l.perIP) > 1024 {
			l.perIP = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.ipRate, l.ipBurst)
		l.perIP[host] = lim
	}
	l.mu.Unlock()

	if !lim.Allow() {
		return fmt.Errorf("connection rate exceeded for %s", host)
	}
	return nil
}

// HandshakeTimeout is the deadline budget for a fresh connection to
// complete its handshake
func (l *connLimiter) HandshakeTimeout() time.Duration {
	return l.handshakeTimeout
}
