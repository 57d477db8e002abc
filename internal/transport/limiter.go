package transport

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connectLimiter throttles connection attempts per remote host with a token
// bucket each. Idle hosts are evicted on a sweep counter so the map stays
// bounded under address churn.
type connectLimiter struct {
	limit rate.Limit
	burst int

	mu     sync.Mutex
	byHost map[string]*hostBucket
	sweeps uint64
}

type hostBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const hostIdleTTL = 15 * time.Minute

func newConnectLimiter(perMinute, burst int) *connectLimiter {
	if perMinute <= 0 || burst <= 0 {
		return nil
	}
	return &connectLimiter{
		limit:  rate.Limit(float64(perMinute) / 60.0),
		burst:  burst,
		byHost: make(map[string]*hostBucket),
	}
}

// allow reports whether the remote address may attempt a connection now. A nil
// limiter permits everything.
func (l *connectLimiter) allow(remoteAddr string, now time.Time) bool {
	if l == nil {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byHost[host]
	if !ok {
		b = &hostBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byHost[host] = b
	}
	b.lastSeen = now

	l.sweeps++
	if l.sweeps%256 == 0 {
		cutoff := now.Add(-hostIdleTTL)
		for k, v := range l.byHost {
			if v.lastSeen.Before(cutoff) {
				delete(l.byHost, k)
			}
		}
	}

	return b.limiter.AllowN(now, 1)
}
