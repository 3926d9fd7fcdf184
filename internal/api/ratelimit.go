package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aphrodite-server/aphrodite/internal/httputil"
)

// ipLimiter applies a token bucket per client address. Entries are pruned
// once the map grows past maxVisitors so idle clients do not accumulate.
type ipLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const maxVisitors = 1024

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *ipLimiter) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[host]
	if !ok {
		if len(l.visitors) >= maxVisitors {
			l.prune()
		}
		v = &visitor{lim: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[host] = v
	}
	v.lastSeen = time.Now()
	return v.lim.Allow()
}

// prune must be called with the lock held.
func (l *ipLimiter) prune() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for host, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, host)
		}
	}
}

// rlAuth throttles credential endpoints hard enough to blunt brute force.
func (s *Server) rlAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.rlLogin.allow(r.RemoteAddr) {
			writeRateLimited(w)
			return
		}
		next(w, r)
	}
}

// rlRead throttles the heavier read endpoints.
func (s *Server) rlRead(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.rlGeneral.allow(r.RemoteAddr) {
			writeRateLimited(w)
			return
		}
		next(w, r)
	}
}

func writeRateLimited(w http.ResponseWriter) {
	httputil.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}
