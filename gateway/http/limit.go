package http

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per client address
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{
		m:     make(map[string]*rate.Limiter),
		rps:   rate.Limit(rps),
		burst: burst,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = l
	return l
}

// Allow reports whether key may issue one more request now
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gateway) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.limiters.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			g.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
