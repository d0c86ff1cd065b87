package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/luxury-yacht/dashboard/backend/refresh"
)

const (
	// CorrelationIDHeader is the HTTP header used for request correlation.
	CorrelationIDHeader = "X-Correlation-ID"
)

// Handler wraps next with the security headers, correlation ID, CORS and per-client rate
// limiting applied to every route, websocket upgrades included.
func (s *Server) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("X-Frame-Options", "DENY")
		header.Set("Referrer-Policy", "no-referrer")
		header.Set(CorrelationIDHeader, getCorrelationID(r))

		if !s.applyCORS(w, r) {
			return
		}
		if !s.limiter.allow(clientIP(r)) {
			header.Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, struct {
				Error *refresh.ErrorStatus `json:"error"`
			}{Error: &refresh.ErrorStatus{
				Kind:    refresh.StatusUnavailable,
				Reason:  refresh.ReasonStreamUnavailable,
				Message: "rate limit exceeded",
				Code:    http.StatusTooManyRequests,
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CheckOrigin reports whether a websocket upgrade from r's origin is allowed.
func (s *Server) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin)
}

func (s *Server) originAllowed(origin string) bool {
	if _, ok := s.origins["*"]; ok {
		return true
	}
	_, ok := s.origins[origin]
	return ok
}

// applyCORS sets the CORS headers for allowed origins and answers preflight requests.
// It returns false when the request has been fully handled.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	allowed := origin != "" && s.originAllowed(origin)
	if allowed {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		if allowed {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+CorrelationIDHeader)
			w.Header().Set("Access-Control-Max-Age", "300")
		}
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	return true
}

// getCorrelationID extracts the correlation ID from the request header or generates a new one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(CorrelationIDHeader)); id != "" {
		return id
	}
	return uuid.NewString()[:8]
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the peer address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client IP. Buckets idle for longer than ttl
// are swept on the next call after the ttl elapses.
type ipRateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

func newIPRateLimiter(perSecond float64, burst int, ttl time.Duration, now func() time.Time) *ipRateLimiter {
	return &ipRateLimiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		ttl:       ttl,
		now:       now,
		clients:   make(map[string]*clientLimiter),
		lastSweep: now(),
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweepLocked(now)
	}
	client, ok := l.clients[ip]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = client
	}
	client.lastSeen = now
	return client.limiter.AllowN(now, 1)
}

func (l *ipRateLimiter) sweepLocked(now time.Time) {
	for ip, client := range l.clients {
		if now.Sub(client.lastSeen) >= l.ttl {
			delete(l.clients, ip)
		}
	}
	l.lastSweep = now
}

func (l *ipRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
