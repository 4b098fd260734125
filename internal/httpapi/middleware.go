package httpapi

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// statusRecorder captures what a handler wrote for the access log and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

// Flush keeps the SSE feed streaming through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// baseWriter returns the connection's own writer; the WebSocket upgrade needs
// its http.Hijacker.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	if rec, ok := w.(*statusRecorder); ok {
		return rec.ResponseWriter
	}
	return w
}

const (
	visitorIdle    = 5 * time.Minute
	visitorSweepAt = 1024
)

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// visitorLimits is a token bucket per client address. A nil value allows
// everything.
type visitorLimits struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

func newVisitorLimits(rps, burst int) *visitorLimits {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &visitorLimits{rps: rate.Limit(rps), burst: burst, visitors: make(map[string]*visitor)}
}

func (l *visitorLimits) allow(ip string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.seen = now
	if len(l.visitors) > visitorSweepAt {
		for addr, other := range l.visitors {
			if now.Sub(other.seen) > visitorIdle {
				delete(l.visitors, addr)
			}
		}
	}
	return v.lim.Allow()
}

// clientIP prefers the first X-Forwarded-For hop; the guard runs behind the
// site's proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// originPolicy is the browser allow-list shared by CORS and the WebSocket
// upgrade. A nil policy sends no CORS headers.
type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) *originPolicy {
	if len(origins) == 0 {
		return nil
	}
	p := &originPolicy{allowed: make(map[string]struct{})}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return &originPolicy{any: true}
		}
		if o != "" {
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

func (p *originPolicy) allows(origin string) bool {
	if p == nil {
		return false
	}
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.allowed[origin]
	return ok
}

// apply answers preflights and stamps CORS headers. It reports whether the
// request has been fully handled.
func (p *originPolicy) apply(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p == nil || origin == "" {
		return false
	}
	if !p.allows(origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return true
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	if r.Method != http.MethodOptions {
		return false
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	if h := r.Header.Get("Access-Control-Request-Headers"); h != "" {
		w.Header().Set("Access-Control-Allow-Headers", h)
	}
	w.Header().Set("Access-Control-Max-Age", "300")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// wrap applies CORS, per-client rate limiting, metrics and the access log.
func (s *Server) wrap(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		ip := clientIP(r)
		defer func() {
			dur := time.Since(start)
			s.metrics.ObserveRequest(route, r.Method, rec.code(), dur)
			slog.Info("http: access",
				"route", route,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.code(),
				"bytes", rec.written,
				"dur_ms", dur.Milliseconds(),
				"ip", ip,
			)
		}()

		if s.cors.apply(rec, r) {
			return
		}
		if !s.limiter.allow(ip) {
			s.metrics.IncRateLimited()
			http.Error(rec, "rate limited", http.StatusTooManyRequests)
			return
		}
		h(rec, r)
	})
}
