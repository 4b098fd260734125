// Package httpapi exposes session control, recent-validation lookups and a
// live feed of credited superchats over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/you/superchat-guard/internal/core"
	"github.com/you/superchat-guard/internal/monitor"
	"github.com/you/superchat-guard/internal/platform"
)

// Sessions is the slice of the session registry the API drives.
type Sessions interface {
	Start(ctx context.Context, videoID string) (bool, error)
	Stop(videoID string) bool
	Sessions() []monitor.Info
}

// Validations answers whether a message text was recently verified.
type Validations interface {
	IsValid(ctx context.Context, text string) bool
}

type Options struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	Build       BuildInfo
	Metrics     *Metrics
}

type Server struct {
	httpServer *http.Server
	opts       Options
	sessions   Sessions
	recent     Validations
	metrics    *Metrics
	limiter    *visitorLimits
	cors       *originPolicy

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

func New(sessions Sessions, recent Validations, opts Options) *Server {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	srv := &Server{
		opts:     opts,
		sessions: sessions,
		recent:   recent,
		metrics:  metrics,
		limiter:  newVisitorLimits(opts.RateRPS, opts.RateBurst),
		cors:     newOriginPolicy(opts.CORSOrigins),
		clients:  make(map[*streamClient]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.Handle("/info", srv.wrap("/info", srv.handleInfo))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/sessions", srv.wrap("/sessions", srv.handleSessions))
	mux.Handle("/sessions/", srv.wrap("/sessions/{videoID}", srv.handleSession))
	mux.Handle("/superchats/valid", srv.wrap("/superchats/valid", srv.handleValid))
	mux.Handle("/superchats/stream", srv.wrap("/superchats/stream", srv.handleStream))
	mux.Handle("/superchats/ws", srv.wrap("/superchats/ws", srv.handleWS))

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Sessions()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/sessions/"))
	if err != nil || strings.TrimSpace(raw) == "" {
		http.Error(w, "video id required", http.StatusBadRequest)
		return
	}
	videoID, err := platform.ParseVideoID(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		started, err := s.sessions.Start(r.Context(), videoID)
		if err != nil {
			http.Error(w, err.Error(), startErrorStatus(err))
			return
		}
		status := http.StatusOK
		if started {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{"videoId": videoID, "started": started})
	case http.MethodDelete:
		stopped := s.sessions.Stop(videoID)
		writeJSON(w, http.StatusOK, map[string]any{"videoId": videoID, "stopped": stopped})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, monitor.ErrMissingVideoID):
		return http.StatusBadRequest
	case errors.Is(err, monitor.ErrClosed):
		return http.StatusServiceUnavailable
	case platform.IsTerminal(err):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleValid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	text := r.URL.Query().Get("text")
	if text == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}
	valid := false
	if s.recent != nil {
		valid = s.recent.IsValid(r.Context(), text)
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": valid})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Deliver implements notify.Sink by fanning ev out to stream clients. Slow
// clients miss events rather than stall the pipeline.
func (s *Server) Deliver(_ context.Context, ev core.Superchat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		select {
		case c.ch <- ev:
		default:
			s.metrics.IncBroadcastDrops(c.transport)
		}
	}
	return nil
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		close(c.ch)
	}
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
