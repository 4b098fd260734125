// Package httpadmin serves operator-only endpoints on a separate listener.
package httpadmin

import (
	"encoding/json"
	"net/http"
)

// Reloader rereads platform credentials and returns a redacted fingerprint.
type Reloader interface {
	Reload() (fingerprint string, changed bool, err error)
}

type Server struct {
	rel Reloader
}

// New accepts a nil Reloader when no token file is configured; the reload
// route then answers 404.
func New(rel Reloader) *Server { return &Server{rel: rel} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/platform/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.rel == nil {
			http.Error(w, "no token file configured", http.StatusNotFound)
			return
		}
		fingerprint, changed, err := s.rel.Reload()
		if err != nil {
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"reloaded":    true,
			"changed":     changed,
			"fingerprint": fingerprint,
		})
	})
}
