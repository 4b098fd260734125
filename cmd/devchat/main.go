// Command devchat runs the guard against an in-memory chat so clients can be
// exercised without platform credentials.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/you/superchat-guard/internal/core"
	"github.com/you/superchat-guard/internal/httpapi"
	"github.com/you/superchat-guard/internal/kv"
	"github.com/you/superchat-guard/internal/ledger"
	"github.com/you/superchat-guard/internal/monitor"
	"github.com/you/superchat-guard/internal/notify"
	"github.com/you/superchat-guard/internal/platform"
	"github.com/you/superchat-guard/internal/superchat"
)

type emitReq struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

func main() {
	var (
		addr   string
		pollMS int
	)

	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.IntVar(&pollMS, "poll-ms", 500, "Chat poll interval in milliseconds")
	flag.Parse()

	chat := platform.NewMemory()
	store := kv.NewMemory()

	classifier, err := superchat.New(superchat.Options{})
	if err != nil {
		log.Fatalf("devchat: %v", err)
	}
	recent := ledger.NewRecent(store, ledger.DefaultRecentTTL)
	defer recent.Close()

	metrics := httpapi.NewMetrics()
	bus := notify.NewBus()
	bus.Register("log", notify.SinkFunc(func(_ context.Context, ev core.Superchat) error {
		slog.Info("devchat: credited", "video", ev.VideoID, "message", ev.MessageID, "amount", ev.Amount)
		return nil
	}))

	registry, err := monitor.NewRegistry(monitor.Deps{
		Platform:   chat,
		Classifier: classifier,
		Ledger:     ledger.New(store),
		Recent:     recent,
		Publisher:  bus,
		Metrics:    monitor.NewMetrics(metrics.Registry()),
		Interval:   time.Duration(pollMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("devchat: %v", err)
	}

	api := httpapi.New(registry, recent, httpapi.Options{Addr: addr, Metrics: metrics})
	bus.Register("stream", api)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())

	mux.HandleFunc("POST /dev/broadcasts/{videoID}", func(w http.ResponseWriter, r *http.Request) {
		chatID := chat.AddBroadcast(r.PathValue("videoID"))
		writeJSON(w, http.StatusCreated, map[string]any{"chatId": chatID})
	})

	mux.HandleFunc("POST /dev/broadcasts/{videoID}/messages", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Text == "" {
			http.Error(w, "text required", http.StatusBadRequest)
			return
		}
		videoID := r.PathValue("videoID")
		var (
			msg core.RawMessage
			err error
		)
		if req.ID != "" {
			msg, err = chat.EmitWithID(videoID, req.ID, req.Text)
		} else {
			msg, err = chat.Emit(videoID, req.Text)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": msg.ID})
	})

	mux.HandleFunc("POST /dev/broadcasts/{videoID}/end", func(w http.ResponseWriter, r *http.Request) {
		if err := chat.End(r.PathValue("videoID")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /dev/broadcasts/{videoID}/deleted", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"deleted": chat.Deleted(r.PathValue("videoID"))})
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		registry.StopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Close(shutdownCtx)
		_ = api.Shutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("devchat listening on %s (poll=%dms)", addr, pollMS)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
