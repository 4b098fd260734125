package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/superchat-guard/internal/config"
	httpadmin "github.com/you/superchat-guard/internal/http"
	"github.com/you/superchat-guard/internal/httpapi"
	"github.com/you/superchat-guard/internal/kv"
	"github.com/you/superchat-guard/internal/ledger"
	"github.com/you/superchat-guard/internal/monitor"
	"github.com/you/superchat-guard/internal/notify"
	"github.com/you/superchat-guard/internal/platform"
	"github.com/you/superchat-guard/internal/superchat"
	"github.com/you/superchat-guard/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag bool
		envFile     string
		kvBackend   string
		dbPath      string
		videoIDs    string
		pollMS      int
		maxAmount   string
		webhookURL  string
		httpAddr    string
		adminAddr   string
		corsOrigins string
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	flag.StringVar(&kvBackend, "kv", "", "Ledger store backend: sqlite, cloudflare or memory")
	flag.StringVar(&dbPath, "sqlite", "", "Path to SQLite database file")
	flag.StringVar(&videoIDs, "videos", "", "Comma-separated broadcast ids or watch URLs to guard on startup")
	flag.IntVar(&pollMS, "poll-ms", 0, "Chat poll interval in milliseconds")
	flag.StringVar(&maxAmount, "max-amount", "", "Largest accepted superchat amount")
	flag.StringVar(&webhookURL, "webhook-url", "", "Deliver credited superchats as CloudEvents to this URL")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API address (e.g., :8765)")
	flag.StringVar(&adminAddr, "admin-addr", "", "Admin listener address; disabled when empty")
	flag.StringVar(&corsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"guard version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("guard: env file %s: %v", envFile, err)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()
	if overrides["kv"] {
		cfg.KV.Backend = strings.ToLower(strings.TrimSpace(kvBackend))
	}
	if overrides["sqlite"] {
		cfg.KV.SQLite.Path = strings.TrimSpace(dbPath)
	}
	if overrides["videos"] {
		cfg.VideoIDs = config.SplitList(videoIDs)
	}
	if overrides["poll-ms"] && pollMS > 0 {
		cfg.Guard.PollIntervalMS = pollMS
	}
	if overrides["max-amount"] {
		cfg.Guard.MaxAmount = strings.TrimSpace(maxAmount)
	}
	if overrides["webhook-url"] {
		cfg.Webhook.URL = strings.TrimSpace(webhookURL)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["admin-addr"] {
		cfg.HTTP.AdminAddr = strings.TrimSpace(adminAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = config.SplitList(corsOrigins)
	}

	log.Printf("%s", cfg.SummaryJSON())
	if cfg.BelowDefaultPoll() {
		slog.Warn("guard: poll interval below platform quota cadence", "poll_ms", cfg.PollInterval().Milliseconds())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("guard: received %s, shutting down", sig)
		cancel()
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("guard: kv: %v", err)
	}
	defer closeStore()

	client, reloader, err := openPlatform(ctx, cfg)
	if err != nil {
		log.Fatalf("guard: platform: %v", err)
	}

	classifier, err := superchat.New(superchat.Options{
		MaxAmount:    cfg.Guard.MaxAmount,
		DuplicateTTL: cfg.SeenTTL(),
	})
	if err != nil {
		log.Fatalf("guard: %v", err)
	}

	recent := ledger.NewRecent(store, cfg.RecentTTL())
	defer recent.Close()

	httpMetrics := httpapi.NewMetrics()
	bus := notify.NewBus()

	if cfg.Webhook.URL != "" {
		hook, err := notify.NewWebhook(notify.WebhookConfig{URL: cfg.Webhook.URL, Source: cfg.Webhook.Source})
		if err != nil {
			log.Fatalf("guard: webhook: %v", err)
		}
		bus.Register("webhook", hook)
		log.Printf("guard: webhook sink enabled")
	}

	registry, err := monitor.NewRegistry(monitor.Deps{
		Platform:   client,
		Classifier: classifier,
		Ledger:     ledger.New(store),
		Recent:     recent,
		Publisher:  bus,
		Metrics:    monitor.NewMetrics(httpMetrics.Registry()),
		Interval:   cfg.PollInterval(),
	})
	if err != nil {
		log.Fatalf("guard: %v", err)
	}

	var api *httpapi.Server
	if cfg.HTTP.Addr != "" {
		api = httpapi.New(registry, recent, httpapi.Options{
			Addr:        cfg.HTTP.Addr,
			CORSOrigins: cfg.HTTP.CORSOrigins,
			RateRPS:     cfg.HTTP.RateRPS,
			RateBurst:   cfg.HTTP.RateBurst,
			Build: httpapi.BuildInfo{
				Version:  version.Version,
				Revision: version.Commit,
				BuiltAt:  version.BuiltAt(),
			},
			Metrics: httpMetrics,
		})
		bus.Register("stream", api)
		go func() {
			if err := api.Start(); err != nil {
				log.Printf("guard: http api: %v", err)
				cancel()
			}
		}()
	}

	var admin *http.Server
	if cfg.HTTP.AdminAddr != "" {
		mux := http.NewServeMux()
		httpadmin.New(reloader).Register(mux)
		admin = &http.Server{Addr: cfg.HTTP.AdminAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("guard: admin listening on %s", admin.Addr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("guard: admin: %v", err)
			}
		}()
	}

	for _, raw := range cfg.VideoIDs {
		videoID, err := platform.ParseVideoID(raw)
		if err != nil {
			log.Printf("guard: skipping %q: %v", raw, err)
			continue
		}
		if _, err := registry.Start(ctx, videoID); err != nil {
			log.Printf("guard: start %s: %v", videoID, err)
			continue
		}
		log.Printf("guard: guarding %s", videoID)
	}
	if len(cfg.VideoIDs) == 0 && api == nil {
		log.Printf("guard: no broadcasts configured and http api disabled; set GUARD_VIDEO_IDS or GUARD_HTTP_ADDR")
	}

	<-ctx.Done()

	registry.StopAll()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := bus.Close(shutdownCtx); err != nil {
		log.Printf("guard: draining events: %v", err)
	}
	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("guard: http api shutdown: %v", err)
		}
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Printf("guard: admin shutdown: %v", err)
		}
	}
	log.Printf("guard: shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config) (kv.Store, func(), error) {
	switch cfg.KV.Backend {
	case "sqlite":
		db, err := kv.OpenSQLite(cfg.KV.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping sqlite: %w", err)
		}
		if err := migrateSQLite(ctx, db.RawDB()); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("sqlite migrate: %w", err)
		}
		return db, func() {
			if err := db.Close(); err != nil {
				log.Printf("guard: closing sqlite: %v", err)
			}
		}, nil
	case "cloudflare":
		cf, err := kv.NewCloudflare(kv.CloudflareConfig{
			AccountID:   cfg.KV.Cloudflare.AccountID,
			NamespaceID: cfg.KV.Cloudflare.NamespaceID,
			APIToken:    cfg.KV.Cloudflare.APIToken,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		return cf, func() {}, nil
	case "memory":
		log.Printf("guard: memory kv selected; credited superchats are lost on restart")
		return kv.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want sqlite, cloudflare or memory)", cfg.KV.Backend)
	}
}

// openPlatform picks credentials in order: token file, refresh token, API
// key. The returned reloader is nil unless a token file is in use.
func openPlatform(ctx context.Context, cfg config.Config) (platform.Client, httpadmin.Reloader, error) {
	ytCfg := platform.YouTubeConfig{APIKey: cfg.YouTube.APIKey}
	var reloader httpadmin.Reloader

	switch {
	case cfg.YouTube.TokenFile != "":
		src, err := platform.NewFileTokenSource(cfg.YouTube.TokenFile)
		if err != nil {
			return nil, nil, err
		}
		if err := src.Watch(ctx); err != nil {
			slog.Error("guard: watch token file", "path", cfg.YouTube.TokenFile, "err", err)
		}
		ytCfg.TokenSource = src
		reloader = src
		log.Printf("guard: youtube credentials from token file %s", cfg.YouTube.TokenFile)
	case cfg.RefreshEnabled():
		ytCfg.TokenSource = platform.RefreshTokenSource(
			ctx, cfg.YouTube.ClientID, cfg.YouTube.ClientSecret, cfg.YouTube.RefreshToken,
		)
		log.Printf("guard: youtube credentials from refresh token")
	case cfg.YouTube.APIKey != "":
		log.Printf("guard: youtube api key only; spoofed superchats cannot be deleted")
	}

	client, err := platform.NewYouTube(ctx, ytCfg)
	if err != nil {
		return nil, nil, err
	}
	return client, reloader, nil
}
