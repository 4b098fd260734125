package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	KV       KVConfig
	YouTube  YouTubeConfig
	Guard    GuardConfig
	Webhook  WebhookConfig
	HTTP     HTTPConfig
	VideoIDs []string
}

type KVConfig struct {
	Backend    string // sqlite | cloudflare | memory
	SQLite     SQLiteConfig
	Cloudflare CloudflareConfig
}

type SQLiteConfig struct {
	Path string
}

type CloudflareConfig struct {
	AccountID   string
	NamespaceID string
	APIToken    string
}

type YouTubeConfig struct {
	APIKey       string
	TokenFile    string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

type GuardConfig struct {
	PollIntervalMS int
	MaxAmount      string
	SeenTTLSecs    int
	RecentTTLSecs  int
}

type WebhookConfig struct {
	URL    string
	Source string
}

type HTTPConfig struct {
	Addr        string
	AdminAddr   string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
}

const (
	defaultBackend      = "sqlite"
	defaultSQLitePath   = "guard.db"
	defaultPollMS       = 3000
	defaultMaxAmount    = "1000"
	defaultSeenTTLSecs  = 0 // process lifetime
	defaultRecentTTLSec = 600
	defaultHTTPAddr     = ":8765"
	defaultRateRPS      = 20
	defaultRateBurst    = 40
)

func Load() Config {
	cfg := Config{}

	cfg.KV.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("GUARD_KV")))
	if cfg.KV.Backend == "" {
		cfg.KV.Backend = defaultBackend
	}
	cfg.KV.SQLite.Path = strings.TrimSpace(os.Getenv("GUARD_SQLITE_PATH"))
	if cfg.KV.SQLite.Path == "" {
		cfg.KV.SQLite.Path = defaultSQLitePath
	}
	cfg.KV.Cloudflare.AccountID = envWithFallback("GUARD_CF_ACCOUNT_ID", "CLOUDFLARE_ACCOUNT_ID")
	cfg.KV.Cloudflare.NamespaceID = envWithFallback("GUARD_CF_NAMESPACE_ID", "CLOUDFLARE_NAMESPACE_ID")
	cfg.KV.Cloudflare.APIToken = envWithFallback("GUARD_CF_API_TOKEN", "CLOUDFLARE_API_TOKEN")

	cfg.YouTube.APIKey = envWithFallback("GUARD_YT_API_KEY", "YOUTUBE_API_KEY")
	cfg.YouTube.TokenFile = strings.TrimSpace(os.Getenv("GUARD_YT_TOKEN_FILE"))
	cfg.YouTube.ClientID = envWithFallback("GUARD_YT_CLIENT_ID", "YOUTUBE_CLIENT_ID")
	cfg.YouTube.ClientSecret = envWithFallback("GUARD_YT_CLIENT_SECRET", "YOUTUBE_CLIENT_SECRET")
	cfg.YouTube.RefreshToken = envWithFallback("GUARD_YT_REFRESH_TOKEN", "YOUTUBE_REFRESH_TOKEN")

	cfg.Guard.PollIntervalMS = readInt("GUARD_POLL_INTERVAL_MS", defaultPollMS)
	cfg.Guard.MaxAmount = strings.TrimSpace(os.Getenv("GUARD_MAX_AMOUNT"))
	if cfg.Guard.MaxAmount == "" {
		cfg.Guard.MaxAmount = defaultMaxAmount
	}
	// Zero keeps validated texts for the life of the process.
	cfg.Guard.SeenTTLSecs = readInt("GUARD_SEEN_TTL_SECS", defaultSeenTTLSecs)
	cfg.Guard.RecentTTLSecs = readInt("GUARD_RECENT_TTL_SECS", defaultRecentTTLSec)

	cfg.Webhook.URL = strings.TrimSpace(os.Getenv("GUARD_WEBHOOK_URL"))
	cfg.Webhook.Source = strings.TrimSpace(os.Getenv("GUARD_WEBHOOK_SOURCE"))

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("GUARD_HTTP_ADDR"))
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = defaultHTTPAddr
	}
	cfg.HTTP.AdminAddr = strings.TrimSpace(os.Getenv("GUARD_ADMIN_ADDR"))
	cfg.HTTP.CORSOrigins = SplitList(os.Getenv("GUARD_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateRPS = readInt("GUARD_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("GUARD_HTTP_RATE_BURST", defaultRateBurst)

	cfg.VideoIDs = SplitList(os.Getenv("GUARD_VIDEO_IDS"))

	return cfg
}

func envWithFallback(primary, legacy string) string {
	if v := strings.TrimSpace(os.Getenv(primary)); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(legacy))
}

// SplitList splits a comma, semicolon or whitespace separated list, dropping
// blanks and duplicates.
func SplitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

// dedupe is case-sensitive: video ids differ by case.
func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func (c Config) PollInterval() time.Duration {
	if c.Guard.PollIntervalMS <= 0 {
		return defaultPollMS * time.Millisecond
	}
	return time.Duration(c.Guard.PollIntervalMS) * time.Millisecond
}

// BelowDefaultPoll reports a cadence faster than the platform quota assumes.
func (c Config) BelowDefaultPoll() bool {
	return c.PollInterval() < defaultPollMS*time.Millisecond
}

func (c Config) SeenTTL() time.Duration {
	return time.Duration(c.Guard.SeenTTLSecs) * time.Second
}

func (c Config) RecentTTL() time.Duration {
	return time.Duration(c.Guard.RecentTTLSecs) * time.Second
}

// RefreshEnabled reports whether OAuth refresh credentials are complete.
func (c Config) RefreshEnabled() bool {
	return c.YouTube.ClientID != "" && c.YouTube.ClientSecret != "" && c.YouTube.RefreshToken != ""
}

func (c Config) Summary() Summary {
	return Summary{
		KV:         c.KV.Backend,
		SQLitePath: c.KV.SQLite.Path,
		PollMS:     c.PollInterval().Milliseconds(),
		MaxAmount:  c.Guard.MaxAmount,
		Videos:     len(c.VideoIDs),
		YouTube: YouTubeSummary{
			APIKey:         redactString(c.YouTube.APIKey),
			TokenFile:      c.YouTube.TokenFile,
			ClientID:       redactString(c.YouTube.ClientID),
			RefreshEnabled: c.RefreshEnabled(),
		},
		Webhook: c.Webhook.URL != "",
	}
}

type Summary struct {
	KV         string         `json:"kv"`
	SQLitePath string         `json:"sqlite_path,omitempty"`
	PollMS     int64          `json:"poll_ms"`
	MaxAmount  string         `json:"max_amount"`
	Videos     int            `json:"videos"`
	YouTube    YouTubeSummary `json:"yt"`
	Webhook    bool           `json:"webhook"`
}

type YouTubeSummary struct {
	APIKey         string `json:"api_key,omitempty"`
	TokenFile      string `json:"token_file,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	RefreshEnabled bool   `json:"refresh_enabled"`
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"kv": map[string]any{
			"backend":     c.KV.Backend,
			"sqlite_path": c.KV.SQLite.Path,
			"cloudflare": map[string]any{
				"account_id":   c.KV.Cloudflare.AccountID,
				"namespace_id": c.KV.Cloudflare.NamespaceID,
				"api_token":    redactString(c.KV.Cloudflare.APIToken),
			},
		},
		"youtube": map[string]any{
			"api_key":         redactString(c.YouTube.APIKey),
			"token_file":      c.YouTube.TokenFile,
			"client_id":       redactString(c.YouTube.ClientID),
			"client_secret":   redactString(c.YouTube.ClientSecret),
			"refresh_token":   redactString(c.YouTube.RefreshToken),
			"refresh_enabled": c.RefreshEnabled(),
		},
		"guard": map[string]any{
			"poll_interval_ms": c.Guard.PollIntervalMS,
			"max_amount":       c.Guard.MaxAmount,
			"seen_ttl_secs":    c.Guard.SeenTTLSecs,
			"recent_ttl_secs":  c.Guard.RecentTTLSecs,
		},
		"webhook": map[string]any{
			"url":    c.Webhook.URL,
			"source": c.Webhook.Source,
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"admin_addr":   c.HTTP.AdminAddr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
		},
		"video_ids": append([]string(nil), c.VideoIDs...),
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
