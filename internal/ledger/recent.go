package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/superchat-guard/internal/kv"
)

// RecentKey holds the global list of recently validated message texts.
const RecentKey = "validMessages"

// DefaultRecentTTL is how long a validated text stays listed.
const DefaultRecentTTL = 10 * time.Minute

type recentEntry struct {
	Text      string    `json:"text"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Recent is a best-effort record of message texts validated in the last TTL,
// shared by all broadcasts. It is not used for crediting; downstream claim
// flows read it to confirm a donation message was verified.
type Recent struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func NewRecent(store kv.Store, ttl time.Duration) *Recent {
	if ttl <= 0 {
		ttl = DefaultRecentTTL
	}
	return &Recent{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Add lists text until now+TTL and arms a follow-up prune for that moment.
func (r *Recent) Add(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("ledger: recent record closed")
	}

	now := r.now()
	entries, err := r.loadLocked(ctx)
	if err != nil {
		return err
	}
	entries = append(pruneExpired(entries, now), recentEntry{Text: text, ExpiresAt: now.Add(r.ttl).UTC()})
	if err := r.saveLocked(ctx, entries); err != nil {
		return err
	}
	r.schedulePruneLocked(r.ttl)
	return nil
}

// IsValid reports whether text was validated within the TTL. Store failures
// are logged and reported as not valid.
func (r *Recent) IsValid(ctx context.Context, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.loadLocked(ctx)
	if err != nil {
		slog.Error("ledger: check recent validation", "err", err)
		return false
	}
	now := r.now()
	for _, e := range entries {
		if e.Text == text && now.Before(e.ExpiresAt) {
			return true
		}
	}
	return false
}

// Prune rewrites the record without expired entries.
func (r *Recent) Prune(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked(ctx)
}

// Close stops pending prune timers.
func (r *Recent) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for t := range r.timers {
		t.Stop()
	}
	r.timers = make(map[*time.Timer]struct{})
}

func (r *Recent) pruneLocked(ctx context.Context) error {
	entries, err := r.loadLocked(ctx)
	if err != nil {
		return err
	}
	kept := pruneExpired(entries, r.now())
	if len(kept) == len(entries) {
		return nil
	}
	return r.saveLocked(ctx, kept)
}

func (r *Recent) schedulePruneLocked(after time.Duration) {
	var t *time.Timer
	t = time.AfterFunc(after, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.timers, t)
		if r.closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.pruneLocked(ctx); err != nil {
			slog.Error("ledger: prune recent validations", "err", err)
		}
	})
	r.timers[t] = struct{}{}
}

func (r *Recent) loadLocked(ctx context.Context) ([]recentEntry, error) {
	raw, ok, err := r.store.Get(ctx, RecentKey)
	if err != nil {
		return nil, errors.Wrap(err, "ledger: load recent")
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var entries []recentEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, errors.Wrap(err, "ledger: decode recent")
	}
	return entries, nil
}

func (r *Recent) saveLocked(ctx context.Context, entries []recentEntry) error {
	if entries == nil {
		entries = []recentEntry{}
	}
	buf, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "ledger: encode recent")
	}
	return errors.Wrap(r.store.Put(ctx, RecentKey, string(buf)), "ledger: persist recent")
}

func pruneExpired(entries []recentEntry, now time.Time) []recentEntry {
	kept := entries[:0]
	for _, e := range entries {
		if now.Before(e.ExpiresAt) {
			kept = append(kept, e)
		}
	}
	return kept
}
