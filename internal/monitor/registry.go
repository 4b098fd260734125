// Package monitor runs one polling session per live broadcast: it pulls new
// chat messages, classifies them, credits genuine superchats exactly once and
// removes spoofed ones.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/superchat-guard/internal/core"
	"github.com/you/superchat-guard/internal/ledger"
	"github.com/you/superchat-guard/internal/platform"
	"github.com/you/superchat-guard/internal/superchat"
)

// DefaultInterval is the poll cadence agreed with the platform's quota.
const DefaultInterval = 3 * time.Second

var (
	ErrMissingVideoID = errors.New("monitor: video id is required")
	ErrMissingChatID  = errors.New("monitor: platform returned no chat id")
	ErrClosed         = errors.New("monitor: registry closed")
)

// Publisher receives every newly credited superchat. It runs on the poll
// goroutine, so it must hand the event off rather than wait on delivery.
type Publisher interface {
	Publish(ctx context.Context, ev core.Superchat) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, core.Superchat) error { return nil }

// Deps are shared by every session of a registry.
type Deps struct {
	Platform   platform.Client
	Classifier *superchat.Classifier
	Ledger     *ledger.Ledger
	Recent     *ledger.Recent // optional
	Publisher  Publisher      // optional
	Metrics    *Metrics       // optional
	Interval   time.Duration
	Now        func() time.Time
	NewID      func() string
}

// Registry owns the set of active sessions, at most one per broadcast.
type Registry struct {
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewRegistry(deps Deps) (*Registry, error) {
	switch {
	case deps.Platform == nil:
		return nil, errors.New("monitor: platform client is required")
	case deps.Classifier == nil:
		return nil, errors.New("monitor: classifier is required")
	case deps.Ledger == nil:
		return nil, errors.New("monitor: ledger is required")
	}
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.NewString() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}, nil
}

// Start begins monitoring videoID. It reports false without error when a
// session for videoID already exists. ctx bounds chat resolution only; the
// session itself runs until stopped or the broadcast ends.
func (r *Registry) Start(ctx context.Context, videoID string) (bool, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return false, ErrMissingVideoID
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrClosed
	}
	if _, ok := r.sessions[videoID]; ok {
		r.mu.Unlock()
		log.Printf("monitor: already monitoring %s", videoID)
		return false, nil
	}
	// The entry is claimed before resolving so a concurrent Start is a no-op.
	s := newSession(r.ctx, videoID, &r.deps, r.remove)
	r.sessions[videoID] = s
	r.mu.Unlock()

	resolveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopResolve := context.AfterFunc(s.ctx, cancel)
	defer stopResolve()

	chatID, err := r.deps.Platform.ResolveChatChannel(resolveCtx, videoID)
	if err == nil && strings.TrimSpace(chatID) == "" {
		err = ErrMissingChatID
	}
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.finish("chat resolution failed")
		return false, fmt.Errorf("monitor: start %s: %w", videoID, err)
	}

	if !s.activate(chatID) {
		return false, fmt.Errorf("monitor: start %s: %w", videoID, context.Canceled)
	}
	log.Printf("monitor: monitoring %s (chat %s, every %s)", videoID, chatID, r.deps.Interval)
	return true, nil
}

// Stop ends the session for videoID and waits for its loop to exit. It
// reports whether a session was present.
func (r *Registry) Stop(videoID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[videoID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Stop()
	<-s.Done()
	return true
}

// StopAll stops every session, refuses new ones and waits for all loops to
// exit.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	r.cancel()
	for _, s := range sessions {
		s.Stop()
	}
	for _, s := range sessions {
		<-s.Done()
	}
}

// Active lists monitored video ids in sorted order.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sessions returns a snapshot of every session, sorted by video id.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoID < out[j].VideoID })
	return out
}

// Session returns the live session for videoID, if any.
func (r *Registry) Session(videoID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[videoID]
	return s, ok
}

// remove drops s from the map unless the entry was already replaced.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.videoID]; ok && cur == s {
		delete(r.sessions, s.videoID)
	}
}
