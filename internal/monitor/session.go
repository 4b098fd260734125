package monitor

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/superchat-guard/internal/core"
	"github.com/you/superchat-guard/internal/ingesttrace"
	"github.com/you/superchat-guard/internal/platform"
	"github.com/you/superchat-guard/internal/superchat"
)

// State is a session's lifecycle position. Stopped is terminal.
type State int32

const (
	StateStarting State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	default:
		return "stopped"
	}
}

// pipelineTimeout bounds the credit-then-publish step, which is detached from
// session cancellation so a stop never lands between the two.
const pipelineTimeout = 15 * time.Second

// Session polls one broadcast's chat. All tick work runs on a single
// goroutine, so ticks never overlap; overdue ticks are dropped by the ticker.
type Session struct {
	videoID string
	deps    *Deps

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32

	mu        sync.Mutex
	chatID    string
	cursor    string
	lastErr   error
	startedAt time.Time

	stopOnce sync.Once
	onStop   func(*Session)
}

// Info is a point-in-time view of a session.
type Info struct {
	VideoID   string    `json:"videoId"`
	ChatID    string    `json:"chatId,omitempty"`
	State     string    `json:"state"`
	Cursor    string    `json:"cursor,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	LastError string    `json:"lastError,omitempty"`
}

func newSession(parent context.Context, videoID string, deps *Deps, onStop func(*Session)) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		videoID:   videoID,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: deps.Now().UTC(),
		onStop:    onStop,
	}
	s.state.Store(int32(StateStarting))
	return s
}

func (s *Session) VideoID() string { return s.videoID }

func (s *Session) State() State { return State(s.state.Load()) }

// Cursor returns the last continuation token the platform issued.
func (s *Session) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		VideoID:   s.videoID,
		ChatID:    s.chatID,
		State:     s.State().String(),
		Cursor:    s.cursor,
		StartedAt: s.startedAt,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Done is closed once the session has stopped and released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop cancels the session. It is safe to call any number of times and from
// any goroutine; in-flight platform calls are cancelled and their results
// discarded.
func (s *Session) Stop() {
	s.cancel()
	if s.State() == StateStarting {
		// The loop never started; finish here.
		s.finish("stopped before start")
	}
}

// activate moves Starting to Active and launches the poll loop.
func (s *Session) activate(chatID string) bool {
	s.mu.Lock()
	s.chatID = chatID
	s.mu.Unlock()
	if !s.state.CompareAndSwap(int32(StateStarting), int32(StateActive)) {
		return false
	}
	s.deps.Metrics.AddActiveSessions(1)
	go s.run()
	return true
}

func (s *Session) run() {
	reason := "stopped"
	defer func() { s.finish(reason) }()

	interval := s.deps.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		next, err := s.tick()
		if err != nil {
			reason = err.Error()
			return
		}
		if next > interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

var errBroadcastOver = errors.New("broadcast ended")

// tick runs one poll. A non-nil error stops the session; the returned
// duration is the platform's suggested poll interval, if any.
func (s *Session) tick() (time.Duration, error) {
	s.deps.Metrics.IncPolls()
	ctx := s.ctx

	live, err := s.deps.Platform.CheckLiveness(ctx, s.videoID)
	if err != nil {
		return 0, s.fail("liveness", err)
	}
	if !live.Live || live.EndedAt != nil {
		s.deps.Metrics.IncPollErrors("ended")
		return 0, errBroadcastOver
	}

	s.mu.Lock()
	chatID, cursor := s.chatID, s.cursor
	s.mu.Unlock()

	page, err := s.deps.Platform.FetchMessages(ctx, chatID, cursor)
	if err != nil {
		return 0, s.fail("fetch", err)
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if page.NextCursor != "" {
		s.mu.Lock()
		s.cursor = page.NextCursor
		s.mu.Unlock()
	}

	for _, msg := range page.Messages {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		msg.Broadcast = s.videoID
		s.process(chatID, msg)
	}
	return page.PollInterval, nil
}

func (s *Session) fail(stage string, err error) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	if platform.IsTerminal(err) {
		s.deps.Metrics.IncPollErrors("terminal")
		slog.Info("monitor: broadcast unavailable", "video_id", s.videoID, "stage", stage, "err", err)
	} else {
		s.deps.Metrics.IncPollErrors("transient")
		slog.Error("monitor: poll failed", "video_id", s.videoID, "stage", stage, "err", err)
	}
	return err
}

func (s *Session) process(chatID string, msg core.RawMessage) {
	trace := ingesttrace.NewTrace(s.videoID, msg.ID, msg.Text)
	defer trace.LogTrace(nil, "monitor: message trace")

	res := s.deps.Classifier.Classify(msg.ID, msg.Text)
	kind := res.Kind.String()
	trace.IncCounter(ingesttrace.StageClassified(kind))
	s.deps.Metrics.IncClassified(kind)

	switch res.Kind {
	case superchat.SpoofedDonation:
		s.removeSpoof(chatID, msg, res, trace)
	case superchat.ValidDonation:
		s.credit(msg, res, trace)
	}
}

func (s *Session) removeSpoof(chatID string, msg core.RawMessage, res superchat.Result, trace *ingesttrace.MessageTrace) {
	slog.Warn("monitor: spoofed superchat", "video_id", s.videoID, "message_id", msg.ID, "reason", res.Reason, "trace_id", trace.TraceID)
	if err := s.deps.Platform.DeleteMessage(s.ctx, chatID, msg.ID); err != nil {
		s.deps.Metrics.IncDeletions("error")
		trace.IncCounter(ingesttrace.StageDropped("delete_failed"))
		slog.Error("monitor: delete spoofed message", "video_id", s.videoID, "message_id", msg.ID, "err", err)
		return
	}
	s.deps.Metrics.IncDeletions("ok")
	trace.IncCounter(ingesttrace.StageDeleted)
}

func (s *Session) credit(msg core.RawMessage, res superchat.Result, trace *ingesttrace.MessageTrace) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), pipelineTimeout)
	defer cancel()

	already, err := s.deps.Ledger.AlreadyCredited(ctx, s.videoID, msg.ID)
	if err == nil && !already {
		var credited bool
		credited, err = s.deps.Ledger.Credit(ctx, s.videoID, msg.ID)
		already = err == nil && !credited
	}
	if err != nil {
		s.deps.Metrics.IncLedgerErrors()
		trace.IncCounter(ingesttrace.StageDropped("ledger_error"))
		slog.Error("monitor: credit superchat", "video_id", s.videoID, "message_id", msg.ID, "err", err)
		return
	}
	if already {
		trace.IncCounter(ingesttrace.StageDropped("already_credited"))
		return
	}
	trace.IncCounter(ingesttrace.StageCredited)
	s.deps.Metrics.IncCredited()

	if s.deps.Recent != nil {
		if err := s.deps.Recent.Add(ctx, msg.Text); err != nil {
			slog.Error("monitor: record recent validation", "video_id", s.videoID, "message_id", msg.ID, "err", err)
		}
	}

	ev := core.Superchat{
		ID:          s.deps.NewID(),
		VideoID:     s.videoID,
		MessageID:   msg.ID,
		MessageText: msg.Text,
		Amount:      res.Amount,
		CreditedAt:  s.deps.Now().UTC(),
	}
	slog.Info("monitor: superchat credited", "video_id", s.videoID, "message_id", msg.ID, "amount", res.Amount, "event_id", ev.ID)
	if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
		s.deps.Metrics.IncPublishErrors()
		return
	}
	trace.IncCounter(ingesttrace.StagePublished)
}

// finish runs exactly once per session.
func (s *Session) finish(reason string) {
	s.stopOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateStopped)))
		s.cancel()
		s.mu.Lock()
		s.cursor = ""
		s.mu.Unlock()
		if prev == StateActive {
			s.deps.Metrics.AddActiveSessions(-1)
		}
		if s.onStop != nil {
			s.onStop(s)
		}
		close(s.done)
		log.Printf("monitor: stopped %s (%s)", s.videoID, reason)
	})
}
