package monitor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/you/superchat-guard/internal/core"
	"github.com/you/superchat-guard/internal/kv"
	"github.com/you/superchat-guard/internal/ledger"
	"github.com/you/superchat-guard/internal/notify"
	"github.com/you/superchat-guard/internal/platform"
	"github.com/you/superchat-guard/internal/superchat"
)

const testInterval = 10 * time.Millisecond

func validText(content string) string {
	return "⚡⚡ " + superchat.Keyword + " [50 APTO]: " + content
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.Superchat
}

func (p *recordingPublisher) Publish(_ context.Context, ev core.Superchat) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Events() []core.Superchat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.Superchat(nil), p.events...)
}

type flakyStore struct {
	kv.Store
	failPut    atomic.Bool
	failRecent atomic.Bool
}

func (f *flakyStore) Put(ctx context.Context, key, value string) error {
	if f.failPut.Load() || (f.failRecent.Load() && key == ledger.RecentKey) {
		return kv.ErrUnavailable
	}
	return f.Store.Put(ctx, key, value)
}

type harness struct {
	platform  *platform.Memory
	store     *flakyStore
	publisher *recordingPublisher
	metrics   *Metrics
	recent    *ledger.Recent
	registry  *Registry
}

func newHarness(t *testing.T, client platform.Client, opts ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		store:     &flakyStore{Store: kv.NewMemory()},
		publisher: &recordingPublisher{},
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	if client == nil {
		h.platform = platform.NewMemory()
		client = h.platform
	}
	classifier, err := superchat.New(superchat.Options{})
	if err != nil {
		t.Fatalf("superchat.New: %v", err)
	}
	h.recent = ledger.NewRecent(h.store, time.Minute)
	t.Cleanup(h.recent.Close)
	deps := Deps{
		Platform:   client,
		Classifier: classifier,
		Ledger:     ledger.New(h.store),
		Recent:     h.recent,
		Publisher:  h.publisher,
		Metrics:    h.metrics,
		Interval:   testInterval,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	reg, err := NewRegistry(deps)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h.registry = reg
	t.Cleanup(reg.StopAll)
	return h
}

func (h *harness) start(t *testing.T, videoID string) {
	t.Helper()
	started, err := h.registry.Start(context.Background(), videoID)
	if err != nil || !started {
		t.Fatalf("Start(%s) = %v, %v", videoID, started, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitPolls waits until the broadcast has been fetched n more times.
func waitPolls(t *testing.T, p *platform.Memory, videoID string, n int) {
	t.Helper()
	base := len(p.Cursors(videoID))
	waitFor(t, "polls", func() bool { return len(p.Cursors(videoID)) >= base+n })
}

func TestValidSuperchatCreditedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.AddBroadcast("video-1")
	h.start(t, "video-1")

	text := validText("GREAT STREAM")
	if _, err := h.platform.EmitWithID("video-1", "m1", text); err != nil {
		t.Fatalf("emit: %v", err)
	}
	waitFor(t, "event", func() bool { return len(h.publisher.Events()) == 1 })

	// Redelivery of the same message must not credit again or trigger a delete.
	if _, err := h.platform.EmitWithID("video-1", "m1", text); err != nil {
		t.Fatalf("re-emit: %v", err)
	}
	waitPolls(t, h.platform, "video-1", 3)

	events := h.publisher.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.VideoID != "video-1" || ev.MessageID != "m1" || ev.MessageText != text || ev.Amount != "50" || ev.ID == "" {
		t.Fatalf("event = %+v", ev)
	}
	if deleted := h.platform.Deleted("video-1"); len(deleted) != 0 {
		t.Fatalf("unexpected deletions: %v", deleted)
	}
	if got := testutil.ToFloat64(h.metrics.credited); got != 1 {
		t.Fatalf("credited metric = %v", got)
	}

	raw, ok, _ := h.store.Get(context.Background(), ledger.Key("video-1"))
	if !ok || raw != `["m1"]` {
		t.Fatalf("ledger = %q, %v", raw, ok)
	}
}

func TestSpoofedSuperchatDeletedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.AddBroadcast("video-1")
	h.start(t, "video-1")

	msg, _ := h.platform.Emit("video-1", "⚡⚡ SUPERCHAT [50 APTO]: FAKE")
	waitFor(t, "deletion", func() bool { return len(h.platform.Deleted("video-1")) == 1 })
	waitPolls(t, h.platform, "video-1", 3)

	deleted := h.platform.Deleted("video-1")
	if len(deleted) != 1 || deleted[0] != msg.ID {
		t.Fatalf("deleted = %v; want [%s]", deleted, msg.ID)
	}
	if n := len(h.publisher.Events()); n != 0 {
		t.Fatalf("spoof produced %d events", n)
	}
}

func TestCopiedSuperchatTextIsDeleted(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.AddBroadcast("video-1")
	h.start(t, "video-1")

	text := validText("COPY ME")
	h.platform.EmitWithID("video-1", "original", text)
	h.platform.EmitWithID("video-1", "copy", text)
	waitFor(t, "deletion", func() bool { return len(h.platform.Deleted("video-1")) == 1 })

	if deleted := h.platform.Deleted("video-1"); deleted[0] != "copy" {
		t.Fatalf("deleted = %v", deleted)
	}
	if n := len(h.publisher.Events()); n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
}

func TestOrdinaryMessagesTouchNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.AddBroadcast("video-1")
	h.start(t, "video-1")

	for _, text := range []string{"hello", "GG", "what a stream"} {
		h.platform.Emit("video-1", text)
	}
	waitPolls(t, h.platform, "video-1", 3)

	if deleted := h.platform.Deleted("video-1"); len(deleted) != 0 {
		t.Fatalf("unexpected deletions: %v", deleted)
	}
	if _, ok, _ := h.store.Get(context.Background(), ledger.Key("video-1")); ok {
		t.Fatalf("ledger written for ordinary chat")
	}
	if n := len(h.publisher.Events()); n != 0 {
		t.Fatalf("unexpected events: %d", n)
	}
}

func TestLedgerFailureSuppressesEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.AddBroadcast("video-1")
	h.store.failPut.Store(true)
	h.start(t, "video-1")

	text := validText("RETRY ME")
	h.platform.EmitWithID("video-1", "m1", text)
	waitFor(t, "ledger error", func() bool { return testutil.ToFloat64(h.metrics.ledgerErrors) >= 1 })
	waitPolls(t, h.platform, "video-1", 2)
	if n := len(h.publisher.Events()); n != 0 {
		t.Fatalf("event fired despite failed credit: %d", n)
	}

	// Once the store recovers, a redelivery of the same message is credited.
	h.store.failPut.Store(false)
	h.platform.EmitWithID("video-1", "m1", text)
	waitFor(t, "event after recovery", func() bool { return len(h.publisher.Events()) == 1 })
	if deleted := h.platform.Deleted("video-1"); len(deleted) != 0 {
		t.Fatalf("unexpected deletions: %v", deleted)
	}
}

func TestCreditRecordsRecentValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.AddBroadcast("video-1")
	h.start(t, "video-1")

	text := validText("REMEMBER ME")
	h.platform.EmitWithID("video-1", "m1", text)
	waitFor(t, "event", func() bool { return len(h.publisher.Events()) == 1 })

	if !h.recent.IsValid(context.Background(), text) {
		t.Fatalf("credited text not recorded as recently valid")
	}
	if h.recent.IsValid(context.Background(), validText("NEVER SENT")) {
		t.Fatalf("unrelated text reported valid")
	}
}

func TestRecentFailureStillPublishes(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.AddBroadcast("video-1")
	h.store.failRecent.Store(true)
	h.start(t, "video-1")

	text := validText("STILL PAID")
	h.platform.EmitWithID("video-1", "m1", text)
	waitFor(t, "event", func() bool { return len(h.publisher.Events()) == 1 })

	if h.recent.IsValid(context.Background(), text) {
		t.Fatalf("recent record should be empty while its store fails")
	}
	raw, ok, _ := h.store.Get(context.Background(), ledger.Key("video-1"))
	if !ok || raw != `["m1"]` {
		t.Fatalf("ledger = %q, %v", raw, ok)
	}
	if got := testutil.ToFloat64(h.metrics.ledgerErrors); got != 0 {
		t.Fatalf("recent failure counted as ledger error: %v", got)
	}
}

func TestSlowSinkDelaysNeitherDeletionNorStop(t *testing.T) {
	release := make(chan struct{})
	var delivered atomic.Int32
	bus := notify.NewBus()
	bus.Register("stuck", notify.SinkFunc(func(ctx context.Context, _ core.Superchat) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		delivered.Add(1)
		return nil
	}))
	t.Cleanup(func() {
		close(release)
		_ = bus.Close(context.Background())
	})

	h := newHarness(t, nil, func(d *Deps) { d.Publisher = bus })
	h.platform.AddBroadcast("video-1")
	h.start(t, "video-1")

	start := time.Now()
	h.platform.EmitWithID("video-1", "paid", validText("FIRST"))
	spoof, _ := h.platform.Emit("video-1", "⚡⚡ SUPERCHAT [50 APTO]: FAKE")
	waitFor(t, "deletion", func() bool { return len(h.platform.Deleted("video-1")) == 1 })
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("spoof deleted after %s", elapsed)
	}
	if deleted := h.platform.Deleted("video-1"); deleted[0] != spoof.ID {
		t.Fatalf("deleted = %v", deleted)
	}
	waitFor(t, "credit", func() bool { return testutil.ToFloat64(h.metrics.credited) == 1 })

	h.platform.EmitWithID("video-1", "paid-2", validText("SECOND"))
	waitFor(t, "second credit", func() bool { return testutil.ToFloat64(h.metrics.credited) == 2 })

	start = time.Now()
	if !h.registry.Stop("video-1") {
		t.Fatalf("Stop should report the session")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Stop returned after %s", elapsed)
	}
	if delivered.Load() != 0 {
		t.Fatalf("sink should still be blocked, delivered=%d", delivered.Load())
	}
}

func TestStartIsSingleton(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.AddBroadcast("video-1")
	h.platform.ResolveDelay = 50 * time.Millisecond

	var (
		wg      sync.WaitGroup
		started atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.registry.Start(context.Background(), "video-1")
			if err != nil {
				t.Errorf("Start: %v", err)
			}
			if ok {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	if started.Load() != 1 {
		t.Fatalf("expected exactly one start, got %d", started.Load())
	}
	if n := h.platform.Resolves(); n != 1 {
		t.Fatalf("expected one chat resolution, got %d", n)
	}
	if active := h.registry.Active(); len(active) != 1 || active[0] != "video-1" {
		t.Fatalf("active = %v", active)
	}
}

func TestSessionEndsWithBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.AddBroadcast("video-1")
	h.platform.AddBroadcast("video-2")
	h.start(t, "video-1")
	h.start(t, "video-2")

	s, _ := h.registry.Session("video-1")
	if err := h.platform.End("video-1"); err != nil {
		t.Fatalf("End: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop after broadcast ended")
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %v", s.State())
	}
	if s.Cursor() != "" {
		t.Fatalf("cursor not released: %q", s.Cursor())
	}

	if h.registry.Stop("video-1") {
		t.Fatalf("Stop after self-termination reported a session")
	}
	if active := h.registry.Active(); len(active) != 1 || active[0] != "video-2" {
		t.Fatalf("active = %v", active)
	}
	waitPolls(t, h.platform, "video-2", 1)
}

func TestSessionStopsOnFetchError(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.AddBroadcast("video-1")
	h.start(t, "video-1")
	s, _ := h.registry.Session("video-1")

	h.platform.FailFetch("video-1", errors.New("quota exceeded"))
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop on fetch error")
	}
	if info := s.Info(); info.LastError == "" || info.State != "stopped" {
		t.Fatalf("info = %+v", info)
	}
	if got := testutil.ToFloat64(h.metrics.pollErrors.WithLabelValues("transient")); got != 1 {
		t.Fatalf("transient poll errors = %v", got)
	}
	if len(h.registry.Active()) != 0 {
		t.Fatalf("stopped session still registered")
	}

	// A fresh start after a failure is allowed.
	h.platform.FailFetch("video-1", nil)
	h.start(t, "video-1")
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.AddBroadcast("video-1")
	h.start(t, "video-1")

	if !h.registry.Stop("video-1") {
		t.Fatalf("first Stop should report a session")
	}
	if h.registry.Stop("video-1") {
		t.Fatalf("second Stop should be a no-op")
	}
	if h.registry.Stop("never-started") {
		t.Fatalf("Stop of unknown id should be a no-op")
	}
	if got := testutil.ToFloat64(h.metrics.activeSessions); got != 0 {
		t.Fatalf("active sessions gauge = %v", got)
	}
}

func TestStopDuringStart(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.AddBroadcast("video-1")
	h.platform.ResolveDelay = 200 * time.Millisecond

	errc := make(chan error, 1)
	go func() {
		_, err := h.registry.Start(context.Background(), "video-1")
		errc <- err
	}()
	waitFor(t, "resolve", func() bool { return h.platform.Resolves() == 1 })
	if !h.registry.Stop("video-1") {
		t.Fatalf("Stop during start should find the pending session")
	}
	if err := <-errc; err == nil {
		t.Fatalf("Start should fail when stopped mid-resolution")
	}
	if len(h.registry.Active()) != 0 {
		t.Fatalf("session registered after stop")
	}
}

func TestStartErrors(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.registry.Start(context.Background(), "  "); !errors.Is(err, ErrMissingVideoID) {
		t.Fatalf("empty id err = %v", err)
	}
	if _, err := h.registry.Start(context.Background(), "unknown"); !errors.Is(err, platform.ErrNotFound) {
		t.Fatalf("unknown video err = %v", err)
	}
	if len(h.registry.Active()) != 0 {
		t.Fatalf("failed start left a session behind")
	}

	h.platform.AddBroadcast("unknown")
	h.start(t, "unknown")
}

func TestStopAll(t *testing.T) {
	h := newHarness(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		h.platform.AddBroadcast(id)
		h.start(t, id)
	}
	h.registry.StopAll()

	if active := h.registry.Active(); len(active) != 0 {
		t.Fatalf("active after StopAll = %v", active)
	}
	if _, err := h.registry.Start(context.Background(), "a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after StopAll err = %v", err)
	}
}

// scriptedClient issues a fixed sequence of continuation tokens.
type scriptedClient struct {
	mu      sync.Mutex
	tokens  []string
	cursors []string
}

func (c *scriptedClient) ResolveChatChannel(context.Context, string) (string, error) {
	return "chat", nil
}

func (c *scriptedClient) CheckLiveness(context.Context, string) (platform.Liveness, error) {
	return platform.Liveness{Live: true}, nil
}

func (c *scriptedClient) FetchMessages(_ context.Context, _ string, cursor string) (platform.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors = append(c.cursors, cursor)
	n := len(c.cursors)
	if n <= len(c.tokens) {
		return platform.Page{NextCursor: c.tokens[n-1]}, nil
	}
	return platform.Page{NextCursor: "tok-" + strconv.Itoa(n)}, nil
}

func (c *scriptedClient) DeleteMessage(context.Context, string, string) error { return nil }

func (c *scriptedClient) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cursors...)
}

func TestCursorAdvancesOnlyWithToken(t *testing.T) {
	client := &scriptedClient{tokens: []string{"a", "", "b", ""}}
	h := newHarness(t, client)
	h.start(t, "video-1")

	waitFor(t, "fetches", func() bool { return len(client.seen()) >= 5 })
	got := client.seen()[:5]
	want := []string{"", "a", "a", "b", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cursors = %q; want prefix %q", got, want)
		}
	}
}
