package platform

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/you/superchat-guard/internal/core"
)

// Memory is an in-process Client used by tests and the dev harness. Cursors
// are offsets into each broadcast's message log; an empty cursor starts at the
// beginning of the log.
type Memory struct {
	mu         sync.Mutex
	broadcasts map[string]*memBroadcast // by video id
	chats      map[string]*memBroadcast // by chat id
	seq        int

	// ResolveDelay slows ResolveChatChannel down to widen start races.
	ResolveDelay time.Duration
	resolves     int
}

type memBroadcast struct {
	videoID  string
	chatID   string
	messages []core.RawMessage
	endedAt  *time.Time
	deleted  []string
	cursors  []string
	fetchErr error
	delErr   error
}

func NewMemory() *Memory {
	return &Memory{
		broadcasts: make(map[string]*memBroadcast),
		chats:      make(map[string]*memBroadcast),
	}
}

// AddBroadcast registers a live broadcast and returns its chat id.
func (m *Memory) AddBroadcast(videoID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.broadcasts[videoID]; ok {
		return b.chatID
	}
	b := &memBroadcast{videoID: videoID, chatID: "chat-" + videoID}
	m.broadcasts[videoID] = b
	m.chats[b.chatID] = b
	return b.chatID
}

// Emit appends a message with a fresh id.
func (m *Memory) Emit(videoID, text string) (core.RawMessage, error) {
	m.mu.Lock()
	m.seq++
	id := "msg-" + strconv.Itoa(m.seq)
	m.mu.Unlock()
	return m.EmitWithID(videoID, id, text)
}

// EmitWithID appends a message with a caller-chosen id, which may repeat to
// simulate redelivery.
func (m *Memory) EmitWithID(videoID, id, text string) (core.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[videoID]
	if !ok {
		return core.RawMessage{}, fmt.Errorf("platform: video %s: %w", videoID, ErrNotFound)
	}
	msg := core.RawMessage{ID: id, Text: text, Ts: time.Now().UTC()}
	b.messages = append(b.messages, msg)
	return msg, nil
}

// End marks the broadcast finished.
func (m *Memory) End(videoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[videoID]
	if !ok {
		return fmt.Errorf("platform: video %s: %w", videoID, ErrNotFound)
	}
	now := time.Now().UTC()
	b.endedAt = &now
	return nil
}

// FailFetch makes every later fetch for the broadcast return err; nil clears it.
func (m *Memory) FailFetch(videoID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.broadcasts[videoID]; ok {
		b.fetchErr = err
	}
}

// FailDelete makes deletions in the broadcast's chat return err.
func (m *Memory) FailDelete(videoID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.broadcasts[videoID]; ok {
		b.delErr = err
	}
}

// Deleted lists message ids removed from the broadcast's chat, in order.
func (m *Memory) Deleted(videoID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[videoID]
	if !ok {
		return nil
	}
	return append([]string(nil), b.deleted...)
}

// Cursors lists the cursor passed to each fetch, in order.
func (m *Memory) Cursors(videoID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[videoID]
	if !ok {
		return nil
	}
	return append([]string(nil), b.cursors...)
}

// Resolves counts ResolveChatChannel calls.
func (m *Memory) Resolves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolves
}

func (m *Memory) ResolveChatChannel(ctx context.Context, videoID string) (string, error) {
	m.mu.Lock()
	m.resolves++
	delay := m.ResolveDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[videoID]
	if !ok {
		return "", fmt.Errorf("platform: video %s: %w", videoID, ErrNotFound)
	}
	if b.endedAt != nil {
		return "", fmt.Errorf("platform: video %s: %w", videoID, ErrChatEnded)
	}
	return b.chatID, nil
}

func (m *Memory) CheckLiveness(ctx context.Context, videoID string) (Liveness, error) {
	if err := ctx.Err(); err != nil {
		return Liveness{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[videoID]
	if !ok {
		return Liveness{}, fmt.Errorf("platform: video %s: %w", videoID, ErrNotFound)
	}
	return Liveness{Live: b.endedAt == nil, EndedAt: b.endedAt}, nil
}

func (m *Memory) FetchMessages(ctx context.Context, chatID, cursor string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.chats[chatID]
	if !ok {
		return Page{}, fmt.Errorf("platform: chat %s: %w", chatID, ErrNotFound)
	}
	b.cursors = append(b.cursors, cursor)
	if b.fetchErr != nil {
		return Page{}, b.fetchErr
	}

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(b.messages) {
			return Page{}, fmt.Errorf("platform: bad cursor %q", cursor)
		}
		start = n
	}
	msgs := append([]core.RawMessage(nil), b.messages[start:]...)
	return Page{Messages: msgs, NextCursor: strconv.Itoa(len(b.messages))}, nil
}

func (m *Memory) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.chats[chatID]
	if !ok {
		return fmt.Errorf("platform: chat %s: %w", chatID, ErrNotFound)
	}
	if b.delErr != nil {
		return b.delErr
	}
	b.deleted = append(b.deleted, messageID)
	return nil
}
