package superchat

import (
	"sync"
	"time"
)

const seenSweepThreshold = 1024

type seenEntry struct {
	messageID string
	expires   time.Time // zero means never
}

// SeenTexts remembers which message id first presented a validated text.
type SeenTexts struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]seenEntry
}

func NewSeenTexts(ttl time.Duration, now func() time.Time) *SeenTexts {
	if now == nil {
		now = time.Now
	}
	if ttl < 0 {
		ttl = 0
	}
	return &SeenTexts{ttl: ttl, now: now, entries: make(map[string]seenEntry)}
}

// Claim records text for messageID. It reports false when another message id
// holds an unexpired claim on the same text.
func (s *SeenTexts) Claim(text, messageID string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[text]; ok && !s.expired(entry, now) {
		return entry.messageID == messageID
	}

	entry := seenEntry{messageID: messageID}
	if s.ttl > 0 {
		entry.expires = now.Add(s.ttl)
	}
	s.entries[text] = entry

	if len(s.entries) > seenSweepThreshold {
		s.sweep(now)
	}
	return true
}

// Len returns the number of remembered texts, expired ones included until the
// next sweep.
func (s *SeenTexts) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *SeenTexts) expired(entry seenEntry, now time.Time) bool {
	return !entry.expires.IsZero() && !now.Before(entry.expires)
}

func (s *SeenTexts) sweep(now time.Time) {
	for text, entry := range s.entries {
		if s.expired(entry, now) {
			delete(s.entries, text)
		}
	}
}
