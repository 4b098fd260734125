// Package ingesttrace follows one chat message through the guard pipeline.
package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"unicode/utf8"
)

// Stage names a pipeline step a message passed through.
type Stage string

const (
	StageSeenFromPlatform Stage = "seen_from_platform"
	StageCredited         Stage = "credited"
	StagePublished        Stage = "published"
	StageDeleted          Stage = "deleted"

	StageClassifiedPrefix = "classified_"
	StageDroppedPrefix    = "dropped_"
)

const snippetLimit = 64

// StageClassified records the classifier outcome, e.g. classified_spoofed.
func StageClassified(kind string) Stage {
	return Stage(StageClassifiedPrefix + kind)
}

// StageDropped records why processing ended early, e.g. dropped_already_credited.
func StageDropped(reason string) Stage {
	return Stage(StageDroppedPrefix + reason)
}

// MessageTrace carries trace metadata for one message of one broadcast.
type MessageTrace struct {
	VideoID   string
	MessageID string
	Snippet   string
	TraceID   string

	mu       sync.Mutex
	counters map[Stage]int64
}

// NewTrace seeds the seen_from_platform counter. The trace id is derived from
// the broadcast and message id so redeliveries share it.
func NewTrace(videoID, messageID, text string) *MessageTrace {
	trace := &MessageTrace{
		VideoID:   videoID,
		MessageID: messageID,
		Snippet:   snippet(text),
		TraceID:   computeTraceID(videoID, messageID),
		counters:  make(map[Stage]int64),
	}
	trace.counters[StageSeenFromPlatform] = 1
	return trace
}

// IncCounter increments the counter for stage and returns the new value.
func (t *MessageTrace) IncCounter(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage]++
	return t.counters[stage]
}

// Count returns the current value for stage.
func (t *MessageTrace) Count(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// LogTrace writes the trace at debug level.
func (t *MessageTrace) LogTrace(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug(msg,
		"trace_id", t.TraceID,
		"video_id", t.VideoID,
		"message_id", t.MessageID,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *MessageTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}

func snippet(text string) string {
	if utf8.RuneCountInString(text) <= snippetLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:snippetLimit]) + "…"
}

func computeTraceID(videoID, messageID string) string {
	digest := sha256.Sum256([]byte(videoID + "\x1f" + messageID))
	return hex.EncodeToString(digest[:])
}
