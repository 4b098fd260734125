// Package platform is the boundary to the live streaming service: resolving a
// broadcast's chat, paging its messages, removing spoofed ones and checking
// whether the broadcast is still live.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/you/superchat-guard/internal/core"
)

// Terminal broadcast conditions. Sessions stop on these without treating
// them as failures.
var (
	ErrNotFound     = errors.New("platform: broadcast or chat not found")
	ErrChatEnded    = errors.New("platform: live chat ended")
	ErrChatDisabled = errors.New("platform: live chat disabled")
)

// Page is one fetch worth of messages. NextCursor is empty when the platform
// did not issue a continuation token.
type Page struct {
	Messages   []core.RawMessage
	NextCursor string
	// PollInterval is the platform's suggested wait before the next fetch,
	// zero when not provided.
	PollInterval time.Duration
}

type Liveness struct {
	Live    bool
	EndedAt *time.Time
}

// Client is what a chat session needs from the platform. Implementations must
// honour ctx cancellation on every call.
type Client interface {
	ResolveChatChannel(ctx context.Context, videoID string) (string, error)
	FetchMessages(ctx context.Context, chatID, cursor string) (Page, error)
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	CheckLiveness(ctx context.Context, videoID string) (Liveness, error)
}

// IsTerminal reports whether err signals the broadcast is gone rather than a
// transient failure.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrChatEnded) || errors.Is(err, ErrChatDisabled)
}
