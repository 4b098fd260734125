package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/you/superchat-guard/internal/core"
)

// YouTubeConfig selects how the Data API is reached. TokenSource is required
// for deleting messages; an API key alone only permits reads.
type YouTubeConfig struct {
	APIKey      string
	TokenSource oauth2.TokenSource
	// HTTPClient and Endpoint override transport and base URL, mainly for tests.
	HTTPClient *http.Client
	Endpoint   string
}

// YouTube implements Client on top of the YouTube Data API v3.
type YouTube struct {
	svc *yt.Service
}

func NewYouTube(ctx context.Context, cfg YouTubeConfig) (*YouTube, error) {
	var opts []option.ClientOption
	switch {
	case cfg.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.TokenSource != nil:
		opts = append(opts, option.WithTokenSource(cfg.TokenSource))
	case strings.TrimSpace(cfg.APIKey) != "":
		opts = append(opts, option.WithAPIKey(strings.TrimSpace(cfg.APIKey)))
	default:
		return nil, errors.New("platform: youtube credentials are required")
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("platform: youtube service: %w", err)
	}
	return &YouTube{svc: svc}, nil
}

func (c *YouTube) video(ctx context.Context, videoID string) (*yt.Video, error) {
	resp, err := c.svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("platform: videos.list %s: %w", videoID, mapAPIError(err))
	}
	if len(resp.Items) == 0 || resp.Items[0] == nil {
		return nil, fmt.Errorf("platform: video %s: %w", videoID, ErrNotFound)
	}
	return resp.Items[0], nil
}

func (c *YouTube) ResolveChatChannel(ctx context.Context, videoID string) (string, error) {
	v, err := c.video(ctx, videoID)
	if err != nil {
		return "", err
	}
	details := v.LiveStreamingDetails
	switch {
	case details == nil:
		return "", fmt.Errorf("platform: video %s is not a live broadcast: %w", videoID, ErrNotFound)
	case details.ActualEndTime != "":
		return "", fmt.Errorf("platform: video %s: %w", videoID, ErrChatEnded)
	case details.ActiveLiveChatId == "":
		return "", fmt.Errorf("platform: video %s has no active chat: %w", videoID, ErrChatDisabled)
	}
	return details.ActiveLiveChatId, nil
}

func (c *YouTube) CheckLiveness(ctx context.Context, videoID string) (Liveness, error) {
	v, err := c.video(ctx, videoID)
	if err != nil {
		return Liveness{}, err
	}
	details := v.LiveStreamingDetails
	if details == nil {
		return Liveness{}, nil
	}
	var out Liveness
	if details.ActualEndTime != "" {
		if ts, err := time.Parse(time.RFC3339, details.ActualEndTime); err == nil {
			out.EndedAt = &ts
		} else {
			now := time.Now().UTC()
			out.EndedAt = &now
		}
	}
	out.Live = details.ActiveLiveChatId != "" && out.EndedAt == nil
	return out, nil
}

func (c *YouTube) FetchMessages(ctx context.Context, chatID, cursor string) (Page, error) {
	call := c.svc.LiveChatMessages.List(chatID, []string{"snippet", "id"}).Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Do()
	if err != nil {
		return Page{}, fmt.Errorf("platform: liveChatMessages.list: %w", mapAPIError(err))
	}

	page := Page{
		NextCursor:   resp.NextPageToken,
		PollInterval: time.Duration(resp.PollingIntervalMillis) * time.Millisecond,
	}
	for _, item := range resp.Items {
		if msg, ok := toRawMessage(item); ok {
			page.Messages = append(page.Messages, msg)
		}
	}
	return page, nil
}

func (c *YouTube) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	err := c.svc.LiveChatMessages.Delete(messageID).Context(ctx).Do()
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && hasReason(gerr, "liveChatMessageNotFound") {
		// Already removed by a moderator or the author.
		return nil
	}
	return fmt.Errorf("platform: delete %s in %s: %w", messageID, chatID, mapAPIError(err))
}

// toRawMessage keeps only plain text messages; paid events, membership
// notices and similar carry no typed text.
func toRawMessage(item *yt.LiveChatMessage) (core.RawMessage, bool) {
	if item == nil || item.Id == "" || item.Snippet == nil || item.Snippet.TextMessageDetails == nil {
		return core.RawMessage{}, false
	}
	text := item.Snippet.TextMessageDetails.MessageText
	if text == "" {
		return core.RawMessage{}, false
	}
	msg := core.RawMessage{
		ID:     item.Id,
		Text:   text,
		Author: item.Snippet.AuthorChannelId,
	}
	if ts, err := time.Parse(time.RFC3339Nano, item.Snippet.PublishedAt); err == nil {
		msg.Ts = ts
	}
	return msg, true
}

func mapAPIError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	var sentinel error
	switch {
	case hasReason(gerr, "liveChatEnded"):
		sentinel = ErrChatEnded
	case hasReason(gerr, "liveChatDisabled"):
		sentinel = ErrChatDisabled
	case hasReason(gerr, "liveChatNotFound"), gerr.Code == http.StatusNotFound:
		sentinel = ErrNotFound
	default:
		return err
	}
	return fmt.Errorf("%w (%d %s)", sentinel, gerr.Code, gerr.Message)
}

func hasReason(gerr *googleapi.Error, reason string) bool {
	for _, item := range gerr.Errors {
		if item.Reason == reason {
			return true
		}
	}
	return strings.Contains(gerr.Message, reason)
}
