package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"

	"github.com/you/superchat-guard/internal/core"
)

const (
	// EventType is the CloudEvents type of a credited superchat.
	EventType = "superchat.new"
	// DefaultSource is used when WebhookConfig.Source is empty.
	DefaultSource = "superchat-guard"

	defaultAttempts = 3
	retryDelay      = 200 * time.Millisecond
)

type WebhookConfig struct {
	URL    string
	Source string
	// Attempts bounds deliveries per event, first try included.
	Attempts int
	Timeout  time.Duration
}

// Webhook posts each event as a binary-mode CloudEvent over HTTP.
type Webhook struct {
	client   cloudevents.Client
	source   string
	attempts int
	timeout  time.Duration
}

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	target := strings.TrimSpace(cfg.URL)
	if target == "" {
		return nil, errors.New("notify: webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := cloudevents.NewClientHTTP(
		cehttp.WithTarget(target),
		cehttp.WithClient(http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: cloudevents client: %w", err)
	}
	source := strings.TrimSpace(cfg.Source)
	if source == "" {
		source = DefaultSource
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	return &Webhook{client: client, source: source, attempts: attempts, timeout: timeout}, nil
}

// NewEvent renders ev as a CloudEvent.
func NewEvent(source string, ev core.Superchat) (cloudevents.Event, error) {
	out := cloudevents.NewEvent()
	out.SetID(ev.ID)
	out.SetType(EventType)
	out.SetSource(source)
	out.SetSubject(ev.VideoID)
	if !ev.CreditedAt.IsZero() {
		out.SetTime(ev.CreditedAt)
	}
	if err := out.SetData(cloudevents.ApplicationJSON, ev); err != nil {
		return cloudevents.Event{}, err
	}
	return out, out.Validate()
}

func (w *Webhook) Deliver(ctx context.Context, ev core.Superchat) error {
	event, err := NewEvent(w.source, ev)
	if err != nil {
		return fmt.Errorf("notify: build event: %w", err)
	}
	if w.attempts > 1 {
		ctx = cloudevents.ContextWithRetriesExponentialBackoff(ctx, retryDelay, w.attempts-1)
	}
	result := w.client.Send(ctx, event)
	if cloudevents.IsUndelivered(result) {
		return fmt.Errorf("notify: webhook undelivered: %w", result)
	}
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("notify: webhook rejected: %w", result)
	}
	return nil
}
