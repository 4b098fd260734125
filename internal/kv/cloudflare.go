package kv

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultCloudflareBase = "https://api.cloudflare.com/client/v4"

type CloudflareConfig struct {
	AccountID   string
	NamespaceID string
	APIToken    string
	// BaseURL overrides the API root, mainly for tests.
	BaseURL string
}

// Cloudflare is a Store backed by a Workers KV namespace through the REST API.
type Cloudflare struct {
	cfg  CloudflareConfig
	http *http.Client
}

func NewCloudflare(cfg CloudflareConfig, client *http.Client) (*Cloudflare, error) {
	if strings.TrimSpace(cfg.AccountID) == "" || strings.TrimSpace(cfg.NamespaceID) == "" || strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("kv: cloudflare account, namespace and token are required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCloudflareBase
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Cloudflare{cfg: cfg, http: client}, nil
}

func (c *Cloudflare) valueURL(key string) string {
	return fmt.Sprintf("%s/accounts/%s/storage/kv/namespaces/%s/values/%s",
		c.cfg.BaseURL,
		url.PathEscape(c.cfg.AccountID),
		url.PathEscape(c.cfg.NamespaceID),
		url.PathEscape(key),
	)
}

func (c *Cloudflare) Get(ctx context.Context, key string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.valueURL(key), nil)
	if err != nil {
		return "", false, errors.Wrap(err, "build get request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, errors.Wrapf(ErrUnavailable, "get %s: %v", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return "", false, errors.Wrapf(ErrUnavailable, "get %s: status %s: %s", key, resp.Status, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 25<<20))
	if err != nil {
		return "", false, errors.Wrapf(ErrUnavailable, "read %s: %v", key, err)
	}
	return string(body), true, nil
}

func (c *Cloudflare) Put(ctx context.Context, key, value string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.valueURL(key), strings.NewReader(value))
	if err != nil {
		return errors.Wrap(err, "build put request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "put %s: %v", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return errors.Wrapf(ErrUnavailable, "put %s: status %s: %s", key, resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
