package platform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	yt "google.golang.org/api/youtube/v3"
)

var ErrEmptyToken = errors.New("platform: empty token")

// Scopes needed to read chat and remove messages.
var Scopes = []string{yt.YoutubeForceSslScope}

// RefreshTokenSource exchanges a long-lived refresh token for access tokens
// as they expire.
func RefreshTokenSource(ctx context.Context, clientID, clientSecret, refreshToken string) oauth2.TokenSource {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
	}
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
}

// FileTokenSource serves an access token kept on disk by an external
// rotation job. The file holds either a bare access token or an oauth2.Token
// in JSON. It is safe for concurrent use.
type FileTokenSource struct {
	path string

	mu     sync.RWMutex
	cached *oauth2.Token
}

func NewFileTokenSource(path string) (*FileTokenSource, error) {
	s := &FileTokenSource{path: path}
	if _, _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Token implements oauth2.TokenSource.
func (s *FileTokenSource) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	tok := s.cached
	s.mu.RUnlock()
	if tok == nil || tok.AccessToken == "" {
		return nil, ErrEmptyToken
	}
	out := *tok
	return &out, nil
}

// Reload rereads the file. It returns a redacted fingerprint of the token and
// whether it differs from the cached one. On error the cached token is kept.
func (s *FileTokenSource) Reload() (string, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", false, err
	}
	tok, err := parseToken(data)
	if err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.cached == nil || s.cached.AccessToken != tok.AccessToken
	s.cached = tok
	return Fingerprint(tok.AccessToken), changed, nil
}

// Watch reloads the token whenever the file changes, until ctx is done.
func (s *FileTokenSource) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("platform: watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				fp, changed, err := s.Reload()
				if err != nil {
					slog.Error("platform: token reload failed", "path", s.path, "err", err)
					continue
				}
				if changed {
					slog.Info("platform: token reloaded", "fingerprint", fp)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("platform: watch error", "err", err)
			}
		}
	}()
	return nil
}

func parseToken(data []byte) (*oauth2.Token, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, ErrEmptyToken
	}
	if strings.HasPrefix(trimmed, "{") {
		var tok oauth2.Token
		if err := json.Unmarshal([]byte(trimmed), &tok); err != nil {
			return nil, err
		}
		if tok.AccessToken == "" {
			return nil, ErrEmptyToken
		}
		if tok.TokenType == "" {
			tok.TokenType = "Bearer"
		}
		return &tok, nil
	}
	trimmed = strings.TrimPrefix(trimmed, "Bearer ")
	return &oauth2.Token{AccessToken: trimmed, TokenType: "Bearer"}, nil
}

// Fingerprint identifies a token in logs without revealing it.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])[:12]
}
