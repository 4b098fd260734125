package platform

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const videoIDLen = 11

// ParseVideoID accepts a bare video id or a youtu.be, watch?v=, /live/ or
// /shorts/ URL and returns the canonical id.
func ParseVideoID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("platform: empty video id")
	}
	if isVideoID(trimmed) {
		return trimmed, nil
	}

	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("platform: parse url: %w", err)
	}

	var id string
	switch strings.ToLower(u.Hostname()) {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "www.youtube.com", "m.youtube.com":
		path := strings.TrimSuffix(u.Path, "/")
		switch {
		case strings.EqualFold(path, "/watch"):
			id = strings.TrimSpace(u.Query().Get("v"))
		case strings.HasPrefix(path, "/live/"):
			id = strings.TrimPrefix(path, "/live/")
		case strings.HasPrefix(path, "/shorts/"):
			id = strings.TrimPrefix(path, "/shorts/")
		case strings.HasPrefix(path, "/@"):
			return "", fmt.Errorf("platform: channel handle %q does not name a broadcast", raw)
		}
	default:
		return "", fmt.Errorf("platform: unsupported host %q", u.Host)
	}

	if !isVideoID(id) {
		return "", fmt.Errorf("platform: no video id in %q", raw)
	}
	return id, nil
}

func isVideoID(s string) bool {
	if len(s) != videoIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
