package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeDataAPI struct {
	mu      sync.Mutex
	deleted []string
	tokens  []string
}

func (f *fakeDataAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/videos", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("id") {
		case "liveVideo01":
			w.Write([]byte(`{"items":[{"id":"liveVideo01","liveStreamingDetails":{"activeLiveChatId":"chat-1"}}]}`))
		case "endedVideo1":
			w.Write([]byte(`{"items":[{"id":"endedVideo1","liveStreamingDetails":{"actualEndTime":"2024-05-01T10:00:00Z"}}]}`))
		case "noChatVide0":
			w.Write([]byte(`{"items":[{"id":"noChatVide0","liveStreamingDetails":{}}]}`))
		default:
			w.Write([]byte(`{"items":[]}`))
		}
	})
	mux.HandleFunc("/youtube/v3/liveChat/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		q := r.URL.Query()
		switch r.Method {
		case http.MethodDelete:
			id := q.Get("id")
			if id == "gone" {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"error":{"code":404,"message":"not found","errors":[{"reason":"liveChatMessageNotFound"}]}}`))
				return
			}
			f.mu.Lock()
			f.deleted = append(f.deleted, id)
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			f.mu.Lock()
			f.tokens = append(f.tokens, q.Get("pageToken"))
			f.mu.Unlock()
			switch q.Get("liveChatId") {
			case "chat-1":
				w.Write([]byte(`{
					"nextPageToken":"tok-2",
					"pollingIntervalMillis":3000,
					"items":[
						{"id":"m1","snippet":{"authorChannelId":"UC1","publishedAt":"2024-05-01T10:00:00.5Z","textMessageDetails":{"messageText":"HELLO"}}},
						{"id":"m2","snippet":{"type":"superChatEvent"}},
						{"id":"m3","snippet":{"textMessageDetails":{"messageText":"WORLD"}}}
					]}`))
			case "ended":
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error":{"code":403,"message":"The live chat is no longer live.","errors":[{"reason":"liveChatEnded"}]}}`))
			case "disabled":
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error":{"code":403,"message":"chat disabled","errors":[{"reason":"liveChatDisabled"}]}}`))
			case "missing":
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"error":{"code":404,"message":"missing","errors":[{"reason":"liveChatNotFound"}]}}`))
			default:
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":{"code":500,"message":"backend error"}}`))
			}
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})
	return mux
}

func newTestYouTube(t *testing.T) (*YouTube, *fakeDataAPI) {
	t.Helper()
	fake := &fakeDataAPI{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	client, err := NewYouTube(context.Background(), YouTubeConfig{
		HTTPClient: srv.Client(),
		Endpoint:   srv.URL + "/",
	})
	if err != nil {
		t.Fatalf("NewYouTube: %v", err)
	}
	return client, fake
}

func TestYouTubeResolveChatChannel(t *testing.T) {
	client, _ := newTestYouTube(t)
	ctx := context.Background()

	chatID, err := client.ResolveChatChannel(ctx, "liveVideo01")
	if err != nil {
		t.Fatalf("ResolveChatChannel: %v", err)
	}
	if chatID != "chat-1" {
		t.Fatalf("chatID = %q", chatID)
	}

	cases := map[string]error{
		"endedVideo1": ErrChatEnded,
		"noChatVide0": ErrChatDisabled,
		"unknownVid0": ErrNotFound,
	}
	for video, want := range cases {
		if _, err := client.ResolveChatChannel(ctx, video); !errors.Is(err, want) {
			t.Fatalf("ResolveChatChannel(%s) err = %v; want %v", video, err, want)
		}
	}
}

func TestYouTubeCheckLiveness(t *testing.T) {
	client, _ := newTestYouTube(t)
	ctx := context.Background()

	live, err := client.CheckLiveness(ctx, "liveVideo01")
	if err != nil || !live.Live || live.EndedAt != nil {
		t.Fatalf("live broadcast = %+v, %v", live, err)
	}

	ended, err := client.CheckLiveness(ctx, "endedVideo1")
	if err != nil {
		t.Fatalf("CheckLiveness: %v", err)
	}
	if ended.Live || ended.EndedAt == nil {
		t.Fatalf("ended broadcast = %+v", ended)
	}
	if want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC); !ended.EndedAt.Equal(want) {
		t.Fatalf("EndedAt = %v; want %v", ended.EndedAt, want)
	}

	if _, err := client.CheckLiveness(ctx, "unknownVid0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown video err = %v", err)
	}
}

func TestYouTubeFetchMessages(t *testing.T) {
	client, fake := newTestYouTube(t)
	ctx := context.Background()

	page, err := client.FetchMessages(ctx, "chat-1", "")
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if page.NextCursor != "tok-2" {
		t.Fatalf("NextCursor = %q", page.NextCursor)
	}
	if page.PollInterval != 3*time.Second {
		t.Fatalf("PollInterval = %v", page.PollInterval)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 text messages, got %d: %+v", len(page.Messages), page.Messages)
	}
	first := page.Messages[0]
	if first.ID != "m1" || first.Text != "HELLO" || first.Author != "UC1" || first.Ts.IsZero() {
		t.Fatalf("first message = %+v", first)
	}

	if _, err := client.FetchMessages(ctx, "chat-1", "tok-2"); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	fake.mu.Lock()
	tokens := append([]string(nil), fake.tokens...)
	fake.mu.Unlock()
	if len(tokens) != 2 || tokens[0] != "" || tokens[1] != "tok-2" {
		t.Fatalf("page tokens sent = %q", tokens)
	}
}

func TestYouTubeFetchErrors(t *testing.T) {
	client, _ := newTestYouTube(t)
	ctx := context.Background()

	cases := map[string]error{
		"ended":    ErrChatEnded,
		"disabled": ErrChatDisabled,
		"missing":  ErrNotFound,
	}
	for chatID, want := range cases {
		_, err := client.FetchMessages(ctx, chatID, "")
		if !errors.Is(err, want) {
			t.Fatalf("FetchMessages(%s) err = %v; want %v", chatID, err, want)
		}
		if !IsTerminal(err) {
			t.Fatalf("FetchMessages(%s) err should be terminal", chatID)
		}
	}

	_, err := client.FetchMessages(ctx, "broken", "")
	if err == nil || IsTerminal(err) {
		t.Fatalf("backend error = %v; want transient error", err)
	}
}

func TestYouTubeDeleteMessage(t *testing.T) {
	client, fake := newTestYouTube(t)
	ctx := context.Background()

	if err := client.DeleteMessage(ctx, "chat-1", "m9"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := client.DeleteMessage(ctx, "chat-1", "gone"); err != nil {
		t.Fatalf("deleting an already removed message should succeed, got %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.deleted) != 1 || fake.deleted[0] != "m9" {
		t.Fatalf("deleted = %v", fake.deleted)
	}
}

func TestNewYouTubeRequiresCredentials(t *testing.T) {
	if _, err := NewYouTube(context.Background(), YouTubeConfig{}); err == nil {
		t.Fatalf("expected error without credentials")
	}
}
