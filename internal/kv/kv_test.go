package kv

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v; want absent", ok, err)
	}
	if err := s.Put(ctx, "validSuperchats:abc", `["m1"]`); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := s.Get(ctx, "validSuperchats:abc")
	if err != nil || !ok || v != `["m1"]` {
		t.Fatalf("Get after Put = %q ok=%v err=%v", v, ok, err)
	}
	if err := s.Put(ctx, "validSuperchats:abc", `["m1","m2"]`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _, _ = s.Get(ctx, "validSuperchats:abc")
	if v != `["m1","m2"]` {
		t.Fatalf("expected last writer to win, got %q", v)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	if err := s.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	exerciseStore(t, s)
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Put(context.Background(), "k", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if v, ok, err := reopened.Get(context.Background(), "k"); err != nil || !ok || v != "v" {
		t.Fatalf("Get after reopen = %q ok=%v err=%v", v, ok, err)
	}
}

type fakeCloudflare struct {
	mu     sync.Mutex
	values map[string]string
	fail   bool
}

func (f *fakeCloudflare) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer token" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if f.fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	const prefix = "/accounts/acct/storage/kv/namespaces/ns/values/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, prefix)

	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		v, ok := f.values[key]
		if !ok {
			http.Error(w, `{"success":false}`, http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, v)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.values[key] = string(body)
		_, _ = io.WriteString(w, `{"success":true}`)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestCloudflareStore(t *testing.T) {
	fake := &fakeCloudflare{values: make(map[string]string)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := NewCloudflare(CloudflareConfig{AccountID: "acct", NamespaceID: "ns", APIToken: "token", BaseURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("NewCloudflare: %v", err)
	}
	exerciseStore(t, s)

	fake.mu.Lock()
	_, ok := fake.values["validSuperchats:abc"]
	fake.mu.Unlock()
	if !ok {
		t.Fatalf("expected key to be written through the API")
	}
}

func TestCloudflareStoreUnavailable(t *testing.T) {
	srv := httptest.NewServer(&fakeCloudflare{values: map[string]string{}, fail: true})
	defer srv.Close()

	s, err := NewCloudflare(CloudflareConfig{AccountID: "acct", NamespaceID: "ns", APIToken: "token", BaseURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("NewCloudflare: %v", err)
	}
	if _, _, err := s.Get(context.Background(), "k"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Get error = %v; want ErrUnavailable", err)
	}
	if err := s.Put(context.Background(), "k", "v"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Put error = %v; want ErrUnavailable", err)
	}
}

func TestNewCloudflareRequiresCredentials(t *testing.T) {
	if _, err := NewCloudflare(CloudflareConfig{AccountID: "acct"}, nil); err == nil {
		t.Fatalf("expected error for missing credentials")
	}
}
