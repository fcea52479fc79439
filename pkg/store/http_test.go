package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

func newTestHTTP(t *testing.T, h http.Handler) *HTTP {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := NewHTTP(HTTPConfig{
		BaseURL:     srv.URL,
		Credentials: staticToken("secret-token"),
		MaxDelay:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	return s
}

func TestNewHTTPValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  HTTPConfig
	}{
		{"missing base", HTTPConfig{Credentials: staticToken("x")}},
		{"bad scheme", HTTPConfig{BaseURL: "ftp://example.com", Credentials: staticToken("x")}},
		{"missing credentials", HTTPConfig{BaseURL: "https://example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHTTP(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHTTPFetchMissed(t *testing.T) {
	created := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	var (
		mu     sync.Mutex
		sinces []string
	)
	s := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != missedPath {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("restaurant_id") != "42" {
			http.Error(w, "wrong tenant", http.StatusBadRequest)
			return
		}
		mu.Lock()
		sinces = append(sinces, r.URL.Query().Get("since"))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode([]Record{{ID: "new_order_5", Type: "new_order", RestaurantID: "42", CreatedAt: created}}) //nolint:errcheck // test server
	}))

	got, err := s.FetchMissed(context.Background(), "42")
	if err != nil {
		t.Fatalf("FetchMissed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "new_order_5" {
		t.Fatalf("FetchMissed = %+v", got)
	}
	if _, err := s.FetchMissed(context.Background(), "42"); err != nil {
		t.Fatalf("second FetchMissed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sinces) != 2 || sinces[0] != "" || sinces[1] != created.Format(time.RFC3339Nano) {
		t.Errorf("since parameters = %q", sinces)
	}
}

func TestHTTPFetchMissedClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	s := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	if _, err := s.FetchMissed(context.Background(), "42"); err == nil {
		t.Fatal("expected error for 403")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestHTTPFetchMissedRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	s := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("[]")) //nolint:errcheck // test server
	}))
	got, err := s.FetchMissed(context.Background(), "42")
	if err != nil {
		t.Fatalf("FetchMissed: %v", err)
	}
	if len(got) != 0 || calls.Load() != 3 {
		t.Errorf("got %d records after %d calls", len(got), calls.Load())
	}
}

func TestHTTPSync(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Record
		fail     atomic.Bool
	)
	fail.Store(true)
	s := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != syncPath {
			http.NotFound(w, r)
			return
		}
		if fail.Load() {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		var batch []Record
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, batch...)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))

	ctx := context.Background()
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync with empty queue: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := s.Add(ctx, Record{ID: id, RestaurantID: "42"}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if err := s.Sync(ctx); err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("Sync against failing server = %v", err)
	}
	if s.Pending() != 2 {
		t.Fatalf("Pending() after failed sync = %d, want 2", s.Pending())
	}

	fail.Store(false)
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() after sync = %d", s.Pending())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0].ID != "a" {
		t.Errorf("server received %+v", received)
	}
}

func TestHTTPAddDropsOldestWhenFull(t *testing.T) {
	s := newTestHTTP(t, http.NotFoundHandler())
	ctx := context.Background()
	for i := range httpMaxPending + 1 {
		if err := s.Add(ctx, Record{ID: string(rune('a' + i%26)), RestaurantID: "42"}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if s.Pending() != httpMaxPending {
		t.Errorf("Pending() = %d, want %d", s.Pending(), httpMaxPending)
	}
}
