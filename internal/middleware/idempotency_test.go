package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/toolgate/internal/domain/policy"
	"github.com/Strob0t/toolgate/internal/middleware"
	"github.com/Strob0t/toolgate/internal/port/cache/cachetest"
)

func TestIdempotency(t *testing.T) {
	store := cachetest.NewMemory()
	calls := 0
	status := http.StatusCreated
	h := middleware.Idempotency(store, time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"id":"run-1"}`))
	}))

	send := func(method, actor, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/v1/runs", strings.NewReader(`{}`))
		req = req.WithContext(middleware.ContextWithCaller(req.Context(), policy.Caller{ID: actor}))
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := send(http.MethodPost, "alice", "k1")
	replay := send(http.MethodPost, "alice", "k1")
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
	if replay.Code != http.StatusCreated || replay.Body.String() != first.Body.String() {
		t.Errorf("replay = %d %s", replay.Code, replay.Body.String())
	}
	if replay.Header().Get("Idempotent-Replayed") != "true" || replay.Header().Get("Content-Type") != "application/json" {
		t.Errorf("replay headers = %v", replay.Header())
	}

	send(http.MethodPost, "bob", "k1")
	if calls != 2 {
		t.Error("key was shared across callers")
	}

	send(http.MethodPost, "alice", "")
	send(http.MethodPost, "alice", "")
	if calls != 4 {
		t.Error("requests without a key must not be deduplicated")
	}

	status = http.StatusBadRequest
	send(http.MethodPost, "alice", "k2")
	send(http.MethodPost, "alice", "k2")
	if calls != 6 {
		t.Error("error responses must not be replayed")
	}

	if rec := send(http.MethodPost, "alice", strings.Repeat("x", 300)); rec.Code != http.StatusBadRequest {
		t.Errorf("oversized key: %d", rec.Code)
	}
}
