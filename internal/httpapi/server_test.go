package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/Loues000/Alcohol-Tracking-App/internal/entrysync"
	"github.com/Loues000/Alcohol-Tracking-App/internal/kvstore"
	"github.com/Loues000/Alcohol-Tracking-App/internal/pending"
	"github.com/Loues000/Alcohol-Tracking-App/internal/remote"
	"github.com/Loues000/Alcohol-Tracking-App/internal/rowstore"
)

const testSecret = "dev-secret"

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	switch body := r.body.(type) {
	case nil:
	case []byte:
		bodyBytes = body
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, owner string, scopes []string, ttl time.Duration) string {
	t.Helper()
	token, err := IssueToken(secret, owner, scopes, ttl, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_1"}
}

func beerRow(id string) map[string]any {
	return map[string]any{
		"id":          id,
		"consumed_at": "2026-03-01T20:00:00Z",
		"category":    "beer",
		"size_l":      0.5,
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload
}

func TestHealthIsPublic(t *testing.T) {
	server := NewServer(rowstore.NewMemory(rowstore.MemoryOptions{}))
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	server := NewServer(rowstore.NewMemory(rowstore.MemoryOptions{}))

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/entries"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}

	forged := mustTestJWT(t, "other-secret", "user_1", nil, time.Hour)
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/entries", headers: bearer(forged)})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", resp.Code)
	}
	if payload := decodeError(t, resp); payload["correlationId"] != "corr_1" {
		t.Fatalf("expected correlation id echoed, got %+v", payload)
	}

	expired := mustTestJWT(t, testSecret, "user_1", nil, -time.Minute)
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/entries", headers: bearer(expired)})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}
	if payload := decodeError(t, resp); payload["message"] != "token expired" {
		t.Fatalf("unexpected message: %+v", payload)
	}
}

func TestScopesAreEnforced(t *testing.T) {
	server := NewServer(rowstore.NewMemory(rowstore.MemoryOptions{}))
	readOnly := mustTestJWT(t, testSecret, "user_1", []string{ScopeRead}, time.Hour)

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/entries", headers: bearer(readOnly)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for read, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/entries",
		headers: bearer(readOnly),
		body:    map[string]any{"rows": []any{beerRow("e1")}},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for write with read scope, got %d", resp.Code)
	}
}

func TestEntryLifecycle(t *testing.T) {
	store := rowstore.NewMemory(rowstore.MemoryOptions{})
	server := NewServer(store)
	token := mustTestJWT(t, testSecret, "user_1", nil, time.Hour)

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/entries",
		headers: bearer(token),
		body:    map[string]any{"rows": []any{beerRow("e1")}},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 on insert, got %d (%s)", resp.Code, resp.Body.String())
	}
	var created struct {
		Entries []entries.Entry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode insert response: %v", err)
	}
	if len(created.Entries) != 1 || created.Entries[0].ID != "e1" || created.Entries[0].UserID != "user_1" {
		t.Fatalf("unexpected insert response: %+v", created.Entries)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/entries",
		headers: bearer(token),
		body:    map[string]any{"rows": []any{beerRow("e1")}},
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate insert, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    "/v1/entries/e1",
		headers: bearer(token),
		body:    map[string]any{"note": "birthday"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on patch, got %d (%s)", resp.Code, resp.Body.String())
	}
	var updated struct {
		Entry entries.Entry `json:"entry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("decode patch response: %v", err)
	}
	if updated.Entry.Note == nil || *updated.Entry.Note != "birthday" {
		t.Fatalf("expected note to be set, got %+v", updated.Entry)
	}

	resp = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/entries/e1", headers: bearer(token)})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/entries/e1", headers: bearer(token)})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected repeated delete to stay 204, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    "/v1/entries/e1",
		headers: bearer(token),
		body:    map[string]any{"note": "gone"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 patching deleted entry, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/entries", headers: bearer(token)})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"entries":[]`) {
		t.Fatalf("expected empty list, got %d %s", resp.Code, resp.Body.String())
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	server := NewServer(rowstore.NewMemory(rowstore.MemoryOptions{}))
	token := mustTestJWT(t, testSecret, "user_1", nil, time.Hour)
	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{
			method:  http.MethodPut,
			path:    "/v1/entries",
			headers: bearer(token),
			body:    map[string]any{"rows": []any{beerRow("e1")}},
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("upsert %d: expected 200, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/entries", headers: bearer(token)})
	var list struct {
		Entries []entries.Entry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Entries) != 1 {
		t.Fatalf("expected one row after repeated upsert, got %d", len(list.Entries))
	}
}

func TestInvalidPayloadsAreRejected(t *testing.T) {
	server := NewServer(rowstore.NewMemory(rowstore.MemoryOptions{}))
	token := mustTestJWT(t, testSecret, "user_1", nil, time.Hour)

	bad := beerRow("e1")
	bad["category"] = "cocktail"
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		code   string
	}{
		{name: "unknown category", method: http.MethodPost, path: "/v1/entries", body: map[string]any{"rows": []any{bad}}, code: "invalid_input"},
		{name: "no rows", method: http.MethodPut, path: "/v1/entries", body: map[string]any{"rows": []any{}}, code: "invalid_input"},
		{name: "empty patch", method: http.MethodPatch, path: "/v1/entries/e1", body: map[string]any{}, code: "invalid_input"},
		{name: "broken json", method: http.MethodPost, path: "/v1/entries", body: []byte("{"), code: "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, server, request{method: tc.method, path: tc.path, headers: bearer(token), body: tc.body})
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", resp.Code, resp.Body.String())
			}
			if payload := decodeError(t, resp); payload["code"] != tc.code {
				t.Fatalf("expected code %s, got %+v", tc.code, payload)
			}
		})
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	server := NewServer(rowstore.NewMemory(rowstore.MemoryOptions{}))
	alice := mustTestJWT(t, testSecret, "alice", nil, time.Hour)
	bob := mustTestJWT(t, testSecret, "bob", nil, time.Hour)

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/entries",
		headers: bearer(alice),
		body:    map[string]any{"rows": []any{beerRow("e1")}},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/entries", headers: bearer(bob)})
	if strings.Contains(resp.Body.String(), "e1") {
		t.Fatalf("bob must not see alice's rows: %s", resp.Body.String())
	}
	resp = doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    "/v1/entries/e1",
		headers: bearer(bob),
		body:    map[string]any{"note": "mine"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 patching foreign row, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/entries",
		headers: bearer(bob),
		body:    map[string]any{"rows": []any{beerRow("e1")}},
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 upserting foreign id, got %d", resp.Code)
	}
}

func TestRateLimitPerOwner(t *testing.T) {
	server := NewServerWithConfig(rowstore.NewMemory(rowstore.MemoryOptions{}), ServerConfig{RateLimitMax: 2})
	token := mustTestJWT(t, testSecret, "user_1", nil, time.Hour)
	other := mustTestJWT(t, testSecret, "user_2", nil, time.Hour)

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/entries", headers: bearer(token)})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/entries", headers: bearer(token)})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/entries", headers: bearer(other)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected other owner unaffected, got %d", resp.Code)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	server := NewServerWithConfig(rowstore.NewMemory(rowstore.MemoryOptions{}), ServerConfig{MaxBodyBytes: 32})
	token := mustTestJWT(t, testSecret, "user_1", nil, time.Hour)
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/entries",
		headers: bearer(token),
		body:    map[string]any{"rows": []any{beerRow("e1")}},
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestUnavailableStoreMapsTo503(t *testing.T) {
	store := rowstore.NewMemory(rowstore.MemoryOptions{})
	store.SetOffline(true)
	server := NewServer(store)
	token := mustTestJWT(t, testSecret, "user_1", nil, time.Hour)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/entries", headers: bearer(token)})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestChangeFeedDeliversOwnerEvents(t *testing.T) {
	server := NewServer(rowstore.NewMemory(rowstore.MemoryOptions{}))
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	alice := mustTestJWT(t, testSecret, "alice", nil, time.Hour)
	bob := mustTestJWT(t, testSecret, "bob", nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceEvents := make(chan entries.ChangeEvent, 4)
	bobEvents := make(chan entries.ChangeEvent, 4)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = remote.NewChangeFeed(httpServer.URL, alice, nil).Run(ctx, func(ev entries.ChangeEvent) { aliceEvents <- ev })
	}()
	go func() {
		defer wg.Done()
		_ = remote.NewChangeFeed(httpServer.URL, bob, nil).Run(ctx, func(ev entries.ChangeEvent) { bobEvents <- ev })
	}()

	deadline := time.Now().Add(5 * time.Second)
	for server.hub.subscriberCount("alice") == 0 || server.hub.subscriberCount("bob") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("change feeds never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/entries",
		headers: bearer(alice),
		body:    map[string]any{"rows": []any{beerRow("e1")}},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	select {
	case ev := <-aliceEvents:
		if ev.Type != entries.ChangeUpserted || ev.ID != "e1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change event")
	}
	select {
	case ev := <-bobEvents:
		t.Fatalf("bob received alice's event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	wg.Wait()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestEngineConvergesThroughHTTPAPI(t *testing.T) {
	store := rowstore.NewMemory(rowstore.MemoryOptions{})
	httpServer := httptest.NewServer(NewServer(store))
	defer httpServer.Close()

	clock := &testClock{now: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)}
	token := mustTestJWT(t, testSecret, "user_1", nil, time.Hour)
	client := remote.NewHTTPClient(remote.ClientOptions{BaseURL: httpServer.URL, Token: token, Owner: "user_1", MaxRetries: 1})
	queue := pending.New(kvstore.NewMemoryStore(), pending.Options{Now: clock.Now})
	engine, err := entrysync.New(entrysync.Options{Owner: "user_1", Remote: client, Queue: queue, Now: clock.Now})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	store.SetOffline(true)
	created := engine.CreateEntry(ctx, entries.Input{ConsumedAt: clock.Now(), Category: entries.CategoryBeer, SizeL: 0.33})
	if created == nil || !created.Pending {
		t.Fatalf("expected pending entry while offline, got %+v", created)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected one queued op, got %d", queue.Len())
	}

	store.SetOffline(false)
	clock.Advance(2 * time.Second)
	engine.SyncPending(ctx)

	if queue.Len() != 0 {
		t.Fatalf("expected queue drained, got %d (%s)", queue.Len(), engine.SyncError())
	}
	view := engine.Entries()
	if len(view) != 1 || view[0].ID != created.ID || view[0].Pending {
		t.Fatalf("expected confirmed entry %s, got %+v", created.ID, view)
	}
	rows, err := store.Select(ctx, "user_1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != created.ID {
		t.Fatalf("expected server row %s, got %+v", created.ID, rows)
	}
}
