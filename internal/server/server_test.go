package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"

	"triagedeck/internal/app"
	"triagedeck/internal/cursor"
	"triagedeck/internal/identity"
	"triagedeck/pkg/domain"
	"triagedeck/pkg/storage"
	"triagedeck/pkg/store"
)

type harness struct {
	srv     *httptest.Server
	store   *store.GormStore
	objects *storage.FileStore
	project string
	items   []string
}

type harnessOptions struct {
	cursorTTLMS     int64
	eventsPerMinute int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	st, err := store.NewGormStoreFrom(gormsqlite.Open(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if err := st.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	projects, err := st.ListProjects(ctx, "admin@example.com")
	if err != nil || len(projects) != 1 {
		t.Fatalf("seeded projects: %v %v", projects, err)
	}
	projectID := projects[0].ID
	items, err := st.ListItems(ctx, projectID, nil, 200)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	itemIDs := make([]string, 0, len(items))
	for _, it := range items {
		itemIDs = append(itemIDs, it.ID)
	}

	objects, err := storage.NewFileStore(t.TempDir(), "http://files.local")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	codec, err := cursor.NewCodec("test-secret", opts.cursorTTLMS)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	appCore, err := app.New(app.Config{
		Store:    st,
		Resolver: storage.NewObjectResolver(objects),
		Cursors:  codec,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	redis := miniredis.RunT(t)
	srv, err := New(Config{
		App:             appCore,
		Identity:        identity.HeaderResolver{},
		RedisAddr:       redis.Addr(),
		EventsPerMinute: opts.eventsPerMinute,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{srv: ts, store: st, objects: objects, project: projectID, items: itemIDs}
}

func (h *harness) do(t *testing.T, method, path, user string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func errorCode(payload map[string]any) string {
	errObj, _ := payload["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func eventBody(events ...map[string]any) map[string]any {
	return map[string]any{
		"client_id":  "client-1",
		"session_id": "session-1",
		"events":     events,
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, payload := h.do(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health = %d %v", resp.StatusCode, payload)
	}
}

func TestUnauthenticated(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, payload := h.do(t, "GET", "/api/v1/projects", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(payload) != "unauthorized" {
		t.Fatalf("got %d %v", resp.StatusCode, payload)
	}
}

func TestNonMemberSees404(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, payload := h.do(t, "GET", "/api/v1/projects/"+h.project+"/config", "stranger@example.com", nil)
	if resp.StatusCode != http.StatusNotFound || errorCode(payload) != "not_found" {
		t.Fatalf("non-member got %d %v, want 404", resp.StatusCode, payload)
	}
}

func TestProjectConfig(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, payload := h.do(t, "GET", "/api/v1/projects/"+h.project+"/config", "viewer@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config = %d %v", resp.StatusCode, payload)
	}
	if payload["variant_navigation_mode"] != "both" || payload["max_compare_variants"] != float64(2) {
		t.Fatalf("config payload = %v", payload)
	}
	schema, _ := payload["decision_schema"].(map[string]any)
	if schema["version"] != float64(1) {
		t.Fatalf("decision schema = %v", schema)
	}
}

func TestEventBatchDuplicateAbsorption(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	eventID := domain.NewUUID()
	ev := map[string]any{
		"event_id":    eventID,
		"item_id":     h.items[0],
		"decision_id": "pass",
		"ts_client":   domain.NowMS(),
	}
	resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/events", "reviewer@example.com", eventBody(ev, ev))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest = %d %v", resp.StatusCode, payload)
	}
	if payload["acked"] != float64(2) || payload["accepted"] != float64(1) || payload["duplicate"] != float64(1) || payload["rejected"] != float64(0) {
		t.Fatalf("counts = %v", payload)
	}
	results, _ := payload["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("results = %v", results)
	}
}

func TestOutOfOrderConvergence(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	base := domain.NowMS()

	post := func(user string, tsClient int64, decision string) {
		ev := map[string]any{
			"event_id":    domain.NewUUID(),
			"item_id":     h.items[0],
			"decision_id": decision,
			"ts_client":   tsClient,
		}
		resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/events", user, eventBody(ev))
		if resp.StatusCode != http.StatusOK || payload["accepted"] != float64(1) {
			t.Fatalf("ingest for %s = %d %v", user, resp.StatusCode, payload)
		}
	}
	winner := func(user string) string {
		resp, payload := h.do(t, "GET", "/api/v1/projects/"+h.project+"/decisions", user, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("decisions = %d %v", resp.StatusCode, payload)
		}
		decisions, _ := payload["decisions"].([]any)
		if len(decisions) != 1 {
			t.Fatalf("decisions for %s = %v", user, decisions)
		}
		row, _ := decisions[0].(map[string]any)
		d, _ := row["decision_id"].(string)
		return d
	}

	// newer-then-older
	post("reviewer@example.com", base, "pass")
	post("reviewer@example.com", base-10_000, "fail")
	if got := winner("reviewer@example.com"); got != "pass" {
		t.Fatalf("newer-then-older winner = %s, want pass", got)
	}
	// older-then-newer converges identically
	post("admin@example.com", base-10_000, "fail")
	post("admin@example.com", base, "pass")
	if got := winner("admin@example.com"); got != "pass" {
		t.Fatalf("older-then-newer winner = %s, want pass", got)
	}
}

func TestEventRejections(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	longNote := make([]byte, 2001)
	for i := range longNote {
		longNote[i] = 'x'
	}
	events := []map[string]any{
		{"event_id": "not-a-uuid", "item_id": h.items[0], "decision_id": "pass", "ts_client": 1},
		{"event_id": domain.NewUUID(), "item_id": domain.NewUUID(), "decision_id": "pass", "ts_client": 1},
		{"event_id": domain.NewUUID(), "item_id": h.items[0], "decision_id": "maybe", "ts_client": 1},
		{"event_id": domain.NewUUID(), "item_id": h.items[0], "decision_id": "pass", "ts_client": 1, "note": string(longNote)},
	}
	resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/events", "reviewer@example.com", eventBody(events...))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest = %d %v", resp.StatusCode, payload)
	}
	if payload["rejected"] != float64(4) || payload["accepted"] != float64(0) {
		t.Fatalf("counts = %v", payload)
	}
	results, _ := payload["results"].([]any)
	wantCodes := []string{"invalid_event_id", "unknown_item", "invalid_decision_id", "invalid_note"}
	for i, want := range wantCodes {
		row, _ := results[i].(map[string]any)
		if row["error_code"] != want {
			t.Fatalf("result %d code = %v, want %s", i, row["error_code"], want)
		}
	}
}

func TestViewerCannotWriteEvents(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ev := map[string]any{
		"event_id":    domain.NewUUID(),
		"item_id":     h.items[0],
		"decision_id": "pass",
		"ts_client":   1,
	}
	resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/events", "viewer@example.com", eventBody(ev))
	if resp.StatusCode != http.StatusForbidden || errorCode(payload) != "forbidden" {
		t.Fatalf("viewer ingest = %d %v, want 403", resp.StatusCode, payload)
	}
}

func TestItemsPaginationWalk(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	seen := map[string]bool{}
	cursorToken := ""
	for {
		path := "/api/v1/projects/" + h.project + "/items?limit=7"
		if cursorToken != "" {
			path += "&cursor=" + cursorToken
		}
		resp, payload := h.do(t, "GET", path, "viewer@example.com", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("items = %d %v", resp.StatusCode, payload)
		}
		items, _ := payload["items"].([]any)
		if len(items) == 0 {
			break
		}
		for _, raw := range items {
			item, _ := raw.(map[string]any)
			id, _ := item["item_id"].(string)
			if seen[id] {
				t.Fatalf("item %s visited twice", id)
			}
			seen[id] = true
			variants, _ := item["variants"].([]any)
			if len(variants) != 2 {
				t.Fatalf("item %s variants = %v", id, variants)
			}
		}
		next, _ := payload["next_cursor"].(string)
		if next == "" {
			break
		}
		cursorToken = next
	}
	if len(seen) != len(h.items) {
		t.Fatalf("visited %d items, want %d", len(seen), len(h.items))
	}
}

func TestInvalidCursorRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, payload := h.do(t, "GET", "/api/v1/projects/"+h.project+"/items?cursor=garbage", "viewer@example.com", nil)
	if resp.StatusCode != http.StatusBadRequest || errorCode(payload) != "invalid_cursor" {
		t.Fatalf("bad cursor = %d %v", resp.StatusCode, payload)
	}
}

func TestExpiredCursorRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{cursorTTLMS: 1})
	resp, payload := h.do(t, "GET", "/api/v1/projects/"+h.project+"/items?limit=5", "viewer@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("items = %d %v", resp.StatusCode, payload)
	}
	token, _ := payload["next_cursor"].(string)
	if token == "" {
		t.Fatalf("no cursor issued")
	}
	time.Sleep(10 * time.Millisecond)
	resp, payload = h.do(t, "GET", "/api/v1/projects/"+h.project+"/items?cursor="+token, "viewer@example.com", nil)
	if resp.StatusCode != http.StatusBadRequest || errorCode(payload) != "invalid_cursor" {
		t.Fatalf("expired cursor = %d %v", resp.StatusCode, payload)
	}
}

func TestItemURLRefresh(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, payload := h.do(t, "GET", "/api/v1/projects/"+h.project+"/items/"+h.items[0]+"/url", "viewer@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("url refresh = %d %v", resp.StatusCode, payload)
	}
	if payload["uri"] == "" || payload["expires_at"] == nil {
		t.Fatalf("payload = %v", payload)
	}

	resp, payload = h.do(t, "GET", "/api/v1/projects/"+h.project+"/items/"+h.items[0]+"/url?variant_key=before", "viewer@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("variant url = %d %v", resp.StatusCode, payload)
	}

	resp, payload = h.do(t, "GET", "/api/v1/projects/"+h.project+"/items/"+h.items[0]+"/url?variant_key=missing", "viewer@example.com", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing variant = %d %v, want 404", resp.StatusCode, payload)
	}
}

func TestLimitValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, payload := h.do(t, "GET", "/api/v1/projects/"+h.project+"/items?limit=abc", "viewer@example.com", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit = %d %v", resp.StatusCode, payload)
	}
	// oversized limits clamp instead of failing
	resp, _ = h.do(t, "GET", fmt.Sprintf("/api/v1/projects/%s/items?limit=%d", h.project, 5000), "viewer@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("oversized limit should clamp, got %d", resp.StatusCode)
	}
}

func TestEventsRateLimit(t *testing.T) {
	h := newHarness(t, harnessOptions{eventsPerMinute: 1})
	ev := func() map[string]any {
		return map[string]any{
			"event_id":    domain.NewUUID(),
			"item_id":     h.items[0],
			"decision_id": "pass",
			"ts_client":   domain.NowMS(),
		}
	}
	resp, _ := h.do(t, "POST", "/api/v1/projects/"+h.project+"/events", "reviewer@example.com", eventBody(ev()))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first ingest = %d", resp.StatusCode)
	}
	resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/events", "reviewer@example.com", eventBody(ev()))
	if resp.StatusCode != http.StatusTooManyRequests || errorCode(payload) != "rate_limited" {
		t.Fatalf("second ingest = %d %v, want 429", resp.StatusCode, payload)
	}
}
