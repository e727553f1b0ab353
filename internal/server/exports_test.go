package server

import (
	"context"
	"net/http"
	"testing"

	"triagedeck/internal/export"
	"triagedeck/pkg/domain"
)

func exportRequest(fields []string) map[string]any {
	return map[string]any{
		"mode":           "labels_only",
		"label_policy":   "latest_per_user",
		"format":         "jsonl",
		"include_fields": fields,
	}
}

func (h *harness) postEvent(t *testing.T, user, itemID, decision string) {
	t.Helper()
	ev := map[string]any{
		"event_id":    domain.NewUUID(),
		"item_id":     itemID,
		"decision_id": decision,
		"ts_client":   domain.NowMS(),
	}
	resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/events", user, eventBody(ev))
	if resp.StatusCode != http.StatusOK || payload["accepted"] != float64(1) {
		t.Fatalf("ingest = %d %v", resp.StatusCode, payload)
	}
}

func TestExportAllowlistBlock(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/exports", "reviewer@example.com",
		exportRequest([]string{"metadata.subject_id", "ssn"}))
	if resp.StatusCode != http.StatusUnprocessableEntity || errorCode(payload) != "field_not_allowlisted" {
		t.Fatalf("export create = %d %v, want 422 field_not_allowlisted", resp.StatusCode, payload)
	}
	// no job was admitted
	resp, payload = h.do(t, "GET", "/api/v1/projects/"+h.project+"/exports", "reviewer@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list exports = %d", resp.StatusCode)
	}
	if exports, _ := payload["exports"].([]any); len(exports) != 0 {
		t.Fatalf("rejected export left a job behind: %v", exports)
	}
}

func TestExportConcurrencyCap(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	for i := 0; i < 2; i++ {
		resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/exports", "reviewer@example.com",
			exportRequest([]string{"item_id"}))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("create %d = %d %v", i, resp.StatusCode, payload)
		}
	}
	resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/exports", "reviewer@example.com",
		exportRequest([]string{"item_id"}))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third create = %d %v, want 429", resp.StatusCode, payload)
	}
}

func TestViewerExportRequiresPolicy(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/exports", "viewer@example.com",
		exportRequest([]string{"item_id"}))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer export = %d %v, want 403", resp.StatusCode, payload)
	}
}

func TestExportLifecycleEndToEnd(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.postEvent(t, "reviewer@example.com", h.items[0], "pass")
	h.postEvent(t, "reviewer@example.com", h.items[1], "fail")

	resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/exports", "reviewer@example.com",
		exportRequest([]string{"item_id", "external_id", "decision_id", "ts_server"}))
	if resp.StatusCode != http.StatusOK || payload["status"] != "queued" {
		t.Fatalf("create = %d %v", resp.StatusCode, payload)
	}
	exportID, _ := payload["export_id"].(string)

	worker := export.NewWorker(h.store, h.objects, nil, export.Config{})
	if err := worker.ClaimAndProcess(context.Background(), exportID); err != nil {
		t.Fatalf("run worker: %v", err)
	}

	resp, payload = h.do(t, "GET", "/api/v1/projects/"+h.project+"/exports/"+exportID, "reviewer@example.com", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("get ready = %d %v", resp.StatusCode, payload)
	}
	if payload["download_url"] == "" || payload["download_url"] == nil {
		t.Fatalf("ready export missing download_url: %v", payload)
	}
	manifest, _ := payload["manifest"].(map[string]any)
	if manifest["row_count"] != float64(2) || manifest["sha256"] == "" {
		t.Fatalf("manifest = %v", manifest)
	}

	// admins see the job too; viewers do not
	resp, _ = h.do(t, "GET", "/api/v1/projects/"+h.project+"/exports/"+exportID, "admin@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin get = %d", resp.StatusCode)
	}
	resp, payload = h.do(t, "GET", "/api/v1/projects/"+h.project+"/exports/"+exportID, "viewer@example.com", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer get = %d %v, want 403", resp.StatusCode, payload)
	}

	// cancelling a ready export conflicts
	resp, payload = h.do(t, "DELETE", "/api/v1/projects/"+h.project+"/exports/"+exportID, "reviewer@example.com", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel ready = %d %v, want 409", resp.StatusCode, payload)
	}

	// expire it and observe 410
	job, _, err := h.store.GetExportJob(context.Background(), h.project, exportID)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	sweeper := export.NewSweeper(h.store, h.objects, nil, 0)
	if _, err := sweeper.SweepOnce(context.Background(), job.ExpiresAt+1); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	resp, payload = h.do(t, "GET", "/api/v1/projects/"+h.project+"/exports/"+exportID, "reviewer@example.com", nil)
	if resp.StatusCode != http.StatusGone || errorCode(payload) != "export_expired" {
		t.Fatalf("expired get = %d %v, want 410 export_expired", resp.StatusCode, payload)
	}

	// cancel after expiry is idempotent success
	resp, _ = h.do(t, "DELETE", "/api/v1/projects/"+h.project+"/exports/"+exportID, "reviewer@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel expired = %d, want 200", resp.StatusCode)
	}
}

func TestExportCancelQueued(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/exports", "reviewer@example.com",
		exportRequest([]string{"item_id"}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create = %d %v", resp.StatusCode, payload)
	}
	exportID, _ := payload["export_id"].(string)

	resp, payload = h.do(t, "DELETE", "/api/v1/projects/"+h.project+"/exports/"+exportID, "reviewer@example.com", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "failed" || payload["error_code"] != "export_cancelled" {
		t.Fatalf("cancel queued = %d %v", resp.StatusCode, payload)
	}
	// repeating the cancel stays successful
	resp, _ = h.do(t, "DELETE", "/api/v1/projects/"+h.project+"/exports/"+exportID, "reviewer@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat cancel = %d", resp.StatusCode)
	}
}

func TestExportListVisibilityScope(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, payload := h.do(t, "POST", "/api/v1/projects/"+h.project+"/exports", "reviewer@example.com",
		exportRequest([]string{"item_id"}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create = %d %v", resp.StatusCode, payload)
	}

	// the requester and the admin see it; the viewer's listing is empty
	resp, payload = h.do(t, "GET", "/api/v1/projects/"+h.project+"/exports", "admin@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin list = %d", resp.StatusCode)
	}
	if exports, _ := payload["exports"].([]any); len(exports) != 1 {
		t.Fatalf("admin sees %d exports, want 1", len(exports))
	}
	resp, payload = h.do(t, "GET", "/api/v1/projects/"+h.project+"/exports", "viewer@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("viewer list = %d", resp.StatusCode)
	}
	if exports, _ := payload["exports"].([]any); len(exports) != 0 {
		t.Fatalf("viewer sees %d exports, want 0", len(exports))
	}
}
