package app

import (
	"context"
	"path/filepath"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"

	"triagedeck/internal/cursor"
	"triagedeck/internal/identity"
	"triagedeck/pkg/domain"
	"triagedeck/pkg/storage"
	"triagedeck/pkg/store"
)

func newTestApp(t *testing.T) (*App, *store.GormStore, ProjectContext, []string) {
	t.Helper()
	st, err := store.NewGormStoreFrom(gormsqlite.Open(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if err := st.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	codec, err := cursor.NewCodec("test-secret", 0)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	a, err := New(Config{Store: st, Resolver: storage.IdentityResolver{}, Cursors: codec})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	projects, err := st.ListProjects(ctx, "reviewer@example.com")
	if err != nil || len(projects) != 1 {
		t.Fatalf("projects: %v %v", projects, err)
	}
	pc, err := a.ResolveProject(ctx, projects[0].ID, identity.Caller{ID: "reviewer@example.com"})
	if err != nil {
		t.Fatalf("resolve project: %v", err)
	}
	items, err := st.ListItems(ctx, projects[0].ID, nil, 200)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return a, st, pc, ids
}

func TestIngestClampsClientSkew(t *testing.T) {
	a, st, pc, items := newTestApp(t)
	caller := identity.Caller{ID: "reviewer@example.com"}
	ctx := context.Background()

	resp, err := a.IngestEvents(ctx, pc, caller, IngestRequest{
		ClientID:  "c",
		SessionID: "s",
		Events: []EventInput{
			{EventID: domain.NewUUID(), ItemID: items[0], DecisionID: "pass", TsClient: 0},
		},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Accepted != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	rows, err := st.ListLatest(ctx, pc.Project.ID, caller.ID, nil, 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("latest rows: %v %v", rows, err)
	}
	row := rows[0]
	if row.TsClient != 0 {
		t.Fatalf("raw ts_client must persist, got %d", row.TsClient)
	}
	want := resp.ServerTs - defaultSkewWindowMS
	if row.TsClientEffective != want {
		t.Fatalf("ts_client_effective = %d, want clamp to %d", row.TsClientEffective, want)
	}
}

func TestIngestSharesServerTsAcrossBatch(t *testing.T) {
	a, st, pc, items := newTestApp(t)
	caller := identity.Caller{ID: "reviewer@example.com"}
	ctx := context.Background()

	now := domain.NowMS()
	resp, err := a.IngestEvents(ctx, pc, caller, IngestRequest{
		Events: []EventInput{
			{EventID: domain.NewUUID(), ItemID: items[0], DecisionID: "pass", TsClient: now},
			{EventID: domain.NewUUID(), ItemID: items[1], DecisionID: "fail", TsClient: now},
		},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Accepted != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	rows, err := st.ListLatest(ctx, pc.Project.ID, caller.ID, nil, 10)
	if err != nil || len(rows) != 2 {
		t.Fatalf("latest rows: %v %v", rows, err)
	}
	if rows[0].TsServer != rows[1].TsServer || rows[0].TsServer != resp.ServerTs {
		t.Fatalf("server ts not shared: %d vs %d vs %d", rows[0].TsServer, rows[1].TsServer, resp.ServerTs)
	}
}

func TestIngestBatchSizeLimit(t *testing.T) {
	a, _, pc, items := newTestApp(t)
	caller := identity.Caller{ID: "reviewer@example.com"}

	events := make([]EventInput, maxEventsPerBatch+1)
	for i := range events {
		events[i] = EventInput{EventID: domain.NewUUID(), ItemID: items[0], DecisionID: "pass", TsClient: 1}
	}
	_, err := a.IngestEvents(context.Background(), pc, caller, IngestRequest{Events: events})
	apiErr, ok := err.(*Error)
	if !ok || apiErr.Status != 422 {
		t.Fatalf("oversize batch err = %v, want 422", err)
	}
}

func TestNotesDisabledRejectsNote(t *testing.T) {
	a, _, pc, items := newTestApp(t)
	caller := identity.Caller{ID: "reviewer@example.com"}

	pc.Project.DecisionSchema.AllowNotes = false
	resp, err := a.IngestEvents(context.Background(), pc, caller, IngestRequest{
		Events: []EventInput{
			{EventID: domain.NewUUID(), ItemID: items[0], DecisionID: "pass", Note: "nope", TsClient: 1},
		},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Rejected != 1 || resp.Results[0].ErrorCode != "invalid_note" {
		t.Fatalf("resp = %+v", resp)
	}
}
