package store

import (
	"context"
	"errors"

	"triagedeck/pkg/domain"
)

// ApplyOutcome is the per-event result of an atomic apply.
type ApplyOutcome string

const (
	Accepted  ApplyOutcome = "accepted"
	Duplicate ApplyOutcome = "duplicate"
)

// Pagination keys. Each mirrors the composite ordering of its view.
type (
	ItemKey struct {
		SortKey string
		ItemID  string
	}
	LatestKey struct {
		TsServer int64
		ItemID   string
	}
	ExportKey struct {
		CreatedAt int64
		ID        string
	}
)

// ExportRow is one snapshot row for the export worker: a latest
// decision joined onto its item, or a bare item when the mode includes
// unlabeled rows (decision fields empty, HasDecision false).
type ExportRow struct {
	ItemID            string
	ExternalID        string
	MediaType         string
	URI               string
	SortKey           string
	ItemMetadata      map[string]any
	UserID            string
	EventID           string
	DecisionID        string
	Note              string
	TsClient          int64
	TsClientEffective int64
	TsServer          int64
	HasDecision       bool
}

var (
	// ErrNotFound is returned for rows that do not exist in scope.
	ErrNotFound = errors.New("not found")
	// ErrExportReady rejects cancellation of a completed export.
	ErrExportReady = errors.New("export already ready")
	// ErrStaleJob is returned when a worker-side transition loses to a
	// concurrent cancellation; the caller must discard partial output.
	ErrStaleJob = errors.New("export job no longer running")
)

// Store is the transactional persistence contract. It exclusively owns
// all persisted state; no read path may bypass the soft-delete
// predicate.
type Store interface {
	// projects & authorization inputs
	ListProjects(ctx context.Context, userID string) ([]domain.Project, error)
	GetProject(ctx context.Context, projectID string) (domain.Project, bool, error)
	RoleIn(ctx context.Context, projectID, userID string) (domain.Role, error)
	GetOrgPolicy(ctx context.Context, orgID string) (domain.OrgPolicy, error)

	// items
	ListItems(ctx context.Context, projectID string, after *ItemKey, limit int) ([]domain.Item, error)
	GetItem(ctx context.Context, projectID, itemID string) (domain.Item, bool, error)
	ItemsExist(ctx context.Context, projectID string, itemIDs []string) (map[string]bool, error)

	// decision events & projection
	ApplyEvent(ctx context.Context, event domain.DecisionEvent) (ApplyOutcome, error)
	ListLatest(ctx context.Context, projectID, userID string, after *LatestKey, limit int) ([]domain.DecisionLatest, error)
	RebuildLatest(ctx context.Context, projectID string) (int, error)

	// export jobs
	CreateExportJob(ctx context.Context, job domain.ExportJob) error
	GetExportJob(ctx context.Context, projectID, exportID string) (domain.ExportJob, bool, error)
	// ListExportJobs pages project jobs; a non-empty requester narrows
	// the listing to that user's jobs.
	ListExportJobs(ctx context.Context, projectID, requester string, after *ExportKey, limit int) ([]domain.ExportJob, error)
	CountActiveExports(ctx context.Context, projectID, userID string) (int64, error)
	CancelExportJob(ctx context.Context, projectID, exportID string, now int64) (domain.ExportJob, error)
	ClaimNextExportJob(ctx context.Context, now int64) (domain.ExportJob, bool, error)
	ClaimExportJob(ctx context.Context, exportID string, now int64) (domain.ExportJob, bool, error)
	CompleteExportJob(ctx context.Context, exportID string, manifest map[string]any, fileURI string, completedAt, expiresAt int64) error
	FailExportJob(ctx context.Context, exportID, errorCode string, completedAt int64) error
	GetExportStatus(ctx context.Context, exportID string) (domain.ExportStatus, error)
	ExpireReadyJobs(ctx context.Context, now int64) ([]domain.ExportJob, error)

	// export snapshot reads
	SnapshotRows(ctx context.Context, projectID string, mode domain.ExportMode, filters domain.ExportFilters) ([]ExportRow, error)
}
