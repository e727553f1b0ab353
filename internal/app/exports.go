package app

import (
	"context"
	"errors"
	"fmt"

	"triagedeck/internal/authz"
	"triagedeck/internal/cursor"
	"triagedeck/internal/identity"
	"triagedeck/internal/util"
	"triagedeck/pkg/domain"
	"triagedeck/pkg/store"
)

// ExportCreateRequest is the POST /exports payload.
type ExportCreateRequest struct {
	Mode          string               `json:"mode"`
	LabelPolicy   string               `json:"label_policy"`
	Format        string               `json:"format"`
	Filters       domain.ExportFilters `json:"filters"`
	IncludeFields []string             `json:"include_fields"`
}

// ExportJobView is the wire shape of an export job.
type ExportJobView struct {
	ExportID    string         `json:"export_id"`
	Status      string         `json:"status"`
	Mode        string         `json:"mode"`
	Format      string         `json:"format"`
	CreatedAt   int64          `json:"created_at"`
	ExpiresAt   int64          `json:"expires_at,omitempty"`
	Manifest    map[string]any `json:"manifest,omitempty"`
	DownloadURL string         `json:"download_url,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
}

// ExportsPage is one page of the exports view.
type ExportsPage struct {
	Exports    []ExportJobView `json:"exports"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// effectiveAllowlist is the project's export_allowlist when set,
// otherwise the server-global one.
func (a *App) effectiveAllowlist(pc ProjectContext) []string {
	if len(pc.Project.Config.ExportAllowlist) > 0 {
		return pc.Project.Config.ExportAllowlist
	}
	return a.globalAllowlist
}

// CreateExport validates and admits a new export job in queued state.
func (a *App) CreateExport(ctx context.Context, pc ProjectContext, caller identity.Caller, req ExportCreateRequest) (ExportJobView, error) {
	if !authz.CanCreateExport(pc.Role, pc.Policy) {
		return ExportJobView{}, Forbidden()
	}

	mode := domain.ExportMode(req.Mode)
	if mode == "" {
		mode = domain.ModeLabelsOnly
	}
	if mode != domain.ModeLabelsOnly && mode != domain.ModeLabelsPlusUnlabeled {
		return ExportJobView{}, Validation("validation_error", fmt.Sprintf("Unknown export mode %q", req.Mode), nil)
	}
	policy := domain.LabelPolicy(req.LabelPolicy)
	if policy == "" {
		policy = domain.LatestPerUser
	}
	if policy != domain.LatestPerUser {
		return ExportJobView{}, Validation("validation_error", fmt.Sprintf("Unknown label policy %q", req.LabelPolicy), nil)
	}
	format := domain.ExportFormat(req.Format)
	if format == "" {
		format = domain.FormatJSONL
	}
	switch format {
	case domain.FormatJSONL, domain.FormatCSV, domain.FormatParquet:
	default:
		return ExportJobView{}, Validation("validation_error", fmt.Sprintf("Unknown export format %q", req.Format), nil)
	}

	allowlist := a.effectiveAllowlist(pc)
	allowed := make(map[string]struct{}, len(allowlist))
	for _, f := range allowlist {
		allowed[f] = struct{}{}
	}
	fields := req.IncludeFields
	if len(fields) == 0 {
		// no explicit projection requested: export the full allowlist
		fields = append([]string(nil), allowlist...)
	}
	for _, f := range fields {
		if _, ok := allowed[f]; !ok {
			return ExportJobView{}, Validation("field_not_allowlisted",
				fmt.Sprintf("Field not allowlisted: %s", f),
				map[string]any{"field": f})
		}
	}
	if len(fields) == 0 {
		return ExportJobView{}, Validation("validation_error", "Export allowlist is empty", nil)
	}

	active, err := a.store.CountActiveExports(ctx, pc.Project.ID, caller.ID)
	if err != nil {
		return ExportJobView{}, fmt.Errorf("count active exports: %w", err)
	}
	if active >= int64(a.maxActiveExports) {
		return ExportJobView{}, RateLimited("Too many concurrent export jobs")
	}

	job := domain.ExportJob{
		ID:            domain.NewUUID(),
		ProjectID:     pc.Project.ID,
		RequestedBy:   caller.ID,
		Status:        domain.ExportQueued,
		Mode:          mode,
		LabelPolicy:   policy,
		Format:        format,
		Filters:       req.Filters,
		IncludeFields: fields,
		CreatedAt:     domain.NowMS(),
	}
	if err := a.store.CreateExportJob(ctx, job); err != nil {
		return ExportJobView{}, fmt.Errorf("create export job: %w", err)
	}
	if a.notifier != nil {
		if err := a.notifier.Publish(ctx, job.ID); err != nil {
			util.LoggerFromContext(ctx).Warn("export nudge failed", "export_id", job.ID, "err", err)
		}
	}
	a.auditExport(ctx, "export_create", pc.Project.ID, caller.ID, job.ID)
	return ExportJobView{ExportID: job.ID, Status: string(job.Status), Mode: string(mode), Format: string(format), CreatedAt: job.CreatedAt}, nil
}

// GetExport returns job status, manifest, and a download URL when
// ready. TTL-expired jobs answer 410.
func (a *App) GetExport(ctx context.Context, pc ProjectContext, caller identity.Caller, exportID string) (ExportJobView, error) {
	job, found, err := a.store.GetExportJob(ctx, pc.Project.ID, exportID)
	if err != nil {
		return ExportJobView{}, fmt.Errorf("get export job: %w", err)
	}
	if !found {
		return ExportJobView{}, NotFound()
	}
	if !authz.CanReadExport(pc.Role, pc.Policy, job.RequestedBy, caller.ID) {
		return ExportJobView{}, Forbidden()
	}
	now := domain.NowMS()
	if job.Status == domain.ExportExpired ||
		(job.Status == domain.ExportReady && job.ExpiresAt > 0 && job.ExpiresAt < now) {
		return ExportJobView{}, Gone("export_expired", "Export has expired")
	}
	view := exportView(job)
	if job.Status == domain.ExportReady && job.FileURI != "" {
		resolved, err := a.resolver.Resolve(ctx, job.FileURI, a.signedURLTTL)
		if err != nil {
			return ExportJobView{}, fmt.Errorf("resolve artifact uri: %w", err)
		}
		view.DownloadURL = resolved.URL
		a.auditExport(ctx, "export_download_url", pc.Project.ID, caller.ID, job.ID)
	}
	return view, nil
}

// ListExports pages the caller-visible jobs, newest first.
func (a *App) ListExports(ctx context.Context, pc ProjectContext, caller identity.Caller, cursorToken string, limit int) (ExportsPage, error) {
	after, err := a.decodeCursor(cursor.ViewExports, cursorToken)
	if err != nil {
		return ExportsPage{}, err
	}
	var key *store.ExportKey
	if after != nil {
		key = &store.ExportKey{CreatedAt: after.Ts, ID: after.ID}
	}
	limit = clampLimit(limit, exportsDefaultLimit, exportsMaxLimit)

	// admins and policy-visible reviewers see all project jobs
	requester := caller.ID
	if authz.CanReadExport(pc.Role, pc.Policy, "", caller.ID) {
		requester = ""
	}
	jobs, err := a.store.ListExportJobs(ctx, pc.Project.ID, requester, key, limit)
	if err != nil {
		return ExportsPage{}, fmt.Errorf("list export jobs: %w", err)
	}
	page := ExportsPage{Exports: make([]ExportJobView, 0, len(jobs))}
	for _, j := range jobs {
		v := exportView(j)
		// listings carry no manifest or download URL
		v.Manifest = nil
		v.DownloadURL = ""
		page.Exports = append(page.Exports, v)
	}
	if len(jobs) > 0 {
		last := jobs[len(jobs)-1]
		token, err := a.cursors.Encode(cursor.ViewExports, cursor.Key{Ts: last.CreatedAt, ID: last.ID})
		if err != nil {
			return ExportsPage{}, fmt.Errorf("encode cursor: %w", err)
		}
		page.NextCursor = token
	}
	return page, nil
}

// CancelExport applies the idempotent DELETE transition.
func (a *App) CancelExport(ctx context.Context, pc ProjectContext, caller identity.Caller, exportID string) (ExportJobView, error) {
	job, found, err := a.store.GetExportJob(ctx, pc.Project.ID, exportID)
	if err != nil {
		return ExportJobView{}, fmt.Errorf("get export job: %w", err)
	}
	if !found {
		return ExportJobView{}, NotFound()
	}
	if !authz.CanCancelExport(pc.Role, pc.Policy, job.RequestedBy, caller.ID) {
		return ExportJobView{}, Forbidden()
	}
	cancelled, err := a.store.CancelExportJob(ctx, pc.Project.ID, exportID, domain.NowMS())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrExportReady):
		return ExportJobView{}, Conflict("conflict", "Cannot cancel a ready export")
	case errors.Is(err, store.ErrNotFound):
		return ExportJobView{}, NotFound()
	default:
		return ExportJobView{}, fmt.Errorf("cancel export job: %w", err)
	}
	a.auditExport(ctx, "export_cancel", pc.Project.ID, caller.ID, exportID)
	return exportView(cancelled), nil
}

func exportView(j domain.ExportJob) ExportJobView {
	return ExportJobView{
		ExportID:  j.ID,
		Status:    string(j.Status),
		Mode:      string(j.Mode),
		Format:    string(j.Format),
		CreatedAt: j.CreatedAt,
		ExpiresAt: j.ExpiresAt,
		Manifest:  j.Manifest,
		ErrorCode: j.ErrorCode,
	}
}

// auditExport emits the structured audit record required for export
// lifecycle actions.
func (a *App) auditExport(ctx context.Context, action, projectID, userID, exportID string) {
	util.LoggerFromContext(ctx).Info("audit_event",
		"action", action,
		"request_id", util.RequestIDFromContext(ctx),
		"project_id", projectID,
		"user_id", userID,
		"export_id", exportID,
	)
}
