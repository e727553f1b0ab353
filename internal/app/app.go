package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triagedeck/internal/cursor"
	"triagedeck/internal/identity"
	"triagedeck/pkg/domain"
	"triagedeck/pkg/storage"
	"triagedeck/pkg/store"
)

// ExportNotifier nudges the worker pool after a job is queued. The
// store stays the source of truth; a lost nudge only delays pickup
// until the next poll tick.
type ExportNotifier interface {
	Publish(ctx context.Context, exportID string) error
}

// Config wires the core application.
type Config struct {
	Store          store.Store
	Resolver       storage.Resolver
	Cursors        *cursor.Codec
	ExportNotifier ExportNotifier

	SkewWindowMS     int64
	SignedURLTTL     time.Duration
	ExportAllowlist  []string
	MaxActiveExports int
}

// App is the core application service: ingest, query, and export
// admission on top of the transactional store.
type App struct {
	store        store.Store
	resolver     storage.Resolver
	cursors      *cursor.Codec
	notifier     ExportNotifier
	skewWindowMS int64
	signedURLTTL time.Duration
	// globalAllowlist applies when a project has no export_allowlist.
	globalAllowlist  []string
	maxActiveExports int
}

const (
	defaultSkewWindowMS = int64(24 * 60 * 60 * 1000)
	defaultSignedURLTTL = 15 * time.Minute
	minSignedURLTTL     = 5 * time.Minute
	maxSignedURLTTL     = 60 * time.Minute
)

// New constructs the application core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("storage resolver is required")
	}
	if cfg.Cursors == nil {
		return nil, errors.New("cursor codec is required")
	}
	skew := cfg.SkewWindowMS
	if skew <= 0 {
		skew = defaultSkewWindowMS
	}
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = defaultSignedURLTTL
	}
	if ttl < minSignedURLTTL {
		ttl = minSignedURLTTL
	}
	if ttl > maxSignedURLTTL {
		ttl = maxSignedURLTTL
	}
	maxActive := cfg.MaxActiveExports
	if maxActive <= 0 {
		maxActive = 2
	}
	return &App{
		store:            cfg.Store,
		resolver:         cfg.Resolver,
		cursors:          cfg.Cursors,
		notifier:         cfg.ExportNotifier,
		skewWindowMS:     skew,
		signedURLTTL:     ttl,
		globalAllowlist:  cfg.ExportAllowlist,
		maxActiveExports: maxActive,
	}, nil
}

// ProjectContext is the authorization context every project-scoped
// operation runs under.
type ProjectContext struct {
	Project domain.Project
	Role    domain.Role
	Policy  domain.OrgPolicy
}

// ResolveProject loads the project and the caller's role. Non-members
// and soft-deleted projects surface as NotFound so project ids cannot
// be enumerated.
func (a *App) ResolveProject(ctx context.Context, projectID string, caller identity.Caller) (ProjectContext, error) {
	role, err := a.store.RoleIn(ctx, projectID, caller.ID)
	if err != nil {
		return ProjectContext{}, fmt.Errorf("resolve role: %w", err)
	}
	if role == domain.RoleNone {
		return ProjectContext{}, NotFound()
	}
	project, found, err := a.store.GetProject(ctx, projectID)
	if err != nil {
		return ProjectContext{}, fmt.Errorf("load project: %w", err)
	}
	if !found {
		return ProjectContext{}, NotFound()
	}
	policy, err := a.store.GetOrgPolicy(ctx, project.OrgID)
	if err != nil {
		return ProjectContext{}, fmt.Errorf("load org policy: %w", err)
	}
	return ProjectContext{Project: project, Role: role, Policy: policy}, nil
}

// ProjectSummary is one row of the projects listing.
type ProjectSummary struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
}

// ListProjects returns projects visible to the caller.
func (a *App) ListProjects(ctx context.Context, caller identity.Caller) ([]ProjectSummary, error) {
	projects, err := a.store.ListProjects(ctx, caller.ID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := make([]ProjectSummary, 0, len(projects))
	for _, p := range projects {
		out = append(out, ProjectSummary{ProjectID: p.ID, Name: p.Name, Slug: p.Slug})
	}
	return out, nil
}

// ConfigResponse is the client bootstrap payload for a project.
type ConfigResponse struct {
	Project             ProjectSummary        `json:"project"`
	DecisionSchema      domain.DecisionSchema `json:"decision_schema"`
	MediaTypesSupported []string              `json:"media_types_supported"`
	VariantsEnabled     bool                  `json:"variants_enabled"`
	VariantNavigation   string                `json:"variant_navigation_mode"`
	CompareModeEnabled  bool                  `json:"compare_mode_enabled"`
	MaxCompareVariants  int                   `json:"max_compare_variants"`
}

// GetConfig assembles the project configuration response.
func (a *App) GetConfig(pc ProjectContext) ConfigResponse {
	cfg := pc.Project.Config
	media := cfg.MediaTypesSupported
	if len(media) == 0 {
		media = []string{string(domain.MediaImage)}
	}
	nav := cfg.VariantNavigationMode
	if nav == "" {
		nav = "horizontal"
	}
	maxCompare := cfg.MaxCompareVariants
	if maxCompare <= 0 {
		maxCompare = 2
	}
	return ConfigResponse{
		Project:             ProjectSummary{ProjectID: pc.Project.ID, Name: pc.Project.Name, Slug: pc.Project.Slug},
		DecisionSchema:      pc.Project.DecisionSchema,
		MediaTypesSupported: media,
		VariantsEnabled:     cfg.VariantsEnabled,
		VariantNavigation:   nav,
		CompareModeEnabled:  cfg.CompareModeEnabled,
		MaxCompareVariants:  maxCompare,
	}
}

// clampLimit folds a requested page size into [1, max], using def when
// the request carries none.
func clampLimit(requested, def, max int) int {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}

// decodeCursor maps codec failures onto the wire error.
func (a *App) decodeCursor(view cursor.View, token string) (*cursor.Key, error) {
	if token == "" {
		return nil, nil
	}
	key, err := a.cursors.Decode(view, token)
	if err != nil {
		return nil, BadRequest("invalid_cursor", "Cursor is invalid or expired")
	}
	return &key, nil
}
