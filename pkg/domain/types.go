package domain

// Role is a caller's role within a project or organization.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleViewer   Role = "viewer"
	// RoleNone marks a caller with no membership at all.
	RoleNone Role = ""
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaPDF   MediaType = "pdf"
	MediaOther MediaType = "other"
)

// ValidMediaType reports whether t is one of the supported media kinds.
func ValidMediaType(t MediaType) bool {
	switch t {
	case MediaImage, MediaVideo, MediaPDF, MediaOther:
		return true
	}
	return false
}

type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Policy    OrgPolicy `json:"policy"`
	CreatedAt int64     `json:"created_at"`
}

// OrgPolicy holds organization-level toggles consumed by authorization.
type OrgPolicy struct {
	ViewerExportEnabled      bool `json:"viewer_export_enabled"`
	ReviewerExportVisibility bool `json:"reviewer_export_visibility"`
}

type OrgMembership struct {
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
}

type Project struct {
	ID             string         `json:"project_id"`
	OrgID          string         `json:"org_id"`
	Name           string         `json:"name"`
	Slug           string         `json:"slug"`
	DecisionSchema DecisionSchema `json:"decision_schema"`
	Config         ProjectConfig  `json:"config"`
	CreatedAt      int64          `json:"created_at"`
	DeletedAt      *int64         `json:"deleted_at,omitempty"`
}

// ProjectConfig is the client-facing project configuration blob.
type ProjectConfig struct {
	MediaTypesSupported   []string `json:"media_types_supported"`
	VariantsEnabled       bool     `json:"variants_enabled"`
	VariantNavigationMode string   `json:"variant_navigation_mode"`
	CompareModeEnabled    bool     `json:"compare_mode_enabled"`
	MaxCompareVariants    int      `json:"max_compare_variants"`
	ExportAllowlist       []string `json:"export_allowlist,omitempty"`
}

type ProjectMembership struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      Role   `json:"role"`
}

type Item struct {
	ID         string         `json:"item_id"`
	ProjectID  string         `json:"project_id"`
	ExternalID string         `json:"external_id"`
	MediaType  MediaType      `json:"media_type"`
	URI        string         `json:"uri"`
	SortKey    string         `json:"sort_key"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  int64          `json:"created_at"`
	DeletedAt  *int64         `json:"deleted_at,omitempty"`
	Variants   []ItemVariant  `json:"variants"`
}

type ItemVariant struct {
	ItemID     string         `json:"item_id"`
	VariantKey string         `json:"variant_key"`
	Label      string         `json:"label"`
	URI        string         `json:"uri"`
	SortOrder  int            `json:"sort_order"`
	Metadata   map[string]any `json:"metadata"`
}

// DecisionEvent is an immutable record of a single reviewer choice.
// Rows are append-only; (ProjectID, UserID, EventID) is the idempotency key.
type DecisionEvent struct {
	ID                string `json:"id"`
	ProjectID         string `json:"project_id"`
	UserID            string `json:"user_id"`
	EventID           string `json:"event_id"`
	ItemID            string `json:"item_id"`
	DecisionID        string `json:"decision_id"`
	Note              string `json:"note"`
	TsClient          int64  `json:"ts_client"`
	TsClientEffective int64  `json:"ts_client_effective"`
	TsServer          int64  `json:"ts_server"`
}

// DecisionLatest is the materialized winner per (project, user, item).
type DecisionLatest struct {
	ProjectID         string `json:"project_id"`
	UserID            string `json:"user_id"`
	ItemID            string `json:"item_id"`
	EventID           string `json:"event_id"`
	DecisionID        string `json:"decision_id"`
	Note              string `json:"note"`
	TsClient          int64  `json:"ts_client"`
	TsClientEffective int64  `json:"ts_client_effective"`
	TsServer          int64  `json:"ts_server"`
}

type ExportStatus string

const (
	ExportQueued  ExportStatus = "queued"
	ExportRunning ExportStatus = "running"
	ExportReady   ExportStatus = "ready"
	ExportFailed  ExportStatus = "failed"
	ExportExpired ExportStatus = "expired"
)

type ExportMode string

const (
	ModeLabelsOnly          ExportMode = "labels_only"
	ModeLabelsPlusUnlabeled ExportMode = "labels_plus_unlabeled"
)

type ExportFormat string

const (
	FormatJSONL   ExportFormat = "jsonl"
	FormatCSV     ExportFormat = "csv"
	FormatParquet ExportFormat = "parquet"
)

type LabelPolicy string

// LatestPerUser is the only label policy accepted in v1; the type exists
// so additional policies can be introduced without a wire change.
const LatestPerUser LabelPolicy = "latest_per_user"

// ExportFilters narrows the rows an export job selects. Metadata entries
// are matched by equality on a top-level metadata key (an optional
// "metadata." prefix is ignored); nested paths are not walked.
type ExportFilters struct {
	DecisionIDs []string          `json:"decision_ids,omitempty"`
	FromTs      *int64            `json:"from_ts,omitempty"`
	ToTs        *int64            `json:"to_ts,omitempty"`
	UserIDs     []string          `json:"user_ids,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type ExportJob struct {
	ID            string         `json:"export_id"`
	ProjectID     string         `json:"project_id"`
	RequestedBy   string         `json:"requested_by"`
	Status        ExportStatus   `json:"status"`
	Mode          ExportMode     `json:"mode"`
	LabelPolicy   LabelPolicy    `json:"label_policy"`
	Format        ExportFormat   `json:"format"`
	Filters       ExportFilters  `json:"filters"`
	IncludeFields []string       `json:"include_fields"`
	Manifest      map[string]any `json:"manifest,omitempty"`
	FileURI       string         `json:"file_uri,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	SnapshotAt    int64          `json:"snapshot_at,omitempty"`
	ExpiresAt     int64          `json:"expires_at,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	CompletedAt   int64          `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has finished running. A ready job
// can still move to expired when its artifact is swept.
func (s ExportStatus) Terminal() bool {
	return s == ExportReady || s == ExportFailed || s == ExportExpired
}
