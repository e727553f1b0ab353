package store

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"triagedeck/pkg/domain"
)

// GORM models used for persistence. Timestamps are Unix-epoch
// milliseconds; deleted_at is an explicit nullable column, not the GORM
// soft-delete plugin, because every read path applies the predicate by
// hand.

type OrganizationModel struct {
	ID        string         `gorm:"primaryKey;size:36"`
	Name      string         `gorm:"not null"`
	Policy    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt int64          `gorm:"not null"`
}

func (OrganizationModel) TableName() string { return "organization" }

type OrgMembershipModel struct {
	OrgID  string `gorm:"primaryKey;size:36;column:organization_id"`
	UserID string `gorm:"primaryKey;size:255"`
	Email  string `gorm:"not null"`
	Role   string `gorm:"not null;size:16"`
}

func (OrgMembershipModel) TableName() string { return "organization_membership" }

type ProjectModel struct {
	ID             string         `gorm:"primaryKey;size:36"`
	OrgID          string         `gorm:"not null;index;column:organization_id"`
	Name           string         `gorm:"not null"`
	Slug           string         `gorm:"not null"`
	DecisionSchema datatypes.JSON `gorm:"not null;type:jsonb"`
	Config         datatypes.JSON `gorm:"not null;type:jsonb"`
	CreatedAt      int64          `gorm:"not null"`
	DeletedAt      *int64
}

func (ProjectModel) TableName() string { return "project" }

type ProjectMembershipModel struct {
	ProjectID string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"primaryKey;size:255"`
	Role      string `gorm:"not null;size:16"`
}

func (ProjectMembershipModel) TableName() string { return "project_membership" }

type ItemModel struct {
	ID         string         `gorm:"primaryKey;size:36"`
	ProjectID  string         `gorm:"not null;index:ix_item_project_sort,priority:1"`
	ExternalID string         `gorm:"not null"`
	MediaType  string         `gorm:"not null;size:16"`
	URI        string         `gorm:"not null;type:text;column:uri"`
	SortKey    string         `gorm:"not null;index:ix_item_project_sort,priority:2"`
	Metadata   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  int64          `gorm:"not null"`
	DeletedAt  *int64
}

func (ItemModel) TableName() string { return "item" }

type ItemVariantModel struct {
	ItemID     string         `gorm:"primaryKey;size:36;index:ix_variant_item_sort,priority:1"`
	VariantKey string         `gorm:"primaryKey;size:64"`
	Label      string         `gorm:"not null;size:128"`
	URI        string         `gorm:"not null;type:text;column:uri"`
	SortOrder  int            `gorm:"not null;index:ix_variant_item_sort,priority:2"`
	Metadata   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  int64          `gorm:"not null"`
}

func (ItemVariantModel) TableName() string { return "item_variant" }

type DecisionEventModel struct {
	ID                string `gorm:"primaryKey;size:36"`
	ProjectID         string `gorm:"not null;uniqueIndex:uq_decision_event_idem,priority:1;index:ix_decision_event_key,priority:1"`
	UserID            string `gorm:"not null;size:255;uniqueIndex:uq_decision_event_idem,priority:2;index:ix_decision_event_key,priority:2"`
	EventID           string `gorm:"not null;size:36;uniqueIndex:uq_decision_event_idem,priority:3"`
	ItemID            string `gorm:"not null;size:36;index:ix_decision_event_key,priority:3"`
	DecisionID        string `gorm:"not null;size:64"`
	Note              string `gorm:"not null;size:2000"`
	TsClient          int64  `gorm:"not null"`
	TsClientEffective int64  `gorm:"not null;index:ix_decision_event_key,priority:4"`
	TsServer          int64  `gorm:"not null"`
}

func (DecisionEventModel) TableName() string { return "decision_event" }

type DecisionLatestModel struct {
	ProjectID         string `gorm:"primaryKey;size:36"`
	UserID            string `gorm:"primaryKey;size:255"`
	ItemID            string `gorm:"primaryKey;size:36"`
	EventID           string `gorm:"not null;size:36"`
	DecisionID        string `gorm:"not null;size:64"`
	Note              string `gorm:"not null;size:2000"`
	TsClient          int64  `gorm:"not null"`
	TsClientEffective int64  `gorm:"not null"`
	TsServer          int64  `gorm:"not null;index"`
}

func (DecisionLatestModel) TableName() string { return "decision_latest" }

type ExportJobModel struct {
	ID            string         `gorm:"primaryKey;size:36;index:ix_export_job_list,priority:3,sort:desc"`
	ProjectID     string         `gorm:"not null;index:ix_export_job_list,priority:1"`
	RequestedBy   string         `gorm:"not null;size:255;index;column:requested_by_user_id"`
	Status        string         `gorm:"not null;size:16;index"`
	Mode          string         `gorm:"not null;size:32"`
	LabelPolicy   string         `gorm:"not null;size:32"`
	Format        string         `gorm:"not null;size:16"`
	Filters       datatypes.JSON `gorm:"type:jsonb"`
	IncludeFields datatypes.JSON `gorm:"type:jsonb"`
	Manifest      datatypes.JSON `gorm:"type:jsonb"`
	FileURI       string         `gorm:"type:text"`
	ErrorCode     string         `gorm:"size:64"`
	SnapshotAt    int64
	ExpiresAt     int64
	CreatedAt     int64 `gorm:"not null;index:ix_export_job_list,priority:2,sort:desc"`
	CompletedAt   int64
}

func (ExportJobModel) TableName() string { return "export_job" }

func jsonColumn(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func fromJSONColumn(raw datatypes.JSON, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func projectToModel(p domain.Project) (ProjectModel, error) {
	schema, err := jsonColumn(p.DecisionSchema)
	if err != nil {
		return ProjectModel{}, err
	}
	cfg, err := jsonColumn(p.Config)
	if err != nil {
		return ProjectModel{}, err
	}
	return ProjectModel{
		ID:             p.ID,
		OrgID:          p.OrgID,
		Name:           p.Name,
		Slug:           p.Slug,
		DecisionSchema: schema,
		Config:         cfg,
		CreatedAt:      p.CreatedAt,
		DeletedAt:      p.DeletedAt,
	}, nil
}

func projectFromModel(m ProjectModel) (domain.Project, error) {
	p := domain.Project{
		ID:        m.ID,
		OrgID:     m.OrgID,
		Name:      m.Name,
		Slug:      m.Slug,
		CreatedAt: m.CreatedAt,
		DeletedAt: m.DeletedAt,
	}
	if err := fromJSONColumn(m.DecisionSchema, &p.DecisionSchema); err != nil {
		return domain.Project{}, err
	}
	if err := fromJSONColumn(m.Config, &p.Config); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func itemFromModel(m ItemModel) (domain.Item, error) {
	it := domain.Item{
		ID:         m.ID,
		ProjectID:  m.ProjectID,
		ExternalID: m.ExternalID,
		MediaType:  domain.MediaType(m.MediaType),
		URI:        m.URI,
		SortKey:    m.SortKey,
		CreatedAt:  m.CreatedAt,
		DeletedAt:  m.DeletedAt,
		Variants:   []domain.ItemVariant{},
	}
	if err := fromJSONColumn(m.Metadata, &it.Metadata); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

func variantFromModel(m ItemVariantModel) (domain.ItemVariant, error) {
	v := domain.ItemVariant{
		ItemID:     m.ItemID,
		VariantKey: m.VariantKey,
		Label:      m.Label,
		URI:        m.URI,
		SortOrder:  m.SortOrder,
	}
	if err := fromJSONColumn(m.Metadata, &v.Metadata); err != nil {
		return domain.ItemVariant{}, err
	}
	return v, nil
}

func eventToModel(e domain.DecisionEvent) DecisionEventModel {
	return DecisionEventModel{
		ID:                e.ID,
		ProjectID:         e.ProjectID,
		UserID:            e.UserID,
		EventID:           e.EventID,
		ItemID:            e.ItemID,
		DecisionID:        e.DecisionID,
		Note:              e.Note,
		TsClient:          e.TsClient,
		TsClientEffective: e.TsClientEffective,
		TsServer:          e.TsServer,
	}
}

func latestToModel(l domain.DecisionLatest) DecisionLatestModel {
	return DecisionLatestModel{
		ProjectID:         l.ProjectID,
		UserID:            l.UserID,
		ItemID:            l.ItemID,
		EventID:           l.EventID,
		DecisionID:        l.DecisionID,
		Note:              l.Note,
		TsClient:          l.TsClient,
		TsClientEffective: l.TsClientEffective,
		TsServer:          l.TsServer,
	}
}

func latestFromModel(m DecisionLatestModel) domain.DecisionLatest {
	return domain.DecisionLatest{
		ProjectID:         m.ProjectID,
		UserID:            m.UserID,
		ItemID:            m.ItemID,
		EventID:           m.EventID,
		DecisionID:        m.DecisionID,
		Note:              m.Note,
		TsClient:          m.TsClient,
		TsClientEffective: m.TsClientEffective,
		TsServer:          m.TsServer,
	}
}

func exportJobToModel(j domain.ExportJob) (ExportJobModel, error) {
	filters, err := jsonColumn(j.Filters)
	if err != nil {
		return ExportJobModel{}, err
	}
	fields, err := jsonColumn(j.IncludeFields)
	if err != nil {
		return ExportJobModel{}, err
	}
	manifest, err := jsonColumn(j.Manifest)
	if err != nil {
		return ExportJobModel{}, err
	}
	return ExportJobModel{
		ID:            j.ID,
		ProjectID:     j.ProjectID,
		RequestedBy:   j.RequestedBy,
		Status:        string(j.Status),
		Mode:          string(j.Mode),
		LabelPolicy:   string(j.LabelPolicy),
		Format:        string(j.Format),
		Filters:       filters,
		IncludeFields: fields,
		Manifest:      manifest,
		FileURI:       j.FileURI,
		ErrorCode:     j.ErrorCode,
		SnapshotAt:    j.SnapshotAt,
		ExpiresAt:     j.ExpiresAt,
		CreatedAt:     j.CreatedAt,
		CompletedAt:   j.CompletedAt,
	}, nil
}

func exportJobFromModel(m ExportJobModel) (domain.ExportJob, error) {
	j := domain.ExportJob{
		ID:          m.ID,
		ProjectID:   m.ProjectID,
		RequestedBy: m.RequestedBy,
		Status:      domain.ExportStatus(m.Status),
		Mode:        domain.ExportMode(m.Mode),
		LabelPolicy: domain.LabelPolicy(m.LabelPolicy),
		Format:      domain.ExportFormat(m.Format),
		FileURI:     m.FileURI,
		ErrorCode:   m.ErrorCode,
		SnapshotAt:  m.SnapshotAt,
		ExpiresAt:   m.ExpiresAt,
		CreatedAt:   m.CreatedAt,
		CompletedAt: m.CompletedAt,
	}
	if err := fromJSONColumn(m.Filters, &j.Filters); err != nil {
		return domain.ExportJob{}, err
	}
	if err := fromJSONColumn(m.IncludeFields, &j.IncludeFields); err != nil {
		return domain.ExportJob{}, err
	}
	if err := fromJSONColumn(m.Manifest, &j.Manifest); err != nil {
		return domain.ExportJob{}, err
	}
	return j, nil
}
