package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"triagedeck/pkg/domain"
)

// GormStore implements Store using GORM + Postgres (or any compatible
// dialector in tests).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and runs auto-migrations. Postgres
// URLs open the Postgres driver; anything else is treated as a sqlite
// file path for local development.
func NewGormStore(dsn string) (*GormStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return NewGormStoreFrom(postgres.Open(dsn))
	}
	return NewGormStoreFrom(sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")))
}

// NewGormStoreFrom opens the given dialector and runs auto-migrations.
// Tests use this with the pure-Go sqlite driver.
func NewGormStoreFrom(dial gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dial, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(
		&OrganizationModel{},
		&OrgMembershipModel{},
		&ProjectModel{},
		&ProjectMembershipModel{},
		&ItemModel{},
		&ItemVariantModel{},
		&DecisionEventModel{},
		&DecisionLatestModel{},
		&ExportJobModel{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// notDeleted is the shared soft-delete predicate. Every read of
// projects and items goes through it.
func notDeleted(tx *gorm.DB) *gorm.DB {
	return tx.Where("deleted_at IS NULL")
}

// ListProjects returns projects visible to the user: direct project
// membership, or admin membership in the owning organization.
func (s *GormStore) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	var models []ProjectModel
	err := s.db.WithContext(ctx).Scopes(notDeleted).
		Where(
			"id IN (?) OR organization_id IN (?)",
			s.db.Model(&ProjectMembershipModel{}).Select("project_id").Where("user_id = ?", userID),
			s.db.Model(&OrgMembershipModel{}).Select("organization_id").Where("user_id = ? AND role = ?", userID, string(domain.RoleAdmin)),
		).
		Order("name ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Project, 0, len(models))
	for _, m := range models {
		p, err := projectFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// GetProject returns a project unless soft-deleted.
func (s *GormStore) GetProject(ctx context.Context, projectID string) (domain.Project, bool, error) {
	var m ProjectModel
	err := s.db.WithContext(ctx).Scopes(notDeleted).First(&m, "id = ?", projectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Project{}, false, nil
	}
	if err != nil {
		return domain.Project{}, false, err
	}
	p, err := projectFromModel(m)
	if err != nil {
		return domain.Project{}, false, err
	}
	return p, true, nil
}

// RoleIn resolves the caller's role for a project. Project membership
// wins; org admins fall back to admin; anything else is RoleNone.
func (s *GormStore) RoleIn(ctx context.Context, projectID, userID string) (domain.Role, error) {
	var pm ProjectMembershipModel
	err := s.db.WithContext(ctx).
		First(&pm, "project_id = ? AND user_id = ?", projectID, userID).Error
	if err == nil {
		return domain.Role(pm.Role), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.RoleNone, err
	}
	var count int64
	err = s.db.WithContext(ctx).Model(&OrgMembershipModel{}).
		Where("user_id = ? AND role = ?", userID, string(domain.RoleAdmin)).
		Where("organization_id IN (?)", s.db.Model(&ProjectModel{}).Select("organization_id").Where("id = ?", projectID)).
		Count(&count).Error
	if err != nil {
		return domain.RoleNone, err
	}
	if count > 0 {
		return domain.RoleAdmin, nil
	}
	return domain.RoleNone, nil
}

// GetOrgPolicy returns the organization policy toggles.
func (s *GormStore) GetOrgPolicy(ctx context.Context, orgID string) (domain.OrgPolicy, error) {
	var m OrganizationModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.OrgPolicy{}, nil
	}
	if err != nil {
		return domain.OrgPolicy{}, err
	}
	var policy domain.OrgPolicy
	if err := fromJSONColumn(m.Policy, &policy); err != nil {
		return domain.OrgPolicy{}, err
	}
	return policy, nil
}

// ListItems pages items ordered (sort_key ASC, id ASC) with variants
// eagerly loaded in (sort_order ASC, variant_key ASC) order.
func (s *GormStore) ListItems(ctx context.Context, projectID string, after *ItemKey, limit int) ([]domain.Item, error) {
	q := s.db.WithContext(ctx).Scopes(notDeleted).Where("project_id = ?", projectID)
	if after != nil {
		q = q.Where("sort_key > ? OR (sort_key = ? AND id > ?)", after.SortKey, after.SortKey, after.ItemID)
	}
	var models []ItemModel
	if err := q.Order("sort_key ASC, id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Item, 0, len(models))
	ids := make([]string, 0, len(models))
	for _, m := range models {
		it, err := itemFromModel(m)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
		ids = append(ids, it.ID)
	}
	variants, err := s.variantsByItem(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if vs, ok := variants[items[i].ID]; ok {
			items[i].Variants = vs
		}
	}
	return items, nil
}

// GetItem returns a single live item with variants.
func (s *GormStore) GetItem(ctx context.Context, projectID, itemID string) (domain.Item, bool, error) {
	var m ItemModel
	err := s.db.WithContext(ctx).Scopes(notDeleted).
		First(&m, "id = ? AND project_id = ?", itemID, projectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Item{}, false, nil
	}
	if err != nil {
		return domain.Item{}, false, err
	}
	it, err := itemFromModel(m)
	if err != nil {
		return domain.Item{}, false, err
	}
	variants, err := s.variantsByItem(ctx, []string{itemID})
	if err != nil {
		return domain.Item{}, false, err
	}
	if vs, ok := variants[itemID]; ok {
		it.Variants = vs
	}
	return it, true, nil
}

func (s *GormStore) variantsByItem(ctx context.Context, itemIDs []string) (map[string][]domain.ItemVariant, error) {
	out := make(map[string][]domain.ItemVariant, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	var models []ItemVariantModel
	err := s.db.WithContext(ctx).
		Where("item_id IN ?", itemIDs).
		Order("item_id ASC, sort_order ASC, variant_key ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		v, err := variantFromModel(m)
		if err != nil {
			return nil, err
		}
		out[m.ItemID] = append(out[m.ItemID], v)
	}
	return out, nil
}

// ItemsExist reports which of the ids are live items of the project.
func (s *GormStore) ItemsExist(ctx context.Context, projectID string, itemIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&ItemModel{}).Scopes(notDeleted).
		Where("project_id = ? AND id IN ?", projectID, itemIDs).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

const maxTxAttempts = 3

// transientTxError matches deadlocks and serialization aborts, the
// store failures retried in-process (up to maxTxAttempts attempts in
// all) before surfacing a 500.
func transientTxError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "could not serialize access")
}

// ApplyEvent appends the event and recomputes the latest row in one
// transaction, retrying transient conflicts a bounded number of times.
// The unique idempotency index is the single source of truth for
// duplicates; the conditional upsert keeps the projection commutative
// under any arrival order.
func (s *GormStore) ApplyEvent(ctx context.Context, event domain.DecisionEvent) (ApplyOutcome, error) {
	var outcome ApplyOutcome
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		outcome, err = s.applyEventOnce(ctx, event)
		if !transientTxError(err) {
			break
		}
	}
	return outcome, err
}

func (s *GormStore) applyEventOnce(ctx context.Context, event domain.DecisionEvent) (ApplyOutcome, error) {
	outcome := Accepted
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := eventToModel(event)
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				outcome = Duplicate
				return nil
			}
			return fmt.Errorf("append event: %w", err)
		}
		latest := latestToModel(event.Latest())
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "project_id"}, {Name: "user_id"}, {Name: "item_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"event_id", "decision_id", "note", "ts_client", "ts_client_effective", "ts_server",
			}),
			Where: clause.Where{Exprs: []clause.Expression{gorm.Expr(
				"(excluded.ts_client_effective, excluded.ts_server, excluded.event_id) > " +
					"(decision_latest.ts_client_effective, decision_latest.ts_server, decision_latest.event_id)",
			)}},
		}).Create(&latest).Error
		if err != nil {
			return fmt.Errorf("upsert latest: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// ListLatest pages the caller's latest decisions ordered
// (ts_server ASC, item_id ASC).
func (s *GormStore) ListLatest(ctx context.Context, projectID, userID string, after *LatestKey, limit int) ([]domain.DecisionLatest, error) {
	q := s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Where("item_id IN (?)", s.db.Model(&ItemModel{}).Select("id").Where("project_id = ? AND deleted_at IS NULL", projectID))
	if after != nil {
		q = q.Where("ts_server > ? OR (ts_server = ? AND item_id > ?)", after.TsServer, after.TsServer, after.ItemID)
	}
	var models []DecisionLatestModel
	if err := q.Order("ts_server ASC, item_id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DecisionLatest, 0, len(models))
	for _, m := range models {
		out = append(out, latestFromModel(m))
	}
	return out, nil
}

// RebuildLatest replays every decision event of the project through the
// ranking comparator and rewrites the projection. Diagnostic path; the
// result must equal what incremental ingestion produced.
func (s *GormStore) RebuildLatest(ctx context.Context, projectID string) (int, error) {
	rebuilt := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var events []DecisionEventModel
		if err := tx.Where("project_id = ?", projectID).
			Order("ts_client_effective ASC, ts_server ASC, event_id ASC").
			Find(&events).Error; err != nil {
			return err
		}
		type key struct{ user, item string }
		winners := make(map[key]DecisionEventModel, len(events))
		for _, e := range events {
			k := key{e.UserID, e.ItemID}
			cur, ok := winners[k]
			if !ok || domain.CompareRank(
				e.TsClientEffective, e.TsServer, e.EventID,
				cur.TsClientEffective, cur.TsServer, cur.EventID,
			) > 0 {
				winners[k] = e
			}
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&DecisionLatestModel{}).Error; err != nil {
			return err
		}
		rows := make([]DecisionLatestModel, 0, len(winners))
		for _, e := range winners {
			rows = append(rows, DecisionLatestModel{
				ProjectID:         e.ProjectID,
				UserID:            e.UserID,
				ItemID:            e.ItemID,
				EventID:           e.EventID,
				DecisionID:        e.DecisionID,
				Note:              e.Note,
				TsClient:          e.TsClient,
				TsClientEffective: e.TsClientEffective,
				TsServer:          e.TsServer,
			})
		}
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].UserID != rows[j].UserID {
				return rows[i].UserID < rows[j].UserID
			}
			return rows[i].ItemID < rows[j].ItemID
		})
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 500).Error; err != nil {
				return err
			}
		}
		rebuilt = len(rows)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rebuilt, nil
}

// CreateExportJob persists a new queued job.
func (s *GormStore) CreateExportJob(ctx context.Context, job domain.ExportJob) error {
	model, err := exportJobToModel(job)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetExportJob returns a job scoped to its project.
func (s *GormStore) GetExportJob(ctx context.Context, projectID, exportID string) (domain.ExportJob, bool, error) {
	var m ExportJobModel
	err := s.db.WithContext(ctx).First(&m, "id = ? AND project_id = ?", exportID, projectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ExportJob{}, false, nil
	}
	if err != nil {
		return domain.ExportJob{}, false, err
	}
	j, err := exportJobFromModel(m)
	if err != nil {
		return domain.ExportJob{}, false, err
	}
	return j, true, nil
}

// ListExportJobs pages jobs ordered (created_at DESC, id DESC).
func (s *GormStore) ListExportJobs(ctx context.Context, projectID, requester string, after *ExportKey, limit int) ([]domain.ExportJob, error) {
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if requester != "" {
		q = q.Where("requested_by_user_id = ?", requester)
	}
	if after != nil {
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", after.CreatedAt, after.CreatedAt, after.ID)
	}
	var models []ExportJobModel
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ExportJob, 0, len(models))
	for _, m := range models {
		j, err := exportJobFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// CountActiveExports counts queued+running jobs by requester.
func (s *GormStore) CountActiveExports(ctx context.Context, projectID, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ExportJobModel{}).
		Where("project_id = ? AND requested_by_user_id = ? AND status IN ?",
			projectID, userID, []string{string(domain.ExportQueued), string(domain.ExportRunning)}).
		Count(&count).Error
	return count, err
}

// CancelExportJob applies the idempotent cancel transition. Ready jobs
// refuse with ErrExportReady; failed/expired jobs return unchanged.
func (s *GormStore) CancelExportJob(ctx context.Context, projectID, exportID string, now int64) (domain.ExportJob, error) {
	var out domain.ExportJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m ExportJobModel
		err := tx.First(&m, "id = ? AND project_id = ?", exportID, projectID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		switch domain.ExportStatus(m.Status) {
		case domain.ExportReady:
			return ErrExportReady
		case domain.ExportFailed, domain.ExportExpired:
			out, err = exportJobFromModel(m)
			return err
		}
		res := tx.Model(&ExportJobModel{}).
			Where("id = ? AND status IN ?", exportID, []string{string(domain.ExportQueued), string(domain.ExportRunning)}).
			Updates(map[string]any{
				"status":       string(domain.ExportFailed),
				"error_code":   "export_cancelled",
				"completed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if err := tx.First(&m, "id = ?", exportID).Error; err != nil {
			return err
		}
		out, err = exportJobFromModel(m)
		return err
	})
	if err != nil {
		return domain.ExportJob{}, err
	}
	return out, nil
}

// ClaimNextExportJob atomically moves the oldest queued job to running.
func (s *GormStore) ClaimNextExportJob(ctx context.Context, now int64) (domain.ExportJob, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var m ExportJobModel
		err := s.db.WithContext(ctx).
			Where("status = ?", string(domain.ExportQueued)).
			Order("created_at ASC, id ASC").
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ExportJob{}, false, nil
		}
		if err != nil {
			return domain.ExportJob{}, false, err
		}
		job, claimed, err := s.ClaimExportJob(ctx, m.ID, now)
		if err != nil {
			return domain.ExportJob{}, false, err
		}
		if claimed {
			return job, true, nil
		}
		// lost the race; try the next queued job
	}
	return domain.ExportJob{}, false, nil
}

// ClaimExportJob claims one specific queued job.
func (s *GormStore) ClaimExportJob(ctx context.Context, exportID string, now int64) (domain.ExportJob, bool, error) {
	res := s.db.WithContext(ctx).Model(&ExportJobModel{}).
		Where("id = ? AND status = ?", exportID, string(domain.ExportQueued)).
		Updates(map[string]any{
			"status":      string(domain.ExportRunning),
			"snapshot_at": now,
		})
	if res.Error != nil {
		return domain.ExportJob{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ExportJob{}, false, nil
	}
	var m ExportJobModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", exportID).Error; err != nil {
		return domain.ExportJob{}, false, err
	}
	j, err := exportJobFromModel(m)
	if err != nil {
		return domain.ExportJob{}, false, err
	}
	return j, true, nil
}

// CompleteExportJob publishes a running job as ready. Returns
// ErrStaleJob when the job left running (cancelled) in the meantime;
// the caller must then discard the artifact it wrote.
func (s *GormStore) CompleteExportJob(ctx context.Context, exportID string, manifest map[string]any, fileURI string, completedAt, expiresAt int64) error {
	manifestJSON, err := jsonColumn(manifest)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&ExportJobModel{}).
		Where("id = ? AND status = ?", exportID, string(domain.ExportRunning)).
		Updates(map[string]any{
			"status":       string(domain.ExportReady),
			"manifest":     manifestJSON,
			"file_uri":     fileURI,
			"completed_at": completedAt,
			"expires_at":   expiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleJob
	}
	return nil
}

// FailExportJob marks a running job failed with a coarse error code.
// A job that already left running (e.g. cancelled) is left untouched.
func (s *GormStore) FailExportJob(ctx context.Context, exportID, errorCode string, completedAt int64) error {
	return s.db.WithContext(ctx).Model(&ExportJobModel{}).
		Where("id = ? AND status = ?", exportID, string(domain.ExportRunning)).
		Updates(map[string]any{
			"status":       string(domain.ExportFailed),
			"error_code":   errorCode,
			"completed_at": completedAt,
		}).Error
}

// GetExportStatus is the worker's cheap cancellation probe.
func (s *GormStore) GetExportStatus(ctx context.Context, exportID string) (domain.ExportStatus, error) {
	var m ExportJobModel
	err := s.db.WithContext(ctx).Select("id", "status").First(&m, "id = ?", exportID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.ExportStatus(m.Status), nil
}

// ExpireReadyJobs transitions ready jobs past their TTL to expired and
// returns them so the sweeper can delete their artifacts.
func (s *GormStore) ExpireReadyJobs(ctx context.Context, now int64) ([]domain.ExportJob, error) {
	var out []domain.ExportJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []ExportJobModel
		if err := tx.
			Where("status = ? AND expires_at > 0 AND expires_at < ?", string(domain.ExportReady), now).
			Order("expires_at ASC, id ASC").
			Find(&models).Error; err != nil {
			return err
		}
		for _, m := range models {
			res := tx.Model(&ExportJobModel{}).
				Where("id = ? AND status = ?", m.ID, string(domain.ExportReady)).
				Update("status", string(domain.ExportExpired))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			m.Status = string(domain.ExportExpired)
			j, err := exportJobFromModel(m)
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type snapshotRowModel struct {
	ItemID            string
	ExternalID        string
	MediaType         string
	URI               string
	SortKey           string
	ItemMetadata      datatypes.JSON
	UserID            string
	EventID           string
	DecisionID        string
	Note              string
	TsClient          int64
	TsClientEffective int64
	TsServer          int64
}

// SnapshotRows reads the export selection: latest decisions joined to
// live items, plus bare unlabeled items when the mode asks for them.
// Rows come back in the deterministic serialization order
// (ts_server ASC, item_id ASC, user_id ASC).
func (s *GormStore) SnapshotRows(ctx context.Context, projectID string, mode domain.ExportMode, filters domain.ExportFilters) ([]ExportRow, error) {
	q := s.db.WithContext(ctx).Table("decision_latest AS dl").
		Select("dl.item_id, item.external_id, item.media_type, item.uri, item.sort_key, " +
			"item.metadata AS item_metadata, dl.user_id, dl.event_id, dl.decision_id, dl.note, " +
			"dl.ts_client, dl.ts_client_effective, dl.ts_server").
		Joins("JOIN item ON item.id = dl.item_id AND item.deleted_at IS NULL").
		Where("dl.project_id = ?", projectID)
	if len(filters.DecisionIDs) > 0 {
		q = q.Where("dl.decision_id IN ?", filters.DecisionIDs)
	}
	if len(filters.UserIDs) > 0 {
		q = q.Where("dl.user_id IN ?", filters.UserIDs)
	}
	if filters.FromTs != nil {
		q = q.Where("dl.ts_server >= ?", *filters.FromTs)
	}
	if filters.ToTs != nil {
		q = q.Where("dl.ts_server <= ?", *filters.ToTs)
	}
	var labeled []snapshotRowModel
	if err := q.Scan(&labeled).Error; err != nil {
		return nil, err
	}

	rows := make([]ExportRow, 0, len(labeled))
	for _, m := range labeled {
		row, err := snapshotRow(m, true)
		if err != nil {
			return nil, err
		}
		if !metadataMatches(row.ItemMetadata, filters.Metadata) {
			continue
		}
		rows = append(rows, row)
	}

	if mode == domain.ModeLabelsPlusUnlabeled {
		labeledSet := s.db.Model(&DecisionLatestModel{}).Select("item_id").Where("project_id = ?", projectID)
		if len(filters.UserIDs) > 0 {
			labeledSet = labeledSet.Where("user_id IN ?", filters.UserIDs)
		}
		var bare []ItemModel
		err := s.db.WithContext(ctx).Scopes(notDeleted).
			Where("project_id = ?", projectID).
			Where("id NOT IN (?)", labeledSet).
			Find(&bare).Error
		if err != nil {
			return nil, err
		}
		for _, m := range bare {
			it, err := itemFromModel(m)
			if err != nil {
				return nil, err
			}
			if !metadataMatches(it.Metadata, filters.Metadata) {
				continue
			}
			rows = append(rows, ExportRow{
				ItemID:       it.ID,
				ExternalID:   it.ExternalID,
				MediaType:    string(it.MediaType),
				URI:          it.URI,
				SortKey:      it.SortKey,
				ItemMetadata: it.Metadata,
			})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].TsServer != rows[j].TsServer {
			return rows[i].TsServer < rows[j].TsServer
		}
		if rows[i].ItemID != rows[j].ItemID {
			return rows[i].ItemID < rows[j].ItemID
		}
		return rows[i].UserID < rows[j].UserID
	})
	return rows, nil
}

func snapshotRow(m snapshotRowModel, hasDecision bool) (ExportRow, error) {
	row := ExportRow{
		ItemID:            m.ItemID,
		ExternalID:        m.ExternalID,
		MediaType:         m.MediaType,
		URI:               m.URI,
		SortKey:           m.SortKey,
		UserID:            m.UserID,
		EventID:           m.EventID,
		DecisionID:        m.DecisionID,
		Note:              m.Note,
		TsClient:          m.TsClient,
		TsClientEffective: m.TsClientEffective,
		TsServer:          m.TsServer,
		HasDecision:       hasDecision,
	}
	if err := fromJSONColumn(m.ItemMetadata, &row.ItemMetadata); err != nil {
		return ExportRow{}, err
	}
	return row, nil
}

// metadataMatches applies equality filters against item metadata.
// Filter keys may carry the "metadata." prefix used by include_fields.
func metadataMatches(meta map[string]any, filters map[string]string) bool {
	for key, want := range filters {
		key = strings.TrimPrefix(key, "metadata.")
		got, ok := meta[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}
