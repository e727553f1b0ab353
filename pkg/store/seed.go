package store

import (
	"context"
	"fmt"

	"triagedeck/pkg/domain"
)

// Seed populates a demo organization, project, members, and items when
// the database is empty. Development convenience only; a seeded store
// is never touched again.
func (s *GormStore) Seed(ctx context.Context) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&OrganizationModel{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	now := domain.NowMS()
	orgID := domain.NewUUID()
	projectID := domain.NewUUID()

	policy, err := jsonColumn(domain.OrgPolicy{ViewerExportEnabled: false, ReviewerExportVisibility: false})
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&OrganizationModel{
		ID: orgID, Name: "Local Org", Policy: policy, CreatedAt: now,
	}).Error; err != nil {
		return err
	}
	members := []OrgMembershipModel{
		{OrgID: orgID, UserID: "admin@example.com", Email: "admin@example.com", Role: string(domain.RoleAdmin)},
		{OrgID: orgID, UserID: "reviewer@example.com", Email: "reviewer@example.com", Role: string(domain.RoleReviewer)},
		{OrgID: orgID, UserID: "viewer@example.com", Email: "viewer@example.com", Role: string(domain.RoleViewer)},
	}
	if err := s.db.WithContext(ctx).Create(&members).Error; err != nil {
		return err
	}

	project := domain.Project{
		ID:    projectID,
		OrgID: orgID,
		Name:  "Demo Project",
		Slug:  "demo-project",
		DecisionSchema: domain.DecisionSchema{
			Version: 1,
			Choices: []domain.DecisionChoice{
				{ID: "pass", Label: "PASS", Hotkey: "p"},
				{ID: "fail", Label: "FAIL", Hotkey: "f"},
			},
			AllowNotes: true,
		},
		Config: domain.ProjectConfig{
			MediaTypesSupported:   []string{"image", "video", "pdf"},
			VariantsEnabled:       true,
			VariantNavigationMode: "both",
			CompareModeEnabled:    true,
			MaxCompareVariants:    2,
			ExportAllowlist: []string{
				"item_id", "external_id", "decision_id", "note", "ts_server",
				"user_id", "variant_key", "metadata.subject_id", "metadata.session_id",
			},
		},
		CreatedAt: now,
	}
	if err := project.DecisionSchema.Validate(); err != nil {
		return fmt.Errorf("seed schema: %w", err)
	}
	pm, err := projectToModel(project)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&pm).Error; err != nil {
		return err
	}
	memberships := []ProjectMembershipModel{
		{ProjectID: projectID, UserID: "admin@example.com", Role: string(domain.RoleAdmin)},
		{ProjectID: projectID, UserID: "reviewer@example.com", Role: string(domain.RoleReviewer)},
		{ProjectID: projectID, UserID: "viewer@example.com", Role: string(domain.RoleViewer)},
	}
	if err := s.db.WithContext(ctx).Create(&memberships).Error; err != nil {
		return err
	}

	for i := 1; i <= 20; i++ {
		itemID := domain.NewUUID()
		externalID := fmt.Sprintf("img_%04d", i)
		meta, err := jsonColumn(map[string]any{
			"subject_id": fmt.Sprintf("subject-%d", (i%3)+1),
			"session_id": fmt.Sprintf("s-%d", (i%5)+1),
		})
		if err != nil {
			return err
		}
		if err := s.db.WithContext(ctx).Create(&ItemModel{
			ID:         itemID,
			ProjectID:  projectID,
			ExternalID: externalID,
			MediaType:  string(domain.MediaImage),
			URI:        fmt.Sprintf("/media/%s.jpg", externalID),
			SortKey:    fmt.Sprintf("%08d", i),
			Metadata:   meta,
			CreatedAt:  now,
		}).Error; err != nil {
			return err
		}
		empty, err := jsonColumn(map[string]any{})
		if err != nil {
			return err
		}
		variants := []ItemVariantModel{
			{ItemID: itemID, VariantKey: "before", Label: "Before", URI: fmt.Sprintf("/media/%s_before.jpg", externalID), SortOrder: 10, Metadata: empty, CreatedAt: now},
			{ItemID: itemID, VariantKey: "after", Label: "After", URI: fmt.Sprintf("/media/%s_after.jpg", externalID), SortOrder: 20, Metadata: empty, CreatedAt: now},
		}
		if err := s.db.WithContext(ctx).Create(&variants).Error; err != nil {
			return err
		}
	}
	return nil
}
