// Package authz evaluates the project role matrix. Membership lookup
// lives in the store; this package only answers "may this role do that"
// given the organization policy, so policy toggles never leak into
// handler code as ad-hoc branches.
package authz

import "triagedeck/pkg/domain"

// CanRead covers projects, items, config, and own decisions.
func CanRead(role domain.Role) bool {
	switch role {
	case domain.RoleAdmin, domain.RoleReviewer, domain.RoleViewer:
		return true
	}
	return false
}

// CanWriteEvents covers decision event ingestion.
func CanWriteEvents(role domain.Role) bool {
	return role == domain.RoleAdmin || role == domain.RoleReviewer
}

// CanCreateExport covers export job admission. Viewers are gated by the
// organization policy toggle.
func CanCreateExport(role domain.Role, policy domain.OrgPolicy) bool {
	switch role {
	case domain.RoleAdmin, domain.RoleReviewer:
		return true
	case domain.RoleViewer:
		return policy.ViewerExportEnabled
	}
	return false
}

// CanReadExport covers reading one export job. Requesters always see
// their own; admins see all; reviewers see others' only when the org
// policy opens visibility.
func CanReadExport(role domain.Role, policy domain.OrgPolicy, requester, callerID string) bool {
	if !CanRead(role) {
		return false
	}
	if requester == callerID {
		return true
	}
	if role == domain.RoleAdmin {
		return true
	}
	if role == domain.RoleReviewer {
		return policy.ReviewerExportVisibility
	}
	return false
}

// CanCancelExport covers the DELETE transition on a caller-visible job.
// Anyone allowed to create exports may cancel their own; admins may
// cancel any.
func CanCancelExport(role domain.Role, policy domain.OrgPolicy, requester, callerID string) bool {
	if role == domain.RoleAdmin {
		return true
	}
	return requester == callerID && CanCreateExport(role, policy)
}
