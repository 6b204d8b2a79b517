// Package policy implements the workspace access rules. All functions are
// pure: they inspect the workspace, the acting principal and the ACL, and
// never touch storage.
package policy

import (
	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// CanRead reports whether the actor may read the workspace and its
// documents. Admins and owners always can; otherwise visibility decides,
// with SHARED requiring ACL membership.
func CanRead(ws *repository.Workspace, actor repository.Actor, acl []*repository.ACLEntry) bool {
	if ws == nil {
		return false
	}
	if isAdminOrOwner(ws, actor) {
		return true
	}
	if actor.UserID == "" && actor.Role != repository.RoleService {
		return false
	}

	switch ws.Visibility {
	case repository.VisibilityPrivate:
		return false
	case repository.VisibilityOrgRead:
		return true
	case repository.VisibilityShared:
		if actor.Role == repository.RoleService {
			// Service principals skip per-user ACL but not visibility.
			return true
		}
		return inACL(acl, actor.UserID)
	default:
		return false
	}
}

// CanWrite reports whether the actor may create or modify documents in the
// workspace. Archived workspaces reject all writes.
func CanWrite(ws *repository.Workspace, actor repository.Actor) bool {
	if ws == nil || ws.Archived() {
		return false
	}
	return isAdminOrOwner(ws, actor)
}

// CanManageACL reports whether the actor may grant or revoke workspace
// access.
func CanManageACL(ws *repository.Workspace, actor repository.Actor) bool {
	if ws == nil {
		return false
	}
	return isAdminOrOwner(ws, actor)
}

func isAdminOrOwner(ws *repository.Workspace, actor repository.Actor) bool {
	if actor.Role == repository.RoleAdmin {
		return true
	}
	return actor.UserID != "" && actor.UserID == ws.OwnerUserID
}

func inACL(acl []*repository.ACLEntry, userID string) bool {
	if userID == "" {
		return false
	}
	for _, entry := range acl {
		if entry != nil && entry.UserID == userID {
			return true
		}
	}
	return false
}
