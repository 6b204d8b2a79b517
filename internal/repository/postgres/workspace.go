package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// WorkspaceRepo implements repository.WorkspaceRepository
type WorkspaceRepo struct {
	db *DB
}

// NewWorkspaceRepo creates a new workspace repository
func NewWorkspaceRepo(db *DB) *WorkspaceRepo {
	return &WorkspaceRepo{db: db}
}

// Create creates a new workspace. The (owner_user_id, name) pair is unique;
// a collision surfaces as repository.ErrDuplicate.
func (r *WorkspaceRepo) Create(ctx context.Context, ws *repository.Workspace) error {
	ws.FTSLanguage = repository.NormalizeFTSLanguage(ws.FTSLanguage)

	query := `
		INSERT INTO workspaces (id, name, owner_user_id, visibility, fts_language, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		ws.ID, ws.Name, ws.OwnerUserID, ws.Visibility, ws.FTSLanguage, ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

// GetByID retrieves a workspace by ID
func (r *WorkspaceRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Workspace, error) {
	query := `
		SELECT id, name, owner_user_id, visibility, fts_language, archived_at, created_at, updated_at
		FROM workspaces
		WHERE id = $1
	`
	var ws repository.Workspace
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&ws.ID, &ws.Name, &ws.OwnerUserID, &ws.Visibility, &ws.FTSLanguage,
		&ws.ArchivedAt, &ws.CreatedAt, &ws.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	ws.FTSLanguage = repository.NormalizeFTSLanguage(ws.FTSLanguage)
	return &ws, nil
}

// ListByOwner retrieves workspaces owned by a user with pagination
func (r *WorkspaceRepo) ListByOwner(ctx context.Context, ownerUserID string, limit, offset int) ([]*repository.Workspace, error) {
	query := `
		SELECT id, name, owner_user_id, visibility, fts_language, archived_at, created_at, updated_at
		FROM workspaces
		WHERE owner_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, ownerUserID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*repository.Workspace
	for rows.Next() {
		var ws repository.Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.OwnerUserID, &ws.Visibility,
			&ws.FTSLanguage, &ws.ArchivedAt, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, &ws)
	}
	return workspaces, rows.Err()
}

// Update updates workspace name, visibility and FTS language. Ownership is
// immutable.
func (r *WorkspaceRepo) Update(ctx context.Context, ws *repository.Workspace) error {
	ws.FTSLanguage = repository.NormalizeFTSLanguage(ws.FTSLanguage)

	query := `
		UPDATE workspaces
		SET name = $2, visibility = $3, fts_language = $4, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, ws.ID, ws.Name, ws.Visibility, ws.FTSLanguage)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to update workspace: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Archive marks a workspace read-only. Archiving twice is a no-op.
func (r *WorkspaceRepo) Archive(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE workspaces SET archived_at = COALESCE(archived_at, NOW()), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to archive workspace: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GrantACL adds or updates a user's role on a workspace.
func (r *WorkspaceRepo) GrantACL(ctx context.Context, entry *repository.ACLEntry) error {
	query := `
		INSERT INTO workspace_acl (workspace_id, user_id, role, granted_by, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET role = EXCLUDED.role, granted_by = EXCLUDED.granted_by
	`
	_, err := r.db.Pool.Exec(ctx, query, entry.WorkspaceID, entry.UserID, entry.Role, entry.GrantedBy)
	if err != nil {
		return fmt.Errorf("failed to grant acl: %w", err)
	}
	return nil
}

// RevokeACL removes a user's access from a workspace.
func (r *WorkspaceRepo) RevokeACL(ctx context.Context, workspaceID uuid.UUID, userID string) error {
	result, err := r.db.Pool.Exec(ctx, `
		DELETE FROM workspace_acl WHERE workspace_id = $1 AND user_id = $2
	`, workspaceID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke acl: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListACL lists the ACL entries of a workspace.
func (r *WorkspaceRepo) ListACL(ctx context.Context, workspaceID uuid.UUID) ([]*repository.ACLEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT workspace_id, user_id, role, granted_by, created_at
		FROM workspace_acl
		WHERE workspace_id = $1
		ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list acl: %w", err)
	}
	defer rows.Close()

	var entries []*repository.ACLEntry
	for rows.Next() {
		var entry repository.ACLEntry
		if err := rows.Scan(&entry.WorkspaceID, &entry.UserID, &entry.Role, &entry.GrantedBy, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan acl entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Ensure WorkspaceRepo implements the interface
var _ repository.WorkspaceRepository = (*WorkspaceRepo)(nil)
