package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// AuditRepo implements repository.AuditRepository as an append-only table.
type AuditRepo struct {
	db *DB
}

// NewAuditRepo creates a new audit repository
func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Record appends an audit event.
func (r *AuditRepo) Record(ctx context.Context, event *repository.AuditEvent) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	query := `
		INSERT INTO audit_events (id, actor, action, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		event.ID, event.Actor, event.Action, event.TargetID, metadataJSON, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// Ensure AuditRepo implements the interface
var _ repository.AuditRepository = (*AuditRepo)(nil)
