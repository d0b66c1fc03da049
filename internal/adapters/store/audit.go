package store

import (
	"context"
	"database/sql"

	"github.com/dkeye/Chorus/internal/domain"
)

func insertAudit(ctx context.Context, tx *sql.Tx, entry *domain.AuditEntry) error {
	var actor any
	if entry.ActorID != nil {
		actor = entry.ActorID.String()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, server_id, actor_user_id, action, target_type, target_id, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ServerID.String(), actor, entry.Action,
		entry.TargetType, entry.TargetID, entry.Context, timeToMS(entry.CreatedAt))
	return err
}

// RecordAudit appends a standalone audit entry outside any other operation.
func (s *Store) RecordAudit(ctx context.Context, entry *domain.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertAudit(ctx, tx, entry)
	})
}
