package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/platform/database"
)

type PgBlockedRecipientRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgBlockedRecipientRepository(db database.DBTX, logger *slog.Logger) *PgBlockedRecipientRepository {
	return &PgBlockedRecipientRepository{db: db, logger: logger.With("component", "blocked_recipient_repository_pg")}
}

var _ domain.BlockedRecipientSource = (*PgBlockedRecipientRepository)(nil)

// LoadBlockedRecipients reads the whole rule set. Global rows (tenant_id IS NULL) are keyed "*|recipient".
// The version combines the highest row id with the row count, so inserts and deletes both change it.
func (r *PgBlockedRecipientRepository) LoadBlockedRecipients(ctx context.Context) (map[string]string, int64, error) {
	rows, err := r.db.Query(ctx, `SELECT id, COALESCE(tenant_id, '*'), recipient, COALESCE(reason, '') FROM blocked_recipients`)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to load blocked recipients", "error", err)
		return nil, 0, fmt.Errorf("load blocked recipients: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	var version int64
	for rows.Next() {
		var (
			id                          int64
			tenantID, recipient, reason string
		)
		if err := rows.Scan(&id, &tenantID, &recipient, &reason); err != nil {
			return nil, 0, fmt.Errorf("scan blocked recipient: %w", err)
		}
		entries[tenantID+"|"+recipient] = reason
		if id > version {
			version = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	version += int64(len(entries)) << 32
	r.logger.DebugContext(ctx, "Loaded blocked recipients", "count", len(entries), "version", version)
	return entries, version, nil
}
