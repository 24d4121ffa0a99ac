package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/platform/database"
)

// PgLinkedStatusUpdater writes the delivery columns of campaign targets and inbox messages.
type PgLinkedStatusUpdater struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgLinkedStatusUpdater(db database.DBTX, logger *slog.Logger) *PgLinkedStatusUpdater {
	return &PgLinkedStatusUpdater{db: db, logger: logger.With("component", "linked_status_updater_pg")}
}

var _ domain.LinkedStatusUpdater = (*PgLinkedStatusUpdater)(nil)

func (u *PgLinkedStatusUpdater) UpdateLinkedStatus(ctx context.Context, link domain.Link, status domain.Status, at time.Time) error {
	var table string
	switch link.Type {
	case domain.LinkCampaignTarget:
		table = "campaign_targets"
	case domain.LinkInboxMessage:
		table = "inbox_messages"
	default:
		return nil
	}

	// Older timestamps never overwrite newer ones, so late propagation is harmless.
	query := fmt.Sprintf(`
		UPDATE %s SET delivery_status = $2, delivery_status_at = $3
		WHERE id = $1 AND (delivery_status_at IS NULL OR delivery_status_at <= $3)`, table)
	tag, err := u.db.Exec(ctx, query, link.ID, string(status), at)
	if err != nil {
		return fmt.Errorf("update %s delivery status: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		u.logger.DebugContext(ctx, "Linked object not updated", "link_type", link.Type, "link_id", link.ID, "status", status)
	}
	return nil
}
