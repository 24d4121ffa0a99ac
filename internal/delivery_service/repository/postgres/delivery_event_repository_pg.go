package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/platform/database"
)

const deliveryEventColumns = `id, provider, provider_event_id, idempotency_key, message_record_id, provider_message_id,
	event_type, event_timestamp, received_at, recipient, error_code, error_message, raw_payload,
	status_before, status_after, is_out_of_order, process_result, ignore_reason, reconciled_from_event_id`

const insertDeliveryEvent = `
	INSERT INTO delivery_events (` + deliveryEventColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

type pgDeliveryEventRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

// NewPgDeliveryEventRepository creates the Postgres-backed DeliveryEventRepository.
func NewPgDeliveryEventRepository(db database.DBTX, logger *slog.Logger) domain.DeliveryEventRepository {
	return &pgDeliveryEventRepository{db: db, logger: logger.With("component", "delivery_event_repository_pg")}
}

func statusOrNil(s domain.Status) *string {
	return nullable(string(s))
}

func insertArgs(e *domain.DeliveryEvent) []any {
	var raw []byte
	if len(e.RawPayload) > 0 {
		raw = []byte(e.RawPayload)
	}
	return []any{
		e.ID, e.Provider, nullable(e.ProviderEventID), e.IdempotencyKey, e.MessageRecordID, e.ProviderMessageID,
		string(e.EventType), e.EventTimestamp, e.ReceivedAt, nullable(e.Recipient), nullable(e.ErrorCode), nullable(e.ErrorMessage), raw,
		statusOrNil(e.StatusBefore), statusOrNil(e.StatusAfter), e.IsOutOfOrder, string(e.ProcessResult), nullable(e.IgnoreReason), e.ReconciledFromEventID,
	}
}

// timestampColumn is the record column stamped when a transition lands on status.
func timestampColumn(status domain.Status) string {
	switch status {
	case domain.StatusSent:
		return "sent_at"
	case domain.StatusDelivered:
		return "delivered_at"
	case domain.StatusRead:
		return "read_at"
	case domain.StatusFailed:
		return "failed_at"
	}
	return ""
}

func (r *pgDeliveryEventRepository) Append(ctx context.Context, evt *domain.DeliveryEvent, decide domain.DecideFunc) (*domain.AppendResult, error) {
	var result *domain.AppendResult
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		rec, err := scanMessageRecord(tx.QueryRow(ctx,
			`SELECT `+messageRecordColumns+` FROM message_records WHERE provider_name = $1 AND provider_message_id = $2 FOR UPDATE`,
			evt.Provider, evt.ProviderMessageID))
		if err != nil && !errors.Is(err, domain.ErrMessageRecordNotFound) {
			return fmt.Errorf("lock message record: %w", err)
		}

		d := decide(rec)
		if d.Discard {
			result = &domain.AppendResult{Event: evt}
			return nil
		}

		evt.ProcessResult = d.Result
		evt.IgnoreReason = d.IgnoreReason
		evt.IsOutOfOrder = d.IsOutOfOrder
		if rec != nil {
			id := rec.ID
			evt.MessageRecordID = &id
			evt.StatusBefore = rec.Status
			evt.StatusAfter = rec.Status

			if d.ApplyStatus {
				set := "status = $2, updated_at = $4"
				if col := timestampColumn(d.NewStatus); col != "" {
					set = fmt.Sprintf("status = $2, %[1]s = COALESCE(%[1]s, $3), updated_at = $4", col)
				}
				updated, err := scanMessageRecord(tx.QueryRow(ctx,
					`UPDATE message_records SET `+set+` WHERE id = $1 RETURNING `+messageRecordColumns,
					rec.ID, string(d.NewStatus), evt.EventTimestamp, evt.ReceivedAt))
				if err != nil {
					return fmt.Errorf("apply transition: %w", err)
				}
				rec = updated
				evt.StatusAfter = rec.Status
			}
		}

		if _, err := tx.Exec(ctx, insertDeliveryEvent, insertArgs(evt)...); err != nil {
			if database.IsUniqueViolation(err, "") {
				return domain.ErrDuplicateEvent
			}
			return fmt.Errorf("insert delivery event: %w", err)
		}
		result = &domain.AppendResult{Event: evt, Record: rec, Inserted: true}
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrDuplicateEvent) {
			r.logger.ErrorContext(ctx, "Failed to append delivery event",
				"idempotency_key", evt.IdempotencyKey, "provider", evt.Provider, "error", err)
		}
		return nil, err
	}
	return result, nil
}

func (r *pgDeliveryEventRepository) InsertDuplicate(ctx context.Context, evt *domain.DeliveryEvent) error {
	evt.ProcessResult = domain.ResultDuplicate
	evt.IgnoreReason = domain.ReasonDuplicate
	if _, err := r.db.Exec(ctx, insertDeliveryEvent, insertArgs(evt)...); err != nil {
		return fmt.Errorf("insert duplicate delivery event: %w", err)
	}
	return nil
}

func (r *pgDeliveryEventRepository) ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM delivery_events
			WHERE idempotency_key = $1 AND process_result <> 'duplicate' AND reconciled_from_event_id IS NULL
		)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check delivery event key: %w", err)
	}
	return exists, nil
}

func (r *pgDeliveryEventRepository) ListUnreconciledOrphans(ctx context.Context, since time.Time, limit int) ([]*domain.DeliveryEvent, error) {
	query := `
		SELECT ` + deliveryEventColumns + `
		FROM delivery_events o
		WHERE o.process_result = 'stored_orphan'
		  AND o.reconciled_from_event_id IS NULL
		  AND o.received_at >= $1
		  AND NOT EXISTS (SELECT 1 FROM delivery_events f WHERE f.reconciled_from_event_id = o.id)
		ORDER BY o.event_timestamp, o.received_at
		LIMIT $2`
	return r.queryEvents(ctx, query, since, limit)
}

func (r *pgDeliveryEventRepository) ListByMessageRecord(ctx context.Context, recordID uuid.UUID) ([]*domain.DeliveryEvent, error) {
	query := `SELECT ` + deliveryEventColumns + ` FROM delivery_events WHERE message_record_id = $1 ORDER BY received_at`
	return r.queryEvents(ctx, query, recordID)
}

type deliveryEventRow struct {
	ID                    uuid.UUID
	Provider              string
	ProviderEventID       *string
	IdempotencyKey        string
	MessageRecordID       *uuid.UUID
	ProviderMessageID     string
	EventType             string
	EventTimestamp        time.Time
	ReceivedAt            time.Time
	Recipient             *string
	ErrorCode             *string
	ErrorMessage          *string
	RawPayload            []byte
	StatusBefore          *string
	StatusAfter           *string
	IsOutOfOrder          bool
	ProcessResult         string
	IgnoreReason          *string
	ReconciledFromEventID *uuid.UUID
}

func (e *deliveryEventRow) dest() []any {
	return []any{
		&e.ID, &e.Provider, &e.ProviderEventID, &e.IdempotencyKey, &e.MessageRecordID, &e.ProviderMessageID,
		&e.EventType, &e.EventTimestamp, &e.ReceivedAt, &e.Recipient, &e.ErrorCode, &e.ErrorMessage, &e.RawPayload,
		&e.StatusBefore, &e.StatusAfter, &e.IsOutOfOrder, &e.ProcessResult, &e.IgnoreReason, &e.ReconciledFromEventID,
	}
}

func (e *deliveryEventRow) toDomain() *domain.DeliveryEvent {
	return &domain.DeliveryEvent{
		ID:                    e.ID,
		Provider:              e.Provider,
		ProviderEventID:       deref(e.ProviderEventID),
		IdempotencyKey:        e.IdempotencyKey,
		MessageRecordID:       e.MessageRecordID,
		ProviderMessageID:     e.ProviderMessageID,
		EventType:             domain.EventType(e.EventType),
		EventTimestamp:        e.EventTimestamp,
		ReceivedAt:            e.ReceivedAt,
		Recipient:             deref(e.Recipient),
		ErrorCode:             deref(e.ErrorCode),
		ErrorMessage:          deref(e.ErrorMessage),
		RawPayload:            e.RawPayload,
		StatusBefore:          domain.Status(deref(e.StatusBefore)),
		StatusAfter:           domain.Status(deref(e.StatusAfter)),
		IsOutOfOrder:          e.IsOutOfOrder,
		ProcessResult:         domain.ProcessResult(e.ProcessResult),
		IgnoreReason:          deref(e.IgnoreReason),
		ReconciledFromEventID: e.ReconciledFromEventID,
	}
}

func (r *pgDeliveryEventRepository) queryEvents(ctx context.Context, query string, args ...any) ([]*domain.DeliveryEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery events: %w", err)
	}
	defer rows.Close()

	var events []*domain.DeliveryEvent
	for rows.Next() {
		var row deliveryEventRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scan delivery event: %w", err)
		}
		events = append(events, row.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
