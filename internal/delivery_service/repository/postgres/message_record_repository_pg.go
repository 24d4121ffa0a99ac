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

const messageRecordColumns = `id, idempotency_key, tenant_id, recipient, message_type, content, content_hash,
	link_type, link_id, status, status_detail, provider_name, provider_message_id,
	error_code, error_message, error_category, retryable, retry_count, max_retries, retry_after,
	processing_claim_id, processing_claimed_at, quota_consumed, quota_idempotency_key, quota_cost,
	sent_at, delivered_at, read_at, failed_at, created_at, updated_at`

type pgMessageRecordRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

// NewPgMessageRecordRepository creates the Postgres-backed MessageRecordRepository.
func NewPgMessageRecordRepository(db database.DBTX, logger *slog.Logger) domain.MessageRecordRepository {
	return &pgMessageRecordRepository{db: db, logger: logger.With("component", "message_record_repository_pg")}
}

// messageRecordRow mirrors the column list with scan-friendly types.
type messageRecordRow struct {
	ID                  uuid.UUID
	IdempotencyKey      string
	TenantID            string
	Recipient           string
	MessageType         string
	Content             string
	ContentHash         string
	LinkType            string
	LinkID              *string
	Status              string
	StatusDetail        *string
	ProviderName        string
	ProviderMessageID   *string
	ErrorCode           *string
	ErrorMessage        *string
	ErrorCategory       *string
	Retryable           bool
	RetryCount          int
	MaxRetries          int
	RetryAfter          *time.Time
	ProcessingClaimID   *uuid.UUID
	ProcessingClaimedAt *time.Time
	QuotaConsumed       bool
	QuotaIdempotencyKey string
	QuotaCost           int64
	SentAt              *time.Time
	DeliveredAt         *time.Time
	ReadAt              *time.Time
	FailedAt            *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (r *messageRecordRow) dest() []any {
	return []any{
		&r.ID, &r.IdempotencyKey, &r.TenantID, &r.Recipient, &r.MessageType, &r.Content, &r.ContentHash,
		&r.LinkType, &r.LinkID, &r.Status, &r.StatusDetail, &r.ProviderName, &r.ProviderMessageID,
		&r.ErrorCode, &r.ErrorMessage, &r.ErrorCategory, &r.Retryable, &r.RetryCount, &r.MaxRetries, &r.RetryAfter,
		&r.ProcessingClaimID, &r.ProcessingClaimedAt, &r.QuotaConsumed, &r.QuotaIdempotencyKey, &r.QuotaCost,
		&r.SentAt, &r.DeliveredAt, &r.ReadAt, &r.FailedAt, &r.CreatedAt, &r.UpdatedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *messageRecordRow) toDomain() *domain.MessageRecord {
	return &domain.MessageRecord{
		ID:                  r.ID,
		IdempotencyKey:      r.IdempotencyKey,
		TenantID:            r.TenantID,
		Recipient:           r.Recipient,
		MessageType:         r.MessageType,
		Content:             r.Content,
		ContentHash:         r.ContentHash,
		Link:                domain.Link{Type: domain.LinkType(r.LinkType), ID: deref(r.LinkID)},
		Status:              domain.Status(r.Status),
		StatusDetail:        deref(r.StatusDetail),
		ProviderName:        r.ProviderName,
		ProviderMessageID:   deref(r.ProviderMessageID),
		ErrorCode:           deref(r.ErrorCode),
		ErrorMessage:        deref(r.ErrorMessage),
		ErrorCategory:       domain.ErrorCategory(deref(r.ErrorCategory)),
		Retryable:           r.Retryable,
		RetryCount:          r.RetryCount,
		MaxRetries:          r.MaxRetries,
		RetryAfter:          r.RetryAfter,
		ProcessingClaimID:   r.ProcessingClaimID,
		ProcessingClaimedAt: r.ProcessingClaimedAt,
		QuotaConsumed:       r.QuotaConsumed,
		QuotaIdempotencyKey: r.QuotaIdempotencyKey,
		QuotaCost:           r.QuotaCost,
		SentAt:              r.SentAt,
		DeliveredAt:         r.DeliveredAt,
		ReadAt:              r.ReadAt,
		FailedAt:            r.FailedAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func scanMessageRecord(row pgx.Row) (*domain.MessageRecord, error) {
	var r messageRecordRow
	if err := row.Scan(r.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageRecordNotFound
		}
		return nil, err
	}
	return r.toDomain(), nil
}

// FindOrCreate relies on the unique idempotency_key: the loser of a concurrent insert
// gets no row back from RETURNING and reads the winner's row instead.
func (r *pgMessageRecordRepository) FindOrCreate(ctx context.Context, rec *domain.MessageRecord) (*domain.MessageRecord, bool, error) {
	query := `
		INSERT INTO message_records (id, idempotency_key, tenant_id, recipient, message_type, content, content_hash,
		                             link_type, link_id, status, provider_name, max_retries,
		                             quota_idempotency_key, quota_cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + messageRecordColumns

	stored, err := scanMessageRecord(r.db.QueryRow(ctx, query,
		rec.ID, rec.IdempotencyKey, rec.TenantID, rec.Recipient, rec.MessageType, rec.Content, rec.ContentHash,
		string(rec.Link.Type), nullable(rec.Link.ID), string(rec.Status), rec.ProviderName, rec.MaxRetries,
		rec.QuotaIdempotencyKey, rec.QuotaCost, rec.CreatedAt, rec.UpdatedAt,
	))
	if err == nil {
		r.logger.DebugContext(ctx, "Message record created", "idempotency_key", rec.IdempotencyKey, "message_record_id", stored.ID)
		return stored, true, nil
	}
	if !errors.Is(err, domain.ErrMessageRecordNotFound) {
		r.logger.ErrorContext(ctx, "Failed to insert message record", "idempotency_key", rec.IdempotencyKey, "error", err)
		return nil, false, fmt.Errorf("insert message record: %w", err)
	}

	existing, err := r.GetByIdempotencyKey(ctx, rec.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("load existing message record: %w", err)
	}
	return existing, false, nil
}

func (r *pgMessageRecordRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.MessageRecord, error) {
	query := `SELECT ` + messageRecordColumns + ` FROM message_records WHERE id = $1`
	return scanMessageRecord(r.db.QueryRow(ctx, query, id))
}

func (r *pgMessageRecordRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.MessageRecord, error) {
	query := `SELECT ` + messageRecordColumns + ` FROM message_records WHERE idempotency_key = $1`
	return scanMessageRecord(r.db.QueryRow(ctx, query, key))
}

func (r *pgMessageRecordRepository) GetByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*domain.MessageRecord, error) {
	query := `SELECT ` + messageRecordColumns + ` FROM message_records WHERE provider_name = $1 AND provider_message_id = $2`
	return scanMessageRecord(r.db.QueryRow(ctx, query, provider, providerMessageID))
}

func (r *pgMessageRecordRepository) Claim(ctx context.Context, id, claimID uuid.UUID, now, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE message_records
		SET status = 'sending', processing_claim_id = $2, processing_claimed_at = $3, updated_at = $3
		WHERE id = $1
		  AND (status = 'pending'
		       OR (status = 'failed' AND retryable AND retry_count < max_retries)
		       OR (status = 'sending' AND (processing_claimed_at IS NULL OR processing_claimed_at < $4)))`
	tag, err := r.db.Exec(ctx, query, id, claimID, now, staleBefore)
	if err != nil {
		r.logger.ErrorContext(ctx, "Claim update failed", "message_record_id", id, "error", err)
		return false, fmt.Errorf("claim message record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSent runs under the row lock so it cannot interleave with an ingestion transaction
// that is moving the same record.
func (r *pgMessageRecordRepository) MarkSent(ctx context.Context, id, claimID uuid.UUID, providerName, providerMessageID string, sentAt time.Time) (*domain.MessageRecord, bool, error) {
	var (
		result  *domain.MessageRecord
		applied bool
	)
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM message_records WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrMessageRecordNotFound
			}
			return err
		}
		if domain.Status(status).IsTerminalSuccess() {
			r.logger.WarnContext(ctx, "Record already terminal at send finalization",
				"message_record_id", id, "status", status, "claim_id", claimID)
			rec, err := scanMessageRecord(tx.QueryRow(ctx, `SELECT `+messageRecordColumns+` FROM message_records WHERE id = $1`, id))
			result = rec
			return err
		}

		query := `
			UPDATE message_records
			SET status = 'sent', provider_name = $2, provider_message_id = $3,
			    sent_at = COALESCE(sent_at, $4), retry_after = NULL,
			    error_code = NULL, error_message = NULL, error_category = NULL,
			    processing_claim_id = NULL, processing_claimed_at = NULL, updated_at = $4
			WHERE id = $1
			RETURNING ` + messageRecordColumns
		rec, err := scanMessageRecord(tx.QueryRow(ctx, query, id, providerName, providerMessageID, sentAt))
		if err != nil {
			return err
		}
		result, applied = rec, true
		return nil
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to finalize sent message", "message_record_id", id, "error", err)
		return nil, false, fmt.Errorf("mark sent: %w", err)
	}
	return result, applied, nil
}

func (r *pgMessageRecordRepository) MarkFailed(ctx context.Context, id, claimID uuid.UUID, f domain.Failure, retryAfter *time.Time, now time.Time) (bool, error) {
	query := `
		UPDATE message_records
		SET status = 'failed', error_category = $3, error_code = $4, error_message = $5, retryable = $6,
		    retry_count = retry_count + 1, retry_after = $7, failed_at = $8,
		    processing_claim_id = NULL, processing_claimed_at = NULL, updated_at = $8
		WHERE id = $1 AND status = 'sending' AND processing_claim_id = $2`
	tag, err := r.db.Exec(ctx, query, id, claimID, nullable(string(f.Category)), nullable(f.Code), nullable(f.Message), f.Retryable, retryAfter, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to record failed attempt", "message_record_id", id, "error", err)
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgMessageRecordRepository) FailBeforeClaim(ctx context.Context, id uuid.UUID, f domain.Failure, now, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE message_records
		SET status = 'failed', error_category = $2, error_code = $3, error_message = $4, retryable = $5,
		    retry_after = NULL, failed_at = $6, updated_at = $6,
		    processing_claim_id = NULL, processing_claimed_at = NULL
		WHERE id = $1
		  AND (status IN ('pending', 'failed')
		       OR (status = 'sending' AND (processing_claimed_at IS NULL OR processing_claimed_at < $7)))`
	tag, err := r.db.Exec(ctx, query, id, nullable(string(f.Category)), nullable(f.Code), nullable(f.Message), f.Retryable, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("fail before claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgMessageRecordRepository) MarkQuotaConsumed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE message_records SET quota_consumed = TRUE, updated_at = $2 WHERE id = $1 AND quota_consumed = FALSE`,
		id, now)
	if err != nil {
		return false, fmt.Errorf("mark quota consumed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgMessageRecordRepository) ListDueRetries(ctx context.Context, now, staleBefore time.Time, limit int) ([]*domain.MessageRecord, error) {
	query := `
		SELECT ` + messageRecordColumns + `
		FROM message_records
		WHERE (status = 'failed' AND retryable AND retry_count < max_retries
		       AND (retry_after IS NULL OR retry_after <= $1))
		   OR (status = 'sending' AND (processing_claimed_at IS NULL OR processing_claimed_at < $2))
		ORDER BY COALESCE(retry_after, processing_claimed_at) NULLS FIRST
		LIMIT $3`
	rows, err := r.db.Query(ctx, query, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()

	var records []*domain.MessageRecord
	for rows.Next() {
		var row messageRecordRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scan due retry: %w", err)
		}
		records = append(records, row.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
