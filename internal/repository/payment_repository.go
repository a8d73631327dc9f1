package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/model"
)

const paymentColumns = `id, campaign_id, pledge_id, buyer_id, amount, status, retry_count, last_error,
	attempt_started_at, created_at, updated_at`

// PaymentRepository handles payment intent data operations
type PaymentRepository struct{}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{}
}

// CreateIntent inserts a payment intent. pledge_id is unique, so a pledge can
// never get a second intent.
func (r *PaymentRepository) CreateIntent(ctx context.Context, db DBExecutor, intent *model.PaymentIntent) error {
	query := db.Rebind(`
		INSERT INTO payment_intents (id, campaign_id, pledge_id, buyer_id, amount, status, retry_count,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := db.ExecContext(ctx, query, intent.ID, intent.CampaignID, intent.PledgeID, intent.BuyerID,
		intent.Amount, intent.Status, intent.RetryCount, intent.CreatedAt.UTC(), intent.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create payment intent for pledge %s: %w", intent.PledgeID, err)
	}
	return nil
}

// GetIntent retrieves a payment intent by ID
func (r *PaymentRepository) GetIntent(ctx context.Context, db DBExecutor, id string) (*model.PaymentIntent, error) {
	query := db.Rebind(`SELECT ` + paymentColumns + ` FROM payment_intents WHERE id = ?`)

	var intent model.PaymentIntent
	if err := db.GetContext(ctx, &intent, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound(apperrors.CodePaymentIntentNotFound, "payment intent", id)
		}
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	return &intent, nil
}

// ListByCampaign returns every payment intent of a campaign
func (r *PaymentRepository) ListByCampaign(ctx context.Context, db DBExecutor, campaignID string) ([]model.PaymentIntent, error) {
	query := db.Rebind(`SELECT ` + paymentColumns + `
		FROM payment_intents
		WHERE campaign_id = ?
		ORDER BY created_at ASC, id ASC
	`)

	var intents []model.PaymentIntent
	if err := db.SelectContext(ctx, &intents, query, campaignID); err != nil {
		return nil, fmt.Errorf("failed to list payment intents: %w", err)
	}
	return intents, nil
}

// ListRetryable returns intents in the given statuses whose retry count is still below maxRetries
func (r *PaymentRepository) ListRetryable(ctx context.Context, db DBExecutor, statuses []model.PaymentStatus, maxRetries int) ([]model.PaymentIntent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+paymentColumns+`
		FROM payment_intents
		WHERE status IN (?) AND retry_count < ?
		ORDER BY updated_at ASC, id ASC
	`, statuses, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to build retryable payment query: %w", err)
	}
	query = db.Rebind(query)

	var intents []model.PaymentIntent
	if err := db.SelectContext(ctx, &intents, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list retryable payment intents: %w", err)
	}
	return intents, nil
}

// ClaimAttempt marks an intent as having an attempt in flight. The claim only
// succeeds while the intent still has the observed status and retry count and
// no other attempt holds an unexpired lease. It reports whether the claim won.
func (r *PaymentRepository) ClaimAttempt(ctx context.Context, db DBExecutor, intent *model.PaymentIntent, now, leaseExpiredBefore time.Time) (bool, error) {
	query := db.Rebind(`
		UPDATE payment_intents
		SET attempt_started_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count = ?
			AND (attempt_started_at IS NULL OR attempt_started_at < ?)
	`)

	result, err := db.ExecContext(ctx, query, now.UTC(), now.UTC(), intent.ID, intent.Status, intent.RetryCount, leaseExpiredBefore.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim payment attempt: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// AttemptOutcome is the result written back after a collection attempt.
type AttemptOutcome struct {
	Status     model.PaymentStatus
	RetryCount int
	LastError  sql.NullString
	At         time.Time
}

// FinishAttempt records an attempt outcome and releases the in-flight lease.
// It only applies while the intent still has the claimed status and retry count.
func (r *PaymentRepository) FinishAttempt(ctx context.Context, db DBExecutor, intent *model.PaymentIntent, outcome AttemptOutcome) error {
	query := db.Rebind(`
		UPDATE payment_intents
		SET status = ?, retry_count = ?, last_error = ?, attempt_started_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count = ?
	`)

	result, err := db.ExecContext(ctx, query, outcome.Status, outcome.RetryCount, outcome.LastError, outcome.At.UTC(),
		intent.ID, intent.Status, intent.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to record payment attempt: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.Conflict(apperrors.CodePaymentAttemptActive, "payment intent %s changed while an attempt was in flight", intent.ID)
	}
	return nil
}

// TransitionStatus moves an intent from the expected status to the target status
func (r *PaymentRepository) TransitionStatus(ctx context.Context, db DBExecutor, id string, from, to model.PaymentStatus, at time.Time) error {
	query := db.Rebind(`
		UPDATE payment_intents
		SET status = ?, attempt_started_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND attempt_started_at IS NULL
	`)

	result, err := db.ExecContext(ctx, query, to, at.UTC(), id, from)
	if err != nil {
		return fmt.Errorf("failed to transition payment intent: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		current, err := r.GetIntent(ctx, db, id)
		if err != nil {
			return err
		}
		if current.Status == from {
			return apperrors.Conflict(apperrors.CodePaymentAttemptActive, "payment intent %s has an attempt in flight", id)
		}
		return apperrors.InvalidTransition("payment intent", string(current.Status), string(to))
	}
	return nil
}
