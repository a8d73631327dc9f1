package service

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/metrics"
	"github.com/kkkkikiki/groupbuy/internal/model"
	"github.com/kkkkikiki/groupbuy/internal/notify"
	"github.com/kkkkikiki/groupbuy/internal/payment"
	"github.com/kkkkikiki/groupbuy/internal/repository"
)

// PaymentRetryEngine collects payment intents with a bounded number of
// failed attempts:
//
//	PENDING -> SUCCEEDED
//	PENDING -> FAILED_RETRY_1 -> FAILED_RETRY_2 -> FAILED_FINAL
//	FAILED_* -> COLLECTED_VIA_MANUAL
//
// An attempt claims the intent before calling the gateway, so at most one
// attempt per intent is in flight.
type PaymentRetryEngine struct {
	db         *sqlx.DB
	payments   *repository.PaymentRepository
	gateway    payment.Gateway
	dispatcher notify.Dispatcher
	opts       options
}

// NewPaymentRetryEngine creates a new payment engine
func NewPaymentRetryEngine(db *sqlx.DB, gateway payment.Gateway, dispatcher notify.Dispatcher, opts ...Option) *PaymentRetryEngine {
	return &PaymentRetryEngine{
		db:         db,
		payments:   repository.NewPaymentRepository(),
		gateway:    gateway,
		dispatcher: dispatcher,
		opts:       newOptions(opts),
	}
}

// MaxRetries returns the failed-attempt bound
func (e *PaymentRetryEngine) MaxRetries() int {
	return e.opts.maxRetries
}

// GetIntent returns a payment intent by ID
func (e *PaymentRetryEngine) GetIntent(ctx context.Context, id string) (*model.PaymentIntent, error) {
	return e.payments.GetIntent(ctx, e.db, id)
}

// ListIntents returns a campaign's payment intents
func (e *PaymentRetryEngine) ListIntents(ctx context.Context, campaignID string) ([]model.PaymentIntent, error) {
	return e.payments.ListByCampaign(ctx, e.db, campaignID)
}

// PendingPayments lists intents that have never been attempted
func (e *PaymentRetryEngine) PendingPayments(ctx context.Context) ([]model.PaymentIntent, error) {
	return e.payments.ListRetryable(ctx, e.db, []model.PaymentStatus{model.PaymentPending}, e.opts.maxRetries)
}

// RetryablePayments lists failed intents still below the retry bound
func (e *PaymentRetryEngine) RetryablePayments(ctx context.Context) ([]model.PaymentIntent, error) {
	return e.payments.ListRetryable(ctx, e.db,
		[]model.PaymentStatus{model.PaymentFailedRetry1, model.PaymentFailedRetry2}, e.opts.maxRetries)
}

// CollectPayment makes the first collection attempt for a PENDING intent
func (e *PaymentRetryEngine) CollectPayment(ctx context.Context, intentID string) (*model.PaymentIntent, error) {
	intent, err := e.payments.GetIntent(ctx, e.db, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != model.PaymentPending {
		return nil, apperrors.InvalidTransition("payment intent", string(intent.Status), string(model.PaymentSucceeded))
	}
	return e.attempt(ctx, intent)
}

// RetryFailedPayment attempts collection again for an intent in
// FAILED_RETRY_1 or FAILED_RETRY_2. FAILED_FINAL is never retried.
func (e *PaymentRetryEngine) RetryFailedPayment(ctx context.Context, intentID string) (*model.PaymentIntent, error) {
	intent, err := e.payments.GetIntent(ctx, e.db, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != model.PaymentFailedRetry1 && intent.Status != model.PaymentFailedRetry2 {
		return nil, apperrors.InvalidTransition("payment intent", string(intent.Status), string(model.PaymentSucceeded))
	}
	if intent.RetryCount >= e.opts.maxRetries {
		return nil, apperrors.Validation(apperrors.CodeRetryLimitReached,
			"payment intent %s has used %d of %d attempts", intent.ID, intent.RetryCount, e.opts.maxRetries)
	}
	return e.attempt(ctx, intent)
}

func (e *PaymentRetryEngine) attempt(ctx context.Context, intent *model.PaymentIntent) (*model.PaymentIntent, error) {
	now := e.opts.clock()
	won, err := e.payments.ClaimAttempt(ctx, e.db, intent, now, now.Add(-e.opts.attemptLease))
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, apperrors.Conflict(apperrors.CodePaymentAttemptActive,
			"payment intent %s already has an attempt in flight", intent.ID)
	}

	attemptNo := intent.RetryCount + 1
	receipt, chargeErr := e.gateway.Charge(ctx, payment.ChargeRequest{
		IntentID:       intent.ID,
		BuyerID:        intent.BuyerID,
		Amount:         intent.Amount,
		Attempt:        attemptNo,
		IdempotencyKey: payment.IdempotencyKey(intent.ID, attemptNo),
	})

	var declined *payment.DeclinedError
	if chargeErr != nil && !errors.As(chargeErr, &declined) {
		return nil, e.unresolved(ctx, intent, attemptNo, chargeErr)
	}

	outcome := repository.AttemptOutcome{
		Status:     model.PaymentSucceeded,
		RetryCount: intent.RetryCount,
		At:         e.opts.clock(),
	}
	if chargeErr != nil {
		outcome.RetryCount = attemptNo
		outcome.Status = model.FailureStatus(attemptNo, e.opts.maxRetries)
		outcome.LastError = sql.NullString{String: chargeErr.Error(), Valid: true}
	}
	if err := e.payments.FinishAttempt(ctx, e.db, intent, outcome); err != nil {
		return nil, err
	}

	updated := *intent
	updated.Status = outcome.Status
	updated.RetryCount = outcome.RetryCount
	updated.LastError = outcome.LastError
	updated.AttemptStartedAt = sql.NullTime{}
	updated.UpdatedAt = outcome.At

	event := notify.Event{
		CampaignID: updated.CampaignID,
		PledgeID:   updated.PledgeID,
		IntentID:   updated.ID,
		BuyerID:    updated.BuyerID,
		Status:     string(updated.Status),
		At:         updated.UpdatedAt,
	}
	switch {
	case chargeErr == nil:
		metrics.RecordPaymentAttempt("succeeded")
		log.Printf("Payment %s collected on attempt %d (ref %s)", updated.ID, attemptNo, receipt.Reference)
		event.Kind = notify.PaymentSucceeded
		event.Detail = receipt.Reference
	case updated.Status == model.PaymentFailedFinal:
		metrics.RecordPaymentAttempt("final")
		log.Printf("Payment %s failed for good after %d attempts: %v", updated.ID, attemptNo, chargeErr)
		event.Kind = notify.PaymentFailed
		event.Detail = chargeErr.Error()
	default:
		metrics.RecordPaymentAttempt("failed")
		log.Printf("Payment %s attempt %d failed, now %s: %v", updated.ID, attemptNo, updated.Status, chargeErr)
		event.Kind = notify.PaymentFailed
		event.Detail = chargeErr.Error()
	}
	notify.Dispatch(ctx, e.dispatcher, event)

	return &updated, nil
}

// unresolved handles an attempt whose outcome the processor never reported.
// The charge may have gone through, so the intent keeps its status and retry
// count and the next attempt reuses the same idempotency key.
func (e *PaymentRetryEngine) unresolved(ctx context.Context, intent *model.PaymentIntent, attemptNo int, chargeErr error) error {
	outcome := repository.AttemptOutcome{
		Status:     intent.Status,
		RetryCount: intent.RetryCount,
		LastError:  sql.NullString{String: chargeErr.Error(), Valid: true},
		At:         e.opts.clock(),
	}
	if err := e.payments.FinishAttempt(context.WithoutCancel(ctx), e.db, intent, outcome); err != nil {
		log.Printf("Payment %s keeps its lease until it expires: %v", intent.ID, err)
	}

	metrics.RecordPaymentAttempt("unknown")
	log.Printf("Payment %s attempt %d has no outcome, will retry with key %s: %v",
		intent.ID, attemptNo, payment.IdempotencyKey(intent.ID, attemptNo), chargeErr)

	unknown := apperrors.Conflict(apperrors.CodePaymentOutcomeUnknown,
		"payment intent %s attempt %d outcome unknown", intent.ID, attemptNo)
	unknown.Cause = chargeErr
	return unknown
}

// MarkCollectedManually records that a failed payment was collected out of band
func (e *PaymentRetryEngine) MarkCollectedManually(ctx context.Context, intentID string) (*model.PaymentIntent, error) {
	intent, err := e.payments.GetIntent(ctx, e.db, intentID)
	if err != nil {
		return nil, err
	}
	if !intent.Status.IsFailed() {
		return nil, apperrors.InvalidTransition("payment intent", string(intent.Status), string(model.PaymentCollectedViaManual))
	}
	now := e.opts.clock()
	if err := e.payments.TransitionStatus(ctx, e.db, intent.ID, intent.Status, model.PaymentCollectedViaManual, now); err != nil {
		return nil, err
	}

	updated := *intent
	updated.Status = model.PaymentCollectedViaManual
	updated.AttemptStartedAt = sql.NullTime{}
	updated.UpdatedAt = now

	metrics.RecordPaymentAttempt("manual")
	log.Printf("Payment %s marked as collected manually", updated.ID)
	notify.Dispatch(ctx, e.dispatcher, notify.Event{
		Kind:       notify.PaymentSucceeded,
		CampaignID: updated.CampaignID,
		PledgeID:   updated.PledgeID,
		IntentID:   updated.ID,
		BuyerID:    updated.BuyerID,
		Status:     string(updated.Status),
		Detail:     "collected manually",
		At:         now,
	})
	return &updated, nil
}
