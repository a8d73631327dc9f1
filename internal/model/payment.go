package model

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the state of a payment intent
type PaymentStatus string

const (
	PaymentPending            PaymentStatus = "PENDING"
	PaymentSucceeded          PaymentStatus = "SUCCEEDED"
	PaymentFailedRetry1       PaymentStatus = "FAILED_RETRY_1"
	PaymentFailedRetry2       PaymentStatus = "FAILED_RETRY_2"
	PaymentFailedFinal        PaymentStatus = "FAILED_FINAL"
	PaymentCollectedViaManual PaymentStatus = "COLLECTED_VIA_MANUAL"
)

// IsSuccessful reports whether money was collected, automatically or by hand.
func (s PaymentStatus) IsSuccessful() bool {
	return s == PaymentSucceeded || s == PaymentCollectedViaManual
}

// IsFailed reports whether at least one collection attempt failed.
func (s PaymentStatus) IsFailed() bool {
	return s == PaymentFailedRetry1 || s == PaymentFailedRetry2 || s == PaymentFailedFinal
}

// FailureStatus returns the status after the given number of failed attempts.
// Intermediate failures beyond the second stay in FAILED_RETRY_2.
func FailureStatus(retryCount, maxRetries int) PaymentStatus {
	switch {
	case retryCount >= maxRetries:
		return PaymentFailedFinal
	case retryCount <= 1:
		return PaymentFailedRetry1
	default:
		return PaymentFailedRetry2
	}
}

// PaymentIntent tracks collection of one committed pledge
type PaymentIntent struct {
	ID               string          `db:"id" json:"id"`
	CampaignID       string          `db:"campaign_id" json:"campaign_id"`
	PledgeID         string          `db:"pledge_id" json:"pledge_id"`
	BuyerID          string          `db:"buyer_id" json:"buyer_id"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	Status           PaymentStatus   `db:"status" json:"status"`
	RetryCount       int             `db:"retry_count" json:"retry_count"`
	LastError        sql.NullString  `db:"last_error" json:"last_error"`
	AttemptStartedAt sql.NullTime    `db:"attempt_started_at" json:"attempt_started_at"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}
