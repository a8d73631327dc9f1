// Package service holds the engines that drive campaigns, pledges, payments
// and fulfillment. Every state change runs in one transaction per entity and
// re-checks the expected source status in the UPDATE itself.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Clock supplies the current time
type Clock func() time.Time

type options struct {
	now          Clock
	leadTime     time.Duration
	maxRetries   int
	attemptLease time.Duration
}

// Option configures an engine
type Option func(*options)

// WithClock replaces time.Now
func WithClock(now Clock) Option {
	return func(o *options) { o.now = now }
}

// WithGracePeriodLeadTime sets how long before its end date a campaign enters the grace period
func WithGracePeriodLeadTime(d time.Duration) Option {
	return func(o *options) { o.leadTime = d }
}

// WithMaxRetries bounds failed collection attempts per payment intent
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithAttemptLease sets how long an unfinished collection attempt blocks others
func WithAttemptLease(d time.Duration) Option {
	return func(o *options) { o.attemptLease = d }
}

func newOptions(opts []Option) options {
	o := options{
		now:          time.Now,
		leadTime:     48 * time.Hour,
		maxRetries:   3,
		attemptLease: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) clock() time.Time {
	return o.now().UTC()
}

func newID() string {
	return uuid.NewString()
}

// inTx runs fn in a transaction and commits when fn succeeds
func inTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// day truncates t to its UTC calendar day
func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
