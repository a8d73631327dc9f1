package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/model"
)

const pledgeColumns = `id, campaign_id, buyer_id, quantity, status, committed_at, created_at, updated_at`

// PledgeRepository handles pledge data operations
type PledgeRepository struct{}

// NewPledgeRepository creates a new pledge repository
func NewPledgeRepository() *PledgeRepository {
	return &PledgeRepository{}
}

// CreatePledge inserts a new pledge. A second open pledge for the same
// (campaign, buyer) violates the partial unique index and is reported as a
// duplicate.
func (r *PledgeRepository) CreatePledge(ctx context.Context, db DBExecutor, pledge *model.Pledge) error {
	query := db.Rebind(`
		INSERT INTO pledges (id, campaign_id, buyer_id, quantity, status, committed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := db.ExecContext(ctx, query, pledge.ID, pledge.CampaignID, pledge.BuyerID, pledge.Quantity,
		pledge.Status, pledge.CommittedAt, pledge.CreatedAt.UTC(), pledge.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Validation(apperrors.CodeDuplicatePledge, "buyer %s already has an open pledge on campaign %s", pledge.BuyerID, pledge.CampaignID)
		}
		return fmt.Errorf("failed to create pledge: %w", err)
	}
	return nil
}

// GetPledge retrieves a pledge by ID
func (r *PledgeRepository) GetPledge(ctx context.Context, db DBExecutor, id string) (*model.Pledge, error) {
	query := db.Rebind(`SELECT ` + pledgeColumns + ` FROM pledges WHERE id = ?`)

	var pledge model.Pledge
	if err := db.GetContext(ctx, &pledge, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound(apperrors.CodePledgeNotFound, "pledge", id)
		}
		return nil, fmt.Errorf("failed to get pledge: %w", err)
	}
	return &pledge, nil
}

// FindOpenPledge returns the buyer's non-withdrawn pledge on a campaign, if any
func (r *PledgeRepository) FindOpenPledge(ctx context.Context, db DBExecutor, campaignID, buyerID string) (*model.Pledge, error) {
	query := db.Rebind(`SELECT ` + pledgeColumns + `
		FROM pledges
		WHERE campaign_id = ? AND buyer_id = ? AND status <> ?
	`)

	var pledge model.Pledge
	if err := db.GetContext(ctx, &pledge, query, campaignID, buyerID, model.PledgeWithdrawn); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find open pledge: %w", err)
	}
	return &pledge, nil
}

// ListByCampaignAndStatus returns a campaign's pledges in any of the given statuses
func (r *PledgeRepository) ListByCampaignAndStatus(ctx context.Context, db DBExecutor, campaignID string, statuses ...model.PledgeStatus) ([]model.Pledge, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+pledgeColumns+`
		FROM pledges
		WHERE campaign_id = ? AND status IN (?)
		ORDER BY created_at ASC, id ASC
	`, campaignID, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build pledge query: %w", err)
	}
	query = db.Rebind(query)

	var pledges []model.Pledge
	if err := db.SelectContext(ctx, &pledges, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list pledges: %w", err)
	}
	return pledges, nil
}

// SumQuantity sums quantity over a campaign's pledges in the given statuses,
// straight from the pledge rows.
func (r *PledgeRepository) SumQuantity(ctx context.Context, db DBExecutor, campaignID string, statuses ...model.PledgeStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		SELECT COALESCE(SUM(quantity), 0)
		FROM pledges
		WHERE campaign_id = ? AND status IN (?)
	`, campaignID, statuses)
	if err != nil {
		return 0, fmt.Errorf("failed to build pledge sum query: %w", err)
	}
	query = db.Rebind(query)

	var total int64
	if err := db.GetContext(ctx, &total, query, args...); err != nil {
		return 0, fmt.Errorf("failed to sum pledged quantity: %w", err)
	}
	return total, nil
}

// TransitionStatus moves a pledge from the expected status to the target status
func (r *PledgeRepository) TransitionStatus(ctx context.Context, db DBExecutor, id string, from, to model.PledgeStatus, at time.Time) error {
	var committedAt sql.NullTime
	if to == model.PledgeCommitted {
		committedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	query := db.Rebind(`
		UPDATE pledges
		SET status = ?, committed_at = COALESCE(?, committed_at), updated_at = ?
		WHERE id = ? AND status = ?
	`)

	result, err := db.ExecContext(ctx, query, to, committedAt, at.UTC(), id, from)
	if err != nil {
		return fmt.Errorf("failed to transition pledge: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		current, err := r.GetPledge(ctx, db, id)
		if err != nil {
			return err
		}
		return apperrors.InvalidTransition("pledge", string(current.Status), string(to))
	}
	return nil
}

// UpdateQuantity changes the quantity of a pledge that is still in the expected status
func (r *PledgeRepository) UpdateQuantity(ctx context.Context, db DBExecutor, id string, status model.PledgeStatus, quantity int64, at time.Time) error {
	query := db.Rebind(`
		UPDATE pledges
		SET quantity = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)

	result, err := db.ExecContext(ctx, query, quantity, at.UTC(), id, status)
	if err != nil {
		return fmt.Errorf("failed to update pledge quantity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		current, err := r.GetPledge(ctx, db, id)
		if err != nil {
			return err
		}
		return apperrors.Validation(apperrors.CodeInvalidInput, "pledge %s is %s, quantity can only change while %s", id, current.Status, status)
	}
	return nil
}

// BulkTransition moves every pledge of a campaign in status from to status to
// and returns how many rows changed.
func (r *PledgeRepository) BulkTransition(ctx context.Context, db DBExecutor, campaignID string, from, to model.PledgeStatus, at time.Time) (int64, error) {
	var committedAt sql.NullTime
	if to == model.PledgeCommitted {
		committedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	query := db.Rebind(`
		UPDATE pledges
		SET status = ?, committed_at = COALESCE(?, committed_at), updated_at = ?
		WHERE campaign_id = ? AND status = ?
	`)

	result, err := db.ExecContext(ctx, query, to, committedAt, at.UTC(), campaignID, from)
	if err != nil {
		return 0, fmt.Errorf("failed to transition pledges: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// isUniqueViolation recognises unique constraint failures from PostgreSQL
// (SQLSTATE 23505) and SQLite.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
