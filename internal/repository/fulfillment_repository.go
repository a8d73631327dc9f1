package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/model"
)

// FulfillmentRepository handles fulfillment data operations
type FulfillmentRepository struct{}

// NewFulfillmentRepository creates a new fulfillment repository
func NewFulfillmentRepository() *FulfillmentRepository {
	return &FulfillmentRepository{}
}

// CreateFulfillment inserts a fulfillment record for one pledge
func (r *FulfillmentRepository) CreateFulfillment(ctx context.Context, db DBExecutor, f *model.Fulfillment) error {
	query := db.Rebind(`
		INSERT INTO fulfillments (id, campaign_id, pledge_id, delivery_status, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)

	if _, err := db.ExecContext(ctx, query, f.ID, f.CampaignID, f.PledgeID, f.DeliveryStatus, f.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to create fulfillment for pledge %s: %w", f.PledgeID, err)
	}
	return nil
}

// GetByPledge retrieves the fulfillment of a pledge
func (r *FulfillmentRepository) GetByPledge(ctx context.Context, db DBExecutor, pledgeID string) (*model.Fulfillment, error) {
	query := db.Rebind(`
		SELECT id, campaign_id, pledge_id, delivery_status, updated_at
		FROM fulfillments
		WHERE pledge_id = ?
	`)

	var f model.Fulfillment
	if err := db.GetContext(ctx, &f, query, pledgeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound(apperrors.CodeFulfillmentNotFound, "fulfillment", pledgeID)
		}
		return nil, fmt.Errorf("failed to get fulfillment: %w", err)
	}
	return &f, nil
}

// ListByCampaign returns every fulfillment of a campaign
func (r *FulfillmentRepository) ListByCampaign(ctx context.Context, db DBExecutor, campaignID string) ([]model.Fulfillment, error) {
	query := db.Rebind(`
		SELECT id, campaign_id, pledge_id, delivery_status, updated_at
		FROM fulfillments
		WHERE campaign_id = ?
		ORDER BY pledge_id ASC
	`)

	var out []model.Fulfillment
	if err := db.SelectContext(ctx, &out, query, campaignID); err != nil {
		return nil, fmt.Errorf("failed to list fulfillments: %w", err)
	}
	return out, nil
}

// UpdateStatus moves a fulfillment from the expected status to the target status
func (r *FulfillmentRepository) UpdateStatus(ctx context.Context, db DBExecutor, pledgeID string, from, to model.FulfillmentStatus, at time.Time) error {
	query := db.Rebind(`
		UPDATE fulfillments
		SET delivery_status = ?, updated_at = ?
		WHERE pledge_id = ? AND delivery_status = ?
	`)

	result, err := db.ExecContext(ctx, query, to, at.UTC(), pledgeID, from)
	if err != nil {
		return fmt.Errorf("failed to update fulfillment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		current, err := r.GetByPledge(ctx, db, pledgeID)
		if err != nil {
			return err
		}
		return apperrors.InvalidTransition("fulfillment", string(current.DeliveryStatus), string(to))
	}
	return nil
}
