package service

import (
	"context"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/model"
	"github.com/kkkkikiki/groupbuy/internal/repository"
)

// FulfillmentService tracks delivery of locked pledges
type FulfillmentService struct {
	db           *sqlx.DB
	fulfillments *repository.FulfillmentRepository
	opts         options
}

// NewFulfillmentService creates a new fulfillment service
func NewFulfillmentService(db *sqlx.DB, opts ...Option) *FulfillmentService {
	return &FulfillmentService{
		db:           db,
		fulfillments: repository.NewFulfillmentRepository(),
		opts:         newOptions(opts),
	}
}

// UpdateFulfillment moves a pledge's delivery forward. Status only advances
// PENDING -> SHIPPED -> DELIVERED.
func (s *FulfillmentService) UpdateFulfillment(ctx context.Context, pledgeID string, status model.FulfillmentStatus) (*model.Fulfillment, error) {
	if status.Rank() < 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "unknown delivery status %q", status)
	}
	current, err := s.fulfillments.GetByPledge(ctx, s.db, pledgeID)
	if err != nil {
		return nil, err
	}
	if status.Rank() <= current.DeliveryStatus.Rank() {
		return nil, apperrors.InvalidTransition("fulfillment", string(current.DeliveryStatus), string(status))
	}

	now := s.opts.clock()
	if err := s.fulfillments.UpdateStatus(ctx, s.db, pledgeID, current.DeliveryStatus, status, now); err != nil {
		return nil, err
	}
	current.DeliveryStatus = status
	current.UpdatedAt = now
	return current, nil
}

// ListFulfillments returns a campaign's fulfillments
func (s *FulfillmentService) ListFulfillments(ctx context.Context, campaignID string) ([]model.Fulfillment, error) {
	return s.fulfillments.ListByCampaign(ctx, s.db, campaignID)
}
