package service

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/metrics"
	"github.com/kkkkikiki/groupbuy/internal/model"
	"github.com/kkkkikiki/groupbuy/internal/repository"
)

// PledgeService handles buyer commitments
type PledgeService struct {
	db        *sqlx.DB
	campaigns *repository.CampaignRepository
	pledges   *repository.PledgeRepository
	opts      options
}

// NewPledgeService creates a new pledge service
func NewPledgeService(db *sqlx.DB, opts ...Option) *PledgeService {
	return &PledgeService{
		db:        db,
		campaigns: repository.NewCampaignRepository(),
		pledges:   repository.NewPledgeRepository(),
		opts:      newOptions(opts),
	}
}

// observe records the duration of a pledge operation when it returns
func observe(op string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "failure"
	}
	metrics.RecordPledgeOperation(op, status, time.Since(start).Seconds())
}

// SubmitPledge creates a PENDING pledge on an ACTIVE campaign. A buyer can
// hold only one open pledge per campaign.
func (s *PledgeService) SubmitPledge(ctx context.Context, campaignID, buyerID string, quantity int64) (pledge *model.Pledge, err error) {
	defer observe("submit", time.Now(), &err)

	if strings.TrimSpace(buyerID) == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "buyer id is required")
	}
	if quantity <= 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "quantity must be positive, got %d", quantity)
	}

	now := s.opts.clock()
	err = inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		campaign, err := s.campaigns.GetCampaignForUpdate(ctx, tx, campaignID)
		if err != nil {
			return err
		}
		if campaign.Status != model.CampaignActive {
			return apperrors.Validation(apperrors.CodeCampaignNotOpen, "campaign %s is %s, pledges are accepted only while ACTIVE", campaignID, campaign.Status)
		}
		existing, err := s.pledges.FindOpenPledge(ctx, tx, campaignID, buyerID)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperrors.Validation(apperrors.CodeDuplicatePledge, "buyer %s already has an open pledge on campaign %s", buyerID, campaignID).
				WithMetadata("pledge_id", existing.ID)
		}

		pledge = &model.Pledge{
			ID:         newID(),
			CampaignID: campaignID,
			BuyerID:    buyerID,
			Quantity:   quantity,
			Status:     model.PledgePending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return s.pledges.CreatePledge(ctx, tx, pledge)
	})
	if err != nil {
		return nil, err
	}
	return pledge, nil
}

// UpdatePledgeQuantity changes a PENDING pledge while its campaign is ACTIVE
func (s *PledgeService) UpdatePledgeQuantity(ctx context.Context, pledgeID string, quantity int64) (pledge *model.Pledge, err error) {
	defer observe("update", time.Now(), &err)

	if quantity <= 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "quantity must be positive, got %d", quantity)
	}

	now := s.opts.clock()
	err = inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		p, c, err := s.load(ctx, tx, pledgeID)
		if err != nil {
			return err
		}
		if c.Status != model.CampaignActive {
			return apperrors.Validation(apperrors.CodeCampaignNotOpen, "campaign %s is %s, pledges can change only while ACTIVE", c.ID, c.Status)
		}
		if err := s.pledges.UpdateQuantity(ctx, tx, p.ID, model.PledgePending, quantity, now); err != nil {
			return err
		}
		pledge, err = s.pledges.GetPledge(ctx, tx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pledge, nil
}

// ConfirmPledge commits a PENDING pledge during the campaign's grace period
func (s *PledgeService) ConfirmPledge(ctx context.Context, pledgeID string) (pledge *model.Pledge, err error) {
	defer observe("confirm", time.Now(), &err)

	now := s.opts.clock()
	err = inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		p, c, err := s.load(ctx, tx, pledgeID)
		if err != nil {
			return err
		}
		if c.Status != model.CampaignGracePeriod {
			return apperrors.Validation(apperrors.CodeCampaignNotOpen, "campaign %s is %s, pledges are confirmed during GRACE_PERIOD", c.ID, c.Status)
		}
		if err := s.pledges.TransitionStatus(ctx, tx, p.ID, model.PledgePending, model.PledgeCommitted, now); err != nil {
			return err
		}
		pledge, err = s.pledges.GetPledge(ctx, tx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pledge, nil
}

// WithdrawPledge withdraws an open pledge while the campaign is ACTIVE or in its grace period
func (s *PledgeService) WithdrawPledge(ctx context.Context, pledgeID string) (pledge *model.Pledge, err error) {
	defer observe("withdraw", time.Now(), &err)

	now := s.opts.clock()
	err = inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		p, c, err := s.load(ctx, tx, pledgeID)
		if err != nil {
			return err
		}
		if c.Status != model.CampaignActive && c.Status != model.CampaignGracePeriod {
			return apperrors.Validation(apperrors.CodeCampaignNotOpen, "campaign %s is %s, pledges can no longer be withdrawn", c.ID, c.Status)
		}
		if p.Status == model.PledgeWithdrawn {
			return apperrors.InvalidTransition("pledge", string(p.Status), string(model.PledgeWithdrawn))
		}
		if err := s.pledges.TransitionStatus(ctx, tx, p.ID, p.Status, model.PledgeWithdrawn, now); err != nil {
			return err
		}
		pledge, err = s.pledges.GetPledge(ctx, tx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pledge, nil
}

// GetPledge returns a pledge by ID
func (s *PledgeService) GetPledge(ctx context.Context, id string) (*model.Pledge, error) {
	return s.pledges.GetPledge(ctx, s.db, id)
}

func (s *PledgeService) load(ctx context.Context, tx *sqlx.Tx, pledgeID string) (*model.Pledge, *model.Campaign, error) {
	p, err := s.pledges.GetPledge(ctx, tx, pledgeID)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.campaigns.GetCampaignForUpdate(ctx, tx, p.CampaignID)
	if err != nil {
		return nil, nil, err
	}
	// Re-read under the campaign lock so the pledge cannot change underneath.
	if p, err = s.pledges.GetPledge(ctx, tx, pledgeID); err != nil {
		return nil, nil, err
	}
	return p, c, nil
}
