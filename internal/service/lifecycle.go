package service

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/metrics"
	"github.com/kkkkikiki/groupbuy/internal/model"
	"github.com/kkkkikiki/groupbuy/internal/notify"
	"github.com/kkkkikiki/groupbuy/internal/pricing"
	"github.com/kkkkikiki/groupbuy/internal/repository"
)

// CampaignLifecycle drives a campaign through
// DRAFT -> ACTIVE -> GRACE_PERIOD -> LOCKED|CANCELLED, LOCKED -> DONE.
type CampaignLifecycle struct {
	db           *sqlx.DB
	campaigns    *repository.CampaignRepository
	brackets     *repository.BracketRepository
	pledges      *repository.PledgeRepository
	payments     *repository.PaymentRepository
	fulfillments *repository.FulfillmentRepository
	aggregator   *PledgeAggregator
	dispatcher   notify.Dispatcher
	opts         options
}

// NewCampaignLifecycle creates a new lifecycle engine
func NewCampaignLifecycle(db *sqlx.DB, dispatcher notify.Dispatcher, opts ...Option) *CampaignLifecycle {
	return &CampaignLifecycle{
		db:           db,
		campaigns:    repository.NewCampaignRepository(),
		brackets:     repository.NewBracketRepository(),
		pledges:      repository.NewPledgeRepository(),
		payments:     repository.NewPaymentRepository(),
		fulfillments: repository.NewFulfillmentRepository(),
		aggregator:   NewPledgeAggregator(),
		dispatcher:   dispatcher,
		opts:         newOptions(opts),
	}
}

// CreateCampaignInput holds the supplier-provided campaign fields
type CreateCampaignInput struct {
	OwnerID        string
	Title          string
	Description    string
	ProductDetails string
	StartDate      time.Time
	EndDate        time.Time
	TargetQty      int64
}

// CreateCampaign stores a new DRAFT campaign
func (l *CampaignLifecycle) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "owner id is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "title is required")
	}
	if in.TargetQty < 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "target quantity must not be negative")
	}
	if !in.EndDate.After(in.StartDate) {
		return nil, apperrors.Validation(apperrors.CodeInvalidDates, "end date must be after start date")
	}

	now := l.opts.clock()
	campaign := &model.Campaign{
		ID:             newID(),
		OwnerID:        in.OwnerID,
		Title:          strings.TrimSpace(in.Title),
		Description:    in.Description,
		ProductDetails: in.ProductDetails,
		StartDate:      in.StartDate.UTC(),
		EndDate:        in.EndDate.UTC(),
		TargetQty:      in.TargetQty,
		Status:         model.CampaignDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.campaigns.CreateCampaign(ctx, l.db, campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}

// BracketInput describes one tier; a nil MaxQuantity is unbounded
type BracketInput struct {
	MinQuantity int64
	MaxQuantity *int64
	UnitPrice   decimal.Decimal
}

// SetBrackets replaces a DRAFT campaign's brackets and returns them in order
func (l *CampaignLifecycle) SetBrackets(ctx context.Context, campaignID string, in []BracketInput) ([]model.DiscountBracket, error) {
	brackets := make([]model.DiscountBracket, len(in))
	for i, b := range in {
		brackets[i] = model.DiscountBracket{
			ID:          newID(),
			CampaignID:  campaignID,
			MinQuantity: b.MinQuantity,
			UnitPrice:   b.UnitPrice,
		}
		if b.MaxQuantity != nil {
			brackets[i].MaxQuantity = sql.NullInt64{Int64: *b.MaxQuantity, Valid: true}
		}
	}
	normalized, err := pricing.Normalize(brackets)
	if err != nil {
		return nil, err
	}

	err = inTx(ctx, l.db, func(tx *sqlx.Tx) error {
		campaign, err := l.campaigns.GetCampaignForUpdate(ctx, tx, campaignID)
		if err != nil {
			return err
		}
		if campaign.Status != model.CampaignDraft {
			return apperrors.Validation(apperrors.CodeCampaignNotOpen, "brackets of campaign %s can only change while DRAFT, it is %s", campaignID, campaign.Status)
		}
		return l.brackets.ReplaceBrackets(ctx, tx, campaignID, normalized)
	})
	if err != nil {
		return nil, err
	}
	return normalized, nil
}

// GetCampaign returns a campaign by ID
func (l *CampaignLifecycle) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	return l.campaigns.GetCampaign(ctx, l.db, id)
}

// ListBrackets returns a campaign's brackets in order
func (l *CampaignLifecycle) ListBrackets(ctx context.Context, campaignID string) ([]model.DiscountBracket, error) {
	if _, err := l.campaigns.GetCampaign(ctx, l.db, campaignID); err != nil {
		return nil, err
	}
	return l.brackets.ListBrackets(ctx, l.db, campaignID)
}

// Publish opens a DRAFT campaign for pledges. It needs at least one bracket,
// a start date no later than today and an end date after today.
func (l *CampaignLifecycle) Publish(ctx context.Context, id string) (*model.Campaign, error) {
	now := l.opts.clock()
	var out *model.Campaign
	err := inTx(ctx, l.db, func(tx *sqlx.Tx) error {
		campaign, err := l.campaigns.GetCampaignForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := expectTransition(campaign, []model.CampaignStatus{model.CampaignDraft}, model.CampaignActive); err != nil {
			return err
		}
		brackets, err := l.brackets.ListBrackets(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(brackets) == 0 {
			return apperrors.Validation(apperrors.CodeNoBrackets, "campaign %s has no discount brackets", id)
		}
		today := day(now)
		if day(campaign.StartDate).After(today) {
			return apperrors.Validation(apperrors.CodeInvalidDates, "campaign %s starts on %s, after today", id, campaign.StartDate.Format(time.DateOnly))
		}
		if !day(campaign.EndDate).After(today) {
			return apperrors.Validation(apperrors.CodeInvalidDates, "campaign %s ends on %s, it must end after today", id, campaign.EndDate.Format(time.DateOnly))
		}
		if err := l.campaigns.TransitionStatus(ctx, tx, id, model.CampaignDraft, model.CampaignActive, now); err != nil {
			return err
		}
		out, err = l.campaigns.GetCampaign(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.transitioned(ctx, model.CampaignDraft, out, notify.Event{Kind: notify.CampaignPublished})
	return out, nil
}

// StartGracePeriod moves an ACTIVE campaign into GRACE_PERIOD. The grace
// period runs until the campaign's end date.
func (l *CampaignLifecycle) StartGracePeriod(ctx context.Context, id string) (*model.Campaign, error) {
	now := l.opts.clock()
	var out *model.Campaign
	err := inTx(ctx, l.db, func(tx *sqlx.Tx) error {
		campaign, err := l.campaigns.GetCampaignForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := expectTransition(campaign, []model.CampaignStatus{model.CampaignActive}, model.CampaignGracePeriod); err != nil {
			return err
		}
		if err := l.campaigns.StartGracePeriod(ctx, tx, id, campaign.EndDate, now); err != nil {
			return err
		}
		out, err = l.campaigns.GetCampaign(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.transitioned(ctx, model.CampaignActive, out, notify.Event{
		Kind:   notify.CampaignGracePeriodStarted,
		Detail: out.GracePeriodEndDate.Time.Format(time.RFC3339),
	})
	return out, nil
}

// Evaluate resolves a GRACE_PERIOD campaign. It locks when the committed
// total reaches the minimum viable order and cancels otherwise. Pledges that
// were never confirmed are withdrawn on lock.
func (l *CampaignLifecycle) Evaluate(ctx context.Context, id string) (*model.Campaign, error) {
	now := l.opts.clock()
	var (
		out   *model.Campaign
		event notify.Event
	)
	err := inTx(ctx, l.db, func(tx *sqlx.Tx) error {
		campaign, err := l.campaigns.GetCampaignForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := expectTransition(campaign, []model.CampaignStatus{model.CampaignGracePeriod}, model.CampaignLocked, model.CampaignCancelled); err != nil {
			return err
		}
		brackets, err := l.brackets.ListBrackets(ctx, tx, id)
		if err != nil {
			return err
		}
		threshold, err := pricing.MinimumViableOrder(brackets)
		if err != nil {
			return err
		}
		committed, err := l.aggregator.LockEligibleTotal(ctx, tx, id)
		if err != nil {
			return err
		}

		if committed >= threshold {
			if _, err := l.pledges.BulkTransition(ctx, tx, id, model.PledgePending, model.PledgeWithdrawn, now); err != nil {
				return err
			}
			event, err = l.lock(ctx, tx, campaign, brackets, now)
			if err != nil {
				return err
			}
		} else {
			if err := l.campaigns.TransitionStatus(ctx, tx, id, model.CampaignGracePeriod, model.CampaignCancelled, now); err != nil {
				return err
			}
			event = notify.Event{
				Kind:   notify.CampaignCancelled,
				Detail: fmt.Sprintf("committed %d units, minimum viable order is %d", committed, threshold),
			}
		}
		out, err = l.campaigns.GetCampaign(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.transitioned(ctx, model.CampaignGracePeriod, out, event)
	return out, nil
}

// LockManually locks an ACTIVE campaign early. Pending pledges are committed
// as part of the lock, so the threshold is checked against them too; falling
// short is a validation error rather than a cancellation.
func (l *CampaignLifecycle) LockManually(ctx context.Context, id string) (*model.Campaign, error) {
	now := l.opts.clock()
	var (
		out   *model.Campaign
		event notify.Event
	)
	err := inTx(ctx, l.db, func(tx *sqlx.Tx) error {
		campaign, err := l.campaigns.GetCampaignForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := expectTransition(campaign, []model.CampaignStatus{model.CampaignActive}, model.CampaignLocked); err != nil {
			return err
		}
		brackets, err := l.brackets.ListBrackets(ctx, tx, id)
		if err != nil {
			return err
		}
		threshold, err := pricing.MinimumViableOrder(brackets)
		if err != nil {
			return err
		}
		total, err := l.aggregator.DisplayTotal(ctx, tx, id)
		if err != nil {
			return err
		}
		if total < threshold {
			return apperrors.Validation(apperrors.CodeMinimumNotMet,
				"campaign %s has %d pledged units, minimum viable order is %d", id, total, threshold)
		}
		if _, err := l.pledges.BulkTransition(ctx, tx, id, model.PledgePending, model.PledgeCommitted, now); err != nil {
			return err
		}
		event, err = l.lock(ctx, tx, campaign, brackets, now)
		if err != nil {
			return err
		}
		out, err = l.campaigns.GetCampaign(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.transitioned(ctx, model.CampaignActive, out, event)
	return out, nil
}

// lock freezes the order terms from the committed pledges and opens one
// payment intent and one fulfillment per committed pledge.
func (l *CampaignLifecycle) lock(ctx context.Context, tx *sqlx.Tx, campaign *model.Campaign, brackets []model.DiscountBracket, now time.Time) (notify.Event, error) {
	committed, err := l.pledges.ListByCampaignAndStatus(ctx, tx, campaign.ID, model.PledgeCommitted)
	if err != nil {
		return notify.Event{}, err
	}
	var qty int64
	for _, p := range committed {
		qty += p.Quantity
	}
	bracket, ok := pricing.CurrentBracket(brackets, qty)
	if !ok {
		return notify.Event{}, apperrors.Validation(apperrors.CodeNoBrackets, "campaign %s has no discount brackets", campaign.ID)
	}

	details := repository.LockDetails{
		Quantity:  qty,
		BracketID: bracket.ID,
		UnitPrice: bracket.UnitPrice,
		LockedAt:  now,
	}
	if err := l.campaigns.Lock(ctx, tx, campaign.ID, campaign.Status, details); err != nil {
		return notify.Event{}, err
	}

	for _, p := range committed {
		intent := &model.PaymentIntent{
			ID:         newID(),
			CampaignID: campaign.ID,
			PledgeID:   p.ID,
			BuyerID:    p.BuyerID,
			Amount:     bracket.UnitPrice.Mul(decimal.NewFromInt(p.Quantity)),
			Status:     model.PaymentPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := l.payments.CreateIntent(ctx, tx, intent); err != nil {
			return notify.Event{}, err
		}
		f := &model.Fulfillment{
			ID:             newID(),
			CampaignID:     campaign.ID,
			PledgeID:       p.ID,
			DeliveryStatus: model.FulfillmentPending,
			UpdatedAt:      now,
		}
		if err := l.fulfillments.CreateFulfillment(ctx, tx, f); err != nil {
			return notify.Event{}, err
		}
	}

	return notify.Event{
		Kind: notify.CampaignLocked,
		Detail: fmt.Sprintf("%d units from %d pledges at %s per unit (bracket %d)",
			qty, len(committed), bracket.UnitPrice.StringFixed(2), bracket.BracketOrder),
	}, nil
}

// Cancel aborts a DRAFT or ACTIVE campaign
func (l *CampaignLifecycle) Cancel(ctx context.Context, id string) (*model.Campaign, error) {
	now := l.opts.clock()
	var (
		out  *model.Campaign
		from model.CampaignStatus
	)
	err := inTx(ctx, l.db, func(tx *sqlx.Tx) error {
		campaign, err := l.campaigns.GetCampaignForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		from = campaign.Status
		if err := expectTransition(campaign, []model.CampaignStatus{model.CampaignDraft, model.CampaignActive}, model.CampaignCancelled); err != nil {
			return err
		}
		if err := l.campaigns.TransitionStatus(ctx, tx, id, from, model.CampaignCancelled, now); err != nil {
			return err
		}
		out, err = l.campaigns.GetCampaign(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.transitioned(ctx, from, out, notify.Event{Kind: notify.CampaignCancelled, Detail: "cancelled by the owner"})
	return out, nil
}

// Complete closes a LOCKED campaign once every committed pledge is paid and delivered
func (l *CampaignLifecycle) Complete(ctx context.Context, id string) (*model.Campaign, error) {
	now := l.opts.clock()
	var out *model.Campaign
	err := inTx(ctx, l.db, func(tx *sqlx.Tx) error {
		campaign, err := l.campaigns.GetCampaignForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := expectTransition(campaign, []model.CampaignStatus{model.CampaignLocked}, model.CampaignDone); err != nil {
			return err
		}
		if err := l.checkCompletable(ctx, tx, id); err != nil {
			return err
		}
		if err := l.campaigns.TransitionStatus(ctx, tx, id, model.CampaignLocked, model.CampaignDone, now); err != nil {
			return err
		}
		out, err = l.campaigns.GetCampaign(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.transitioned(ctx, model.CampaignLocked, out, notify.Event{Kind: notify.CampaignCompleted})
	return out, nil
}

func (l *CampaignLifecycle) checkCompletable(ctx context.Context, tx *sqlx.Tx, id string) error {
	committed, err := l.pledges.ListByCampaignAndStatus(ctx, tx, id, model.PledgeCommitted)
	if err != nil {
		return err
	}
	intents, err := l.payments.ListByCampaign(ctx, tx, id)
	if err != nil {
		return err
	}
	fulfillments, err := l.fulfillments.ListByCampaign(ctx, tx, id)
	if err != nil {
		return err
	}
	paid := make(map[string]bool, len(intents))
	for _, in := range intents {
		paid[in.PledgeID] = in.Status.IsSuccessful()
	}
	delivered := make(map[string]bool, len(fulfillments))
	for _, f := range fulfillments {
		delivered[f.PledgeID] = f.DeliveryStatus == model.FulfillmentDelivered
	}

	var unpaid, undelivered []string
	for _, p := range committed {
		if !paid[p.ID] {
			unpaid = append(unpaid, p.ID)
		}
		if !delivered[p.ID] {
			undelivered = append(undelivered, p.ID)
		}
	}
	if len(unpaid) > 0 {
		return apperrors.Validation(apperrors.CodeCompletionBlocked,
			"campaign %s cannot complete: %d committed pledges have no successful payment", id, len(unpaid)).
			WithMetadata("condition", "payments").
			WithMetadata("pledges", strings.Join(unpaid, ","))
	}
	if len(undelivered) > 0 {
		return apperrors.Validation(apperrors.CodeCompletionBlocked,
			"campaign %s cannot complete: %d committed pledges are not delivered", id, len(undelivered)).
			WithMetadata("condition", "fulfillment").
			WithMetadata("pledges", strings.Join(undelivered, ","))
	}
	return nil
}

// Progress is the public read view of a campaign's pledging
type Progress struct {
	CampaignID         string
	Status             model.CampaignStatus
	TargetQty          int64
	DisplayTotal       int64
	LockEligibleTotal  int64
	MinimumViableOrder int64
	Quote              pricing.Quote
}

// GetProgress reports totals and the live price for the display total
func (l *CampaignLifecycle) GetProgress(ctx context.Context, id string) (*Progress, error) {
	campaign, err := l.campaigns.GetCampaign(ctx, l.db, id)
	if err != nil {
		return nil, err
	}
	brackets, err := l.brackets.ListBrackets(ctx, l.db, id)
	if err != nil {
		return nil, err
	}
	display, err := l.aggregator.DisplayTotal(ctx, l.db, id)
	if err != nil {
		return nil, err
	}
	eligible, err := l.aggregator.LockEligibleTotal(ctx, l.db, id)
	if err != nil {
		return nil, err
	}

	p := &Progress{
		CampaignID:        campaign.ID,
		Status:            campaign.Status,
		TargetQty:         campaign.TargetQty,
		DisplayTotal:      display,
		LockEligibleTotal: eligible,
		Quote:             pricing.Evaluate(brackets, display),
	}
	if threshold, err := pricing.MinimumViableOrder(brackets); err == nil {
		p.MinimumViableOrder = threshold
	}
	return p, nil
}

// DueForGracePeriod lists ACTIVE campaigns ending within the lead time
func (l *CampaignLifecycle) DueForGracePeriod(ctx context.Context) ([]model.Campaign, error) {
	return l.campaigns.ListEndingBefore(ctx, l.db, model.CampaignActive, l.opts.clock().Add(l.opts.leadTime))
}

// DueForEvaluation lists GRACE_PERIOD campaigns whose grace period has ended
func (l *CampaignLifecycle) DueForEvaluation(ctx context.Context) ([]model.Campaign, error) {
	return l.campaigns.ListGraceExpiredBefore(ctx, l.db, model.CampaignGracePeriod, l.opts.clock())
}

// transitioned records a committed transition and notifies about it
func (l *CampaignLifecycle) transitioned(ctx context.Context, from model.CampaignStatus, c *model.Campaign, e notify.Event) {
	metrics.RecordTransition(string(from), string(c.Status))
	log.Printf("Campaign %s moved from %s to %s", c.ID, from, c.Status)

	e.CampaignID = c.ID
	e.OwnerID = c.OwnerID
	e.Status = string(c.Status)
	e.At = c.UpdatedAt
	notify.Dispatch(ctx, l.dispatcher, e)
}

// expectTransition refuses an operation unless the campaign sits in one of the
// statuses it starts from and the lifecycle graph allows every target.
func expectTransition(c *model.Campaign, from []model.CampaignStatus, to ...model.CampaignStatus) error {
	ok := slices.Contains(from, c.Status)
	targets := make([]string, len(to))
	for i, t := range to {
		ok = ok && c.Status.CanTransitionTo(t)
		targets[i] = string(t)
	}
	if ok {
		return nil
	}
	return apperrors.InvalidTransition("campaign", string(c.Status), strings.Join(targets, "|"))
}
