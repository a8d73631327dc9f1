package model

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// CampaignStatus is a campaign lifecycle state
type CampaignStatus string

const (
	CampaignDraft       CampaignStatus = "DRAFT"
	CampaignActive      CampaignStatus = "ACTIVE"
	CampaignGracePeriod CampaignStatus = "GRACE_PERIOD"
	CampaignLocked      CampaignStatus = "LOCKED"
	CampaignCancelled   CampaignStatus = "CANCELLED"
	CampaignDone        CampaignStatus = "DONE"
)

// CanTransitionTo enforces the lifecycle graph. Statuses never regress.
func (s CampaignStatus) CanTransitionTo(to CampaignStatus) bool {
	switch s {
	case CampaignDraft:
		return to == CampaignActive || to == CampaignCancelled
	case CampaignActive:
		return to == CampaignGracePeriod || to == CampaignLocked || to == CampaignCancelled
	case CampaignGracePeriod:
		return to == CampaignLocked || to == CampaignCancelled
	case CampaignLocked:
		return to == CampaignDone
	default:
		return false
	}
}

// Campaign represents a group-buying campaign in the database
type Campaign struct {
	ID                 string              `db:"id" json:"id"`
	OwnerID            string              `db:"owner_id" json:"owner_id"`
	Title              string              `db:"title" json:"title"`
	Description        string              `db:"description" json:"description"`
	ProductDetails     string              `db:"product_details" json:"product_details"`
	StartDate          time.Time           `db:"start_date" json:"start_date"`
	EndDate            time.Time           `db:"end_date" json:"end_date"`
	GracePeriodEndDate sql.NullTime        `db:"grace_period_end_date" json:"grace_period_end_date"`
	TargetQty          int64               `db:"target_qty" json:"target_qty"`
	Status             CampaignStatus      `db:"status" json:"status"`
	LockedQuantity     sql.NullInt64       `db:"locked_quantity" json:"locked_quantity"`
	LockedBracketID    sql.NullString      `db:"locked_bracket_id" json:"locked_bracket_id"`
	LockedUnitPrice    decimal.NullDecimal `db:"locked_unit_price" json:"locked_unit_price"`
	LockedAt           sql.NullTime        `db:"locked_at" json:"locked_at"`
	CreatedAt          time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at" json:"updated_at"`
}

// DiscountBracket maps a quantity range to a unit price. MaxQuantity is
// NULL for the unbounded top bracket.
type DiscountBracket struct {
	ID           string          `db:"id" json:"id"`
	CampaignID   string          `db:"campaign_id" json:"campaign_id"`
	MinQuantity  int64           `db:"min_quantity" json:"min_quantity"`
	MaxQuantity  sql.NullInt64   `db:"max_quantity" json:"max_quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
	BracketOrder int             `db:"bracket_order" json:"bracket_order"`
}

// Contains reports whether qty falls inside [min, max]; a NULL max is +∞.
func (b DiscountBracket) Contains(qty int64) bool {
	if qty < b.MinQuantity {
		return false
	}
	return !b.MaxQuantity.Valid || qty <= b.MaxQuantity.Int64
}
