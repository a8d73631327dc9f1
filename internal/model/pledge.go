package model

import (
	"database/sql"
	"time"
)

// PledgeStatus is the state of a buyer's commitment
type PledgeStatus string

const (
	PledgePending   PledgeStatus = "PENDING"
	PledgeCommitted PledgeStatus = "COMMITTED"
	PledgeWithdrawn PledgeStatus = "WITHDRAWN"
)

// Pledge represents a buyer's quantity commitment to a campaign
type Pledge struct {
	ID          string       `db:"id" json:"id"`
	CampaignID  string       `db:"campaign_id" json:"campaign_id"`
	BuyerID     string       `db:"buyer_id" json:"buyer_id"`
	Quantity    int64        `db:"quantity" json:"quantity"`
	Status      PledgeStatus `db:"status" json:"status"`
	CommittedAt sql.NullTime `db:"committed_at" json:"committed_at"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}

// FulfillmentStatus tracks delivery of one pledge
type FulfillmentStatus string

const (
	FulfillmentPending   FulfillmentStatus = "PENDING"
	FulfillmentShipped   FulfillmentStatus = "SHIPPED"
	FulfillmentDelivered FulfillmentStatus = "DELIVERED"
)

// Rank orders fulfillment statuses so updates can be kept monotonic.
func (s FulfillmentStatus) Rank() int {
	switch s {
	case FulfillmentPending:
		return 0
	case FulfillmentShipped:
		return 1
	case FulfillmentDelivered:
		return 2
	default:
		return -1
	}
}

// Fulfillment represents delivery tracking for a committed pledge
type Fulfillment struct {
	ID             string            `db:"id" json:"id"`
	CampaignID     string            `db:"campaign_id" json:"campaign_id"`
	PledgeID       string            `db:"pledge_id" json:"pledge_id"`
	DeliveryStatus FulfillmentStatus `db:"delivery_status" json:"delivery_status"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}
