package service

import (
	"context"

	"github.com/kkkkikiki/groupbuy/internal/model"
	"github.com/kkkkikiki/groupbuy/internal/repository"
)

// PledgeAggregator totals pledged quantity straight from the pledge rows on
// every call. The two totals answer different questions and are kept apart.
type PledgeAggregator struct {
	pledges *repository.PledgeRepository
}

// NewPledgeAggregator creates a new aggregator
func NewPledgeAggregator() *PledgeAggregator {
	return &PledgeAggregator{pledges: repository.NewPledgeRepository()}
}

// DisplayTotal sums PENDING and COMMITTED pledges, for public progress.
func (a *PledgeAggregator) DisplayTotal(ctx context.Context, db repository.DBExecutor, campaignID string) (int64, error) {
	return a.pledges.SumQuantity(ctx, db, campaignID, model.PledgePending, model.PledgeCommitted)
}

// LockEligibleTotal sums COMMITTED pledges only, for lock and cancel decisions.
func (a *PledgeAggregator) LockEligibleTotal(ctx context.Context, db repository.DBExecutor, campaignID string) (int64, error) {
	return a.pledges.SumQuantity(ctx, db, campaignID, model.PledgeCommitted)
}
