package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/groupbuy/internal/database"
	"github.com/kkkkikiki/groupbuy/internal/model"
	"github.com/kkkkikiki/groupbuy/internal/notify"
	"github.com/kkkkikiki/groupbuy/internal/payment"
	"github.com/kkkkikiki/groupbuy/internal/service"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeGateway declines the next `failures` charges (forever when negative)
// and runs `during` while a charge is in flight.
type fakeGateway struct {
	failures int
	during   func()
	calls    []payment.ChargeRequest
}

func (g *fakeGateway) Charge(_ context.Context, req payment.ChargeRequest) (payment.Receipt, error) {
	g.calls = append(g.calls, req)
	if g.during != nil {
		g.during()
	}
	if g.failures != 0 {
		if g.failures > 0 {
			g.failures--
		}
		return payment.Receipt{}, &payment.DeclinedError{StatusCode: 402, Reason: "card declined"}
	}
	return payment.Receipt{Reference: "ref-" + req.IdempotencyKey}, nil
}

type failingDispatcher struct{}

func (failingDispatcher) Send(context.Context, notify.Event) error {
	return errors.New("notification backend down")
}

type fixture struct {
	db           *sqlx.DB
	clock        *fakeClock
	recorder     *notify.Recorder
	gateway      *fakeGateway
	lifecycle    *service.CampaignLifecycle
	pledges      *service.PledgeService
	payments     *service.PaymentRetryEngine
	fulfillments *service.FulfillmentService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(ctx, db); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		db:       db,
		clock:    &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
		recorder: &notify.Recorder{},
		gateway:  &fakeGateway{},
	}
	opts := []service.Option{
		service.WithClock(f.clock.Now),
		service.WithGracePeriodLeadTime(48 * time.Hour),
		service.WithMaxRetries(3),
		service.WithAttemptLease(2 * time.Minute),
	}
	dispatcher := notify.NewRouter(f.recorder)
	f.lifecycle = service.NewCampaignLifecycle(db, dispatcher, opts...)
	f.pledges = service.NewPledgeService(db, opts...)
	f.payments = service.NewPaymentRetryEngine(db, f.gateway, dispatcher, opts...)
	f.fulfillments = service.NewFulfillmentService(db, opts...)
	return f
}

func maxQty(n int64) *int64 { return &n }

// exampleBrackets is the two-tier ladder 0-49 at $25, 50-99 at $22.
func exampleBrackets() []service.BracketInput {
	return []service.BracketInput{
		{MinQuantity: 0, MaxQuantity: maxQty(49), UnitPrice: decimal.RequireFromString("25.00")},
		{MinQuantity: 50, MaxQuantity: maxQty(99), UnitPrice: decimal.RequireFromString("22.00")},
	}
}

func threeTierBrackets() []service.BracketInput {
	return []service.BracketInput{
		{MinQuantity: 0, MaxQuantity: maxQty(49), UnitPrice: decimal.RequireFromString("25.00")},
		{MinQuantity: 50, MaxQuantity: maxQty(99), UnitPrice: decimal.RequireFromString("22.00")},
		{MinQuantity: 100, UnitPrice: decimal.RequireFromString("20.00")},
	}
}

// draftCampaign creates a DRAFT campaign ending in endsIn with the given brackets.
func (f *fixture) draftCampaign(t *testing.T, endsIn time.Duration, brackets []service.BracketInput) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := f.lifecycle.CreateCampaign(ctx, service.CreateCampaignInput{
		OwnerID:   "supplier-1",
		Title:     "Recycled copy paper, 500 sheets",
		StartDate: f.clock.Now().Add(-24 * time.Hour),
		EndDate:   f.clock.Now().Add(endsIn),
		TargetQty: 100,
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if brackets != nil {
		if _, err := f.lifecycle.SetBrackets(ctx, c.ID, brackets); err != nil {
			t.Fatalf("set brackets: %v", err)
		}
	}
	return c
}

// activeCampaign creates and publishes a campaign ending in 72h.
func (f *fixture) activeCampaign(t *testing.T, brackets []service.BracketInput) *model.Campaign {
	t.Helper()
	c := f.draftCampaign(t, 72*time.Hour, brackets)
	published, err := f.lifecycle.Publish(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return published
}

func (f *fixture) pledge(t *testing.T, campaignID, buyerID string, qty int64) *model.Pledge {
	t.Helper()
	p, err := f.pledges.SubmitPledge(context.Background(), campaignID, buyerID, qty)
	if err != nil {
		t.Fatalf("submit pledge for %s: %v", buyerID, err)
	}
	return p
}

func (f *fixture) confirm(t *testing.T, pledgeID string) {
	t.Helper()
	if _, err := f.pledges.ConfirmPledge(context.Background(), pledgeID); err != nil {
		t.Fatalf("confirm pledge %s: %v", pledgeID, err)
	}
}

// lockedCampaign returns a LOCKED campaign with two committed pledges (30 and 25 units).
func (f *fixture) lockedCampaign(t *testing.T) (*model.Campaign, []*model.Pledge) {
	t.Helper()
	ctx := context.Background()
	c := f.activeCampaign(t, exampleBrackets())
	a := f.pledge(t, c.ID, "buyer-a", 30)
	b := f.pledge(t, c.ID, "buyer-b", 25)
	if _, err := f.lifecycle.StartGracePeriod(ctx, c.ID); err != nil {
		t.Fatalf("start grace period: %v", err)
	}
	f.confirm(t, a.ID)
	f.confirm(t, b.ID)
	f.clock.Advance(73 * time.Hour)
	locked, err := f.lifecycle.Evaluate(ctx, c.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if locked.Status != model.CampaignLocked {
		t.Fatalf("expected LOCKED, got %s", locked.Status)
	}
	return locked, []*model.Pledge{a, b}
}

func hasKind(kinds []notify.Kind, want notify.Kind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
