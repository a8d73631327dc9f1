package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/groupbuy/internal/database"
	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/model"
	"github.com/kkkkikiki/groupbuy/internal/payment"
	"github.com/kkkkikiki/groupbuy/internal/scheduler"
	"github.com/kkkkikiki/groupbuy/internal/service"
)

type fakeCampaigns struct {
	due       []model.Campaign
	failOn    map[string]error
	evaluated []string
}

func (f *fakeCampaigns) DueForGracePeriod(context.Context) ([]model.Campaign, error) {
	return f.due, nil
}

func (f *fakeCampaigns) StartGracePeriod(_ context.Context, id string) (*model.Campaign, error) {
	return f.process(id)
}

func (f *fakeCampaigns) DueForEvaluation(context.Context) ([]model.Campaign, error) {
	return f.due, nil
}

func (f *fakeCampaigns) Evaluate(_ context.Context, id string) (*model.Campaign, error) {
	return f.process(id)
}

func (f *fakeCampaigns) process(id string) (*model.Campaign, error) {
	f.evaluated = append(f.evaluated, id)
	if err := f.failOn[id]; err != nil {
		return nil, err
	}
	return &model.Campaign{ID: id}, nil
}

func TestJobIsolatesItemFailures(t *testing.T) {
	campaigns := &fakeCampaigns{
		due: []model.Campaign{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		failOn: map[string]error{
			"b": apperrors.InvalidTransition("campaign", "LOCKED", "LOCKED|CANCELLED"),
			"c": apperrors.NotFound(apperrors.CodeCampaignNotFound, "campaign", "c"),
		},
	}
	report := scheduler.NewCampaignEvaluationJob(campaigns).Run(context.Background())

	if report.Job != "campaign_evaluation" {
		t.Fatalf("unexpected job name %q", report.Job)
	}
	if report.Selected != 4 || report.Succeeded != 2 || report.Failed != 2 || len(report.Errors) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(campaigns.evaluated) != 4 {
		t.Fatalf("expected every campaign to be attempted, got %v", campaigns.evaluated)
	}
	if !apperrors.IsInvalidTransition(report.Errors[0]) || !apperrors.IsNotFound(report.Errors[1]) {
		t.Fatalf("expected recorded errors to keep their kind, got %v", report.Errors)
	}
}

type failingSelection struct{ fakeCampaigns }

func (failingSelection) DueForGracePeriod(context.Context) ([]model.Campaign, error) {
	return nil, errors.New("database is down")
}

func TestJobReportsSelectionFailure(t *testing.T) {
	report := scheduler.NewGracePeriodTriggerJob(&failingSelection{}).Run(context.Background())
	if report.Selected != 0 || len(report.Errors) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

type countingJob struct {
	runs chan struct{}
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context) scheduler.Report {
	select {
	case j.runs <- struct{}{}:
	default:
	}
	return scheduler.Report{Job: j.Name()}
}

func TestRunnerTicksUntilCancelled(t *testing.T) {
	job := &countingJob{runs: make(chan struct{}, 1)}
	runner := scheduler.NewRunner(scheduler.Schedule{Job: job, Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-job.runs:
		case <-time.After(2 * time.Second):
			t.Fatalf("job ran only %d times", i)
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

type env struct {
	clock     time.Time
	lifecycle *service.CampaignLifecycle
	pledges   *service.PledgeService
	payments  *service.PaymentRetryEngine
}

func newEnv(t *testing.T, gateway payment.Gateway) *env {
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
	e := &env{clock: time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)}
	opts := []service.Option{
		service.WithClock(func() time.Time { return e.clock }),
		service.WithGracePeriodLeadTime(48 * time.Hour),
		service.WithMaxRetries(3),
	}
	e.lifecycle = service.NewCampaignLifecycle(db, nil, opts...)
	e.pledges = service.NewPledgeService(db, opts...)
	e.payments = service.NewPaymentRetryEngine(db, gateway, nil, opts...)
	return e
}

func (e *env) campaign(t *testing.T, endsIn time.Duration) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := e.lifecycle.CreateCampaign(ctx, service.CreateCampaignInput{
		OwnerID:   "supplier-1",
		Title:     "Pallet of printer toner",
		StartDate: e.clock.Add(-24 * time.Hour),
		EndDate:   e.clock.Add(endsIn),
	})
	if err != nil {
		t.Fatal(err)
	}
	top := int64(49)
	_, err = e.lifecycle.SetBrackets(ctx, c.ID, []service.BracketInput{
		{MinQuantity: 0, MaxQuantity: &top, UnitPrice: decimal.NewFromInt(25)},
		{MinQuantity: 50, UnitPrice: decimal.NewFromInt(22)},
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err = e.lifecycle.Publish(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestGracePeriodTriggerRespectsLeadTime(t *testing.T) {
	e := newEnv(t, payment.NewSimulatedGateway())
	ctx := context.Background()
	a := e.campaign(t, 10*time.Hour)
	b := e.campaign(t, 72*time.Hour)

	report := scheduler.NewGracePeriodTriggerJob(e.lifecycle).Run(ctx)
	if report.Selected != 1 || report.Succeeded != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	gotA, _ := e.lifecycle.GetCampaign(ctx, a.ID)
	gotB, _ := e.lifecycle.GetCampaign(ctx, b.ID)
	if gotA.Status != model.CampaignGracePeriod {
		t.Fatalf("expected A in GRACE_PERIOD, got %s", gotA.Status)
	}
	if gotB.Status != model.CampaignActive {
		t.Fatalf("expected B to stay ACTIVE, got %s", gotB.Status)
	}

	// A second tick has nothing left to do.
	if again := scheduler.NewGracePeriodTriggerJob(e.lifecycle).Run(ctx); again.Selected != 0 {
		t.Fatalf("expected nothing selected on the next tick, got %+v", again)
	}
}

func TestFullCycleThroughJobs(t *testing.T) {
	gateway := payment.NewSimulatedGateway()
	e := newEnv(t, gateway)
	ctx := context.Background()

	locks := e.campaign(t, 10*time.Hour)
	cancels := e.campaign(t, 10*time.Hour)
	var confirmable []string
	for i, qty := range []int64{30, 25} {
		p, err := e.pledges.SubmitPledge(ctx, locks.ID, string(rune('a'+i)), qty)
		if err != nil {
			t.Fatal(err)
		}
		confirmable = append(confirmable, p.ID)
	}
	small, err := e.pledges.SubmitPledge(ctx, cancels.ID, "a", 10)
	if err != nil {
		t.Fatal(err)
	}

	runner := scheduler.NewRunner(
		scheduler.Schedule{Job: scheduler.NewGracePeriodTriggerJob(e.lifecycle), Interval: time.Minute},
		scheduler.Schedule{Job: scheduler.NewCampaignEvaluationJob(e.lifecycle), Interval: time.Minute},
		scheduler.Schedule{Job: scheduler.NewPaymentCollectionJob(e.payments), Interval: time.Minute},
		scheduler.Schedule{Job: scheduler.NewPaymentRetryJob(e.payments), Interval: time.Minute},
	)
	runner.RunOnce(ctx)

	for _, id := range []string{locks.ID, cancels.ID} {
		c, _ := e.lifecycle.GetCampaign(ctx, id)
		if c.Status != model.CampaignGracePeriod {
			t.Fatalf("expected GRACE_PERIOD, got %s", c.Status)
		}
	}

	pending, err := e.lifecycle.GetProgress(ctx, locks.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pending.DisplayTotal != 55 || pending.LockEligibleTotal != 0 {
		t.Fatalf("unexpected totals before confirmation %+v", pending)
	}

	// Confirm every pledge on the first campaign; the small one is never confirmed.
	for _, id := range confirmable {
		if _, err := e.pledges.ConfirmPledge(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	e.clock = e.clock.Add(11 * time.Hour)
	reports := runner.RunOnce(ctx)
	if reports[1].Selected != 2 || reports[1].Succeeded != 2 {
		t.Fatalf("unexpected evaluation report %+v", reports[1])
	}
	if reports[2].Selected != 2 || reports[2].Succeeded != 2 {
		t.Fatalf("unexpected collection report %+v", reports[2])
	}

	gotLocked, _ := e.lifecycle.GetCampaign(ctx, locks.ID)
	gotCancelled, _ := e.lifecycle.GetCampaign(ctx, cancels.ID)
	if gotLocked.Status != model.CampaignLocked || gotCancelled.Status != model.CampaignCancelled {
		t.Fatalf("expected LOCKED and CANCELLED, got %s and %s", gotLocked.Status, gotCancelled.Status)
	}
	intents, err := e.payments.ListIntents(ctx, locks.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range intents {
		if in.Status != model.PaymentSucceeded {
			t.Fatalf("expected collected intent, got %s", in.Status)
		}
	}
	if gateway.Charges() != 2 {
		t.Fatalf("expected 2 charges, got %d", gateway.Charges())
	}
	if p, _ := e.pledges.GetPledge(ctx, small.ID); p.Status != model.PledgePending {
		t.Fatalf("cancelled campaign pledges are left as they were, got %s", p.Status)
	}
}

func TestJobNamesAreDistinct(t *testing.T) {
	jobs := []scheduler.Job{
		scheduler.NewGracePeriodTriggerJob(nil),
		scheduler.NewCampaignEvaluationJob(nil),
		scheduler.NewPaymentCollectionJob(nil),
		scheduler.NewPaymentRetryJob(nil),
	}
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		name := j.Name()
		if name == "" || seen[name] {
			t.Fatalf("job names must be unique metric labels, got %q twice or empty", name)
		}
		seen[name] = true
	}
}
