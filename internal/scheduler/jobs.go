// Package scheduler runs the periodic drivers of the campaign and payment
// lifecycles. Each job selects eligible entities, processes them one by one
// and keeps going when one of them fails; the next tick picks up whatever
// is still eligible.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kkkkikiki/groupbuy/internal/metrics"
	"github.com/kkkkikiki/groupbuy/internal/model"
)

// CampaignEngine is the part of the campaign lifecycle the jobs drive
type CampaignEngine interface {
	DueForGracePeriod(ctx context.Context) ([]model.Campaign, error)
	StartGracePeriod(ctx context.Context, id string) (*model.Campaign, error)
	DueForEvaluation(ctx context.Context) ([]model.Campaign, error)
	Evaluate(ctx context.Context, id string) (*model.Campaign, error)
}

// PaymentEngine is the part of the payment engine the jobs drive
type PaymentEngine interface {
	PendingPayments(ctx context.Context) ([]model.PaymentIntent, error)
	CollectPayment(ctx context.Context, id string) (*model.PaymentIntent, error)
	RetryablePayments(ctx context.Context) ([]model.PaymentIntent, error)
	RetryFailedPayment(ctx context.Context, id string) (*model.PaymentIntent, error)
}

// Report summarises one job run
type Report struct {
	Job       string
	Selected  int
	Succeeded int
	Failed    int
	Errors    []error
}

// Job is a periodic driver
type Job interface {
	Name() string
	Run(ctx context.Context) Report
}

// GracePeriodTriggerJob moves ACTIVE campaigns ending within the lead time into GRACE_PERIOD
type GracePeriodTriggerJob struct {
	campaigns CampaignEngine
}

// NewGracePeriodTriggerJob creates the grace period trigger
func NewGracePeriodTriggerJob(campaigns CampaignEngine) *GracePeriodTriggerJob {
	return &GracePeriodTriggerJob{campaigns: campaigns}
}

// Name labels the job in logs and metrics
func (j *GracePeriodTriggerJob) Name() string { return "grace_period_trigger" }

// Run moves every campaign DueForGracePeriod returns into GRACE_PERIOD
func (j *GracePeriodTriggerJob) Run(ctx context.Context) Report {
	return runBatch(ctx, j.Name(),
		func(ctx context.Context) ([]string, error) {
			return campaignIDs(j.campaigns.DueForGracePeriod(ctx))
		},
		func(ctx context.Context, id string) error {
			_, err := j.campaigns.StartGracePeriod(ctx, id)
			return err
		})
}

// CampaignEvaluationJob resolves GRACE_PERIOD campaigns whose grace period has ended
type CampaignEvaluationJob struct {
	campaigns CampaignEngine
}

// NewCampaignEvaluationJob creates the evaluation job
func NewCampaignEvaluationJob(campaigns CampaignEngine) *CampaignEvaluationJob {
	return &CampaignEvaluationJob{campaigns: campaigns}
}

// Name labels the job in logs and metrics
func (j *CampaignEvaluationJob) Name() string { return "campaign_evaluation" }

// Run evaluates every campaign DueForEvaluation returns
func (j *CampaignEvaluationJob) Run(ctx context.Context) Report {
	return runBatch(ctx, j.Name(),
		func(ctx context.Context) ([]string, error) {
			return campaignIDs(j.campaigns.DueForEvaluation(ctx))
		},
		func(ctx context.Context, id string) error {
			_, err := j.campaigns.Evaluate(ctx, id)
			return err
		})
}

// PaymentRetryJob retries failed payment intents still below the retry bound
type PaymentRetryJob struct {
	payments PaymentEngine
}

// NewPaymentRetryJob creates the retry job
func NewPaymentRetryJob(payments PaymentEngine) *PaymentRetryJob {
	return &PaymentRetryJob{payments: payments}
}

// Name labels the job in logs and metrics
func (j *PaymentRetryJob) Name() string { return "payment_retry" }

// Run retries every intent RetryablePayments returns
func (j *PaymentRetryJob) Run(ctx context.Context) Report {
	return runBatch(ctx, j.Name(),
		func(ctx context.Context) ([]string, error) {
			return intentIDs(j.payments.RetryablePayments(ctx))
		},
		func(ctx context.Context, id string) error {
			_, err := j.payments.RetryFailedPayment(ctx, id)
			return err
		})
}

// PaymentCollectionJob makes the first collection attempt for PENDING intents
type PaymentCollectionJob struct {
	payments PaymentEngine
}

// NewPaymentCollectionJob creates the collection job
func NewPaymentCollectionJob(payments PaymentEngine) *PaymentCollectionJob {
	return &PaymentCollectionJob{payments: payments}
}

// Name labels the job in logs and metrics
func (j *PaymentCollectionJob) Name() string { return "payment_collection" }

// Run charges every intent PendingPayments returns
func (j *PaymentCollectionJob) Run(ctx context.Context) Report {
	return runBatch(ctx, j.Name(),
		func(ctx context.Context) ([]string, error) {
			return intentIDs(j.payments.PendingPayments(ctx))
		},
		func(ctx context.Context, id string) error {
			_, err := j.payments.CollectPayment(ctx, id)
			return err
		})
}

// runBatch selects ids and processes each one, recording failures without
// stopping. It only stops early when ctx is cancelled.
func runBatch(ctx context.Context, name string, selectIDs func(context.Context) ([]string, error), process func(context.Context, string) error) Report {
	start := time.Now()
	report := Report{Job: name}

	ids, err := selectIDs(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("failed to select entities: %w", err))
		log.Printf("[%s] failed to select entities: %v", name, err)
		metrics.RecordJobRun(name, time.Since(start).Seconds(), 0)
		return report
	}
	report.Selected = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := process(ctx, id); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Errorf("%s: %w", id, err))
			log.Printf("[%s] failed to process %s: %v", name, id, err)
			continue
		}
		report.Succeeded++
	}

	metrics.RecordJobRun(name, time.Since(start).Seconds(), report.Failed)
	if report.Selected > 0 {
		log.Printf("[%s] selected=%d succeeded=%d failed=%d", name, report.Selected, report.Succeeded, report.Failed)
	}
	return report
}

func campaignIDs(campaigns []model.Campaign, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(campaigns))
	for i, c := range campaigns {
		ids[i] = c.ID
	}
	return ids, nil
}

func intentIDs(intents []model.PaymentIntent, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(intents))
	for i, in := range intents {
		ids[i] = in.ID
	}
	return ids, nil
}
