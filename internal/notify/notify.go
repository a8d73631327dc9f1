// Package notify delivers side-effect notifications for campaign and payment
// transitions. Delivery is fire-and-forget: a failed dispatch is logged and
// counted but never fails the transition that produced it.
package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kkkkikiki/groupbuy/internal/metrics"
)

// Kind tags a notification event
type Kind string

const (
	CampaignPublished          Kind = "campaign.published"
	CampaignGracePeriodStarted Kind = "campaign.grace_period_started"
	CampaignLocked             Kind = "campaign.locked"
	CampaignCancelled          Kind = "campaign.cancelled"
	CampaignCompleted          Kind = "campaign.completed"
	PaymentSucceeded           Kind = "payment.succeeded"
	PaymentFailed              Kind = "payment.failed"
)

// Event is a single notification. Which fields are set depends on Kind.
type Event struct {
	Kind       Kind
	CampaignID string
	OwnerID    string
	PledgeID   string
	IntentID   string
	BuyerID    string
	Status     string
	Detail     string
	At         time.Time
}

// Audience says who a notification is addressed to
type Audience string

const (
	AudienceSupplier Audience = "supplier"
	AudienceBuyers   Audience = "buyers"
	AudienceBuyer    Audience = "buyer"
)

// Message is a routed event ready for a sink
type Message struct {
	Kind     Kind
	Audience Audience
	Subject  string
	Body     string
	Event    Event
}

// Route maps an event to its message. Unknown kinds are an error.
func Route(e Event) (Message, error) {
	m := Message{Kind: e.Kind, Event: e}
	switch e.Kind {
	case CampaignPublished:
		m.Audience = AudienceBuyers
		m.Subject = "Campaign open for pledges"
		m.Body = fmt.Sprintf("campaign %s is accepting pledges", e.CampaignID)
	case CampaignGracePeriodStarted:
		m.Audience = AudienceBuyers
		m.Subject = "Confirm your pledge"
		m.Body = fmt.Sprintf("campaign %s entered its grace period, confirm pending pledges before %s", e.CampaignID, e.Detail)
	case CampaignLocked:
		m.Audience = AudienceBuyers
		m.Subject = "Campaign locked"
		m.Body = fmt.Sprintf("campaign %s locked: %s", e.CampaignID, e.Detail)
	case CampaignCancelled:
		m.Audience = AudienceBuyers
		m.Subject = "Campaign cancelled"
		m.Body = fmt.Sprintf("campaign %s was cancelled: %s", e.CampaignID, e.Detail)
	case CampaignCompleted:
		m.Audience = AudienceSupplier
		m.Subject = "Campaign completed"
		m.Body = fmt.Sprintf("campaign %s is done", e.CampaignID)
	case PaymentSucceeded:
		m.Audience = AudienceBuyer
		m.Subject = "Payment received"
		m.Body = fmt.Sprintf("payment %s for pledge %s succeeded", e.IntentID, e.PledgeID)
	case PaymentFailed:
		m.Audience = AudienceBuyer
		m.Subject = "Payment failed"
		m.Body = fmt.Sprintf("payment %s for pledge %s failed (%s): %s", e.IntentID, e.PledgeID, e.Status, e.Detail)
	default:
		return Message{}, fmt.Errorf("unknown notification kind %q", e.Kind)
	}
	return m, nil
}

// Dispatcher sends notification events
type Dispatcher interface {
	Send(ctx context.Context, e Event) error
}

// Sink delivers a routed message
type Sink interface {
	Deliver(ctx context.Context, m Message) error
}

// Router routes events and hands the messages to its sinks
type Router struct {
	sinks []Sink
}

// NewRouter creates a dispatcher delivering to every sink
func NewRouter(sinks ...Sink) *Router {
	return &Router{sinks: sinks}
}

// Send routes e and delivers it to every sink, returning the first failure
func (r *Router) Send(ctx context.Context, e Event) error {
	m, err := Route(e)
	if err != nil {
		return err
	}
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Deliver(ctx, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispatch sends e through d. Failures are logged and counted, never returned.
func Dispatch(ctx context.Context, d Dispatcher, e Event) {
	if d == nil {
		return
	}
	if err := d.Send(ctx, e); err != nil {
		metrics.RecordNotificationFailure(string(e.Kind))
		log.Printf("Failed to dispatch %s notification for campaign %s: %v", e.Kind, e.CampaignID, err)
	}
}

// LogSink writes messages to the standard logger
type LogSink struct{}

// Deliver implements Sink
func (LogSink) Deliver(_ context.Context, m Message) error {
	log.Printf("notify[%s -> %s] %s: %s", m.Kind, m.Audience, m.Subject, m.Body)
	return nil
}

// Recorder keeps delivered messages in memory
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Deliver implements Sink
func (r *Recorder) Deliver(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return nil
}

// Messages returns a copy of everything recorded so far
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Kinds returns the kinds recorded so far, in order
func (r *Recorder) Kinds() []Kind {
	msgs := r.Messages()
	out := make([]Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}
