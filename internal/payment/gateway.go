// Package payment talks to the payment processor that collects money for
// committed pledges.
package payment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ChargeRequest is one collection attempt for a payment intent
type ChargeRequest struct {
	IntentID       string
	BuyerID        string
	Amount         decimal.Decimal
	Attempt        int
	IdempotencyKey string
}

// Receipt identifies a successful charge at the processor
type Receipt struct {
	Reference string
}

// Gateway collects payments
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Receipt, error)
}

// IdempotencyKey returns the key sent with the given attempt of an intent.
// A repeated attempt number reuses the key so the processor never charges twice.
func IdempotencyKey(intentID string, attempt int) string {
	return fmt.Sprintf("%s-%d", intentID, attempt)
}

// DeclinedError is returned when the processor refuses a charge. Any other
// Charge error leaves the outcome unknown.
type DeclinedError struct {
	StatusCode int
	Reason     string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("charge declined (%d): %s", e.StatusCode, e.Reason)
}

// HTTPGateway charges through a JSON-over-HTTP processor API
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPGateway creates a gateway client limited to rps requests per second
func NewHTTPGateway(baseURL string, timeout time.Duration, rps int) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Charge posts the charge to <baseURL>/charges with an Idempotency-Key header
func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Receipt{}, fmt.Errorf("rate limiter: %w", err)
	}

	payload, err := structpb.NewStruct(map[string]interface{}{
		"intent_id": req.IntentID,
		"buyer_id":  req.BuyerID,
		"amount":    req.Amount.StringFixed(2),
		"attempt":   req.Attempt,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to build charge payload: %w", err)
	}
	body, err := protojson.Marshal(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to encode charge payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to create charge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Receipt{}, fmt.Errorf("charge request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to read charge response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
		return Receipt{}, &DeclinedError{StatusCode: resp.StatusCode, Reason: strings.TrimSpace(string(data))}
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		// The processor may have charged before failing.
		return Receipt{}, fmt.Errorf("processor returned %d for %s: %s", resp.StatusCode, req.IdempotencyKey, strings.TrimSpace(string(data)))
	}

	var out structpb.Struct
	if err := protojson.Unmarshal(data, &out); err != nil {
		return Receipt{}, fmt.Errorf("failed to decode charge response: %w", err)
	}
	ref := out.GetFields()["reference"].GetStringValue()
	if ref == "" {
		return Receipt{}, fmt.Errorf("charge response for %s has no reference", req.IntentID)
	}
	return Receipt{Reference: ref}, nil
}

// SimulatedGateway approves every charge in memory. It is used when no
// processor URL is configured. Repeating an idempotency key returns the
// original receipt.
type SimulatedGateway struct {
	mu       sync.Mutex
	receipts map[string]Receipt
}

// NewSimulatedGateway creates an in-memory gateway
func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{receipts: make(map[string]Receipt)}
}

// Charge implements Gateway
func (g *SimulatedGateway) Charge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.receipts[req.IdempotencyKey]; ok {
		return r, nil
	}
	r := Receipt{Reference: "sim_" + uuid.NewString()}
	g.receipts[req.IdempotencyKey] = r
	return r, nil
}

// Charges returns how many distinct charges were made
func (g *SimulatedGateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.receipts)
}
