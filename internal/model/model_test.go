package model

import (
	"database/sql"
	"testing"
)

func TestCampaignTransitionsNeverRegress(t *testing.T) {
	order := map[CampaignStatus]int{
		CampaignDraft:       0,
		CampaignActive:      1,
		CampaignGracePeriod: 2,
		CampaignLocked:      3,
		CampaignCancelled:   3,
		CampaignDone:        4,
	}
	for from := range order {
		for to := range order {
			if from.CanTransitionTo(to) && order[to] <= order[from] {
				t.Fatalf("transition %s -> %s regresses", from, to)
			}
		}
	}
	for _, terminal := range []CampaignStatus{CampaignDone, CampaignCancelled} {
		for to := range order {
			if terminal.CanTransitionTo(to) {
				t.Fatalf("terminal %s must not transition to %s", terminal, to)
			}
		}
	}
}

func TestFailureStatus(t *testing.T) {
	tests := []struct {
		retryCount, maxRetries int
		want                   PaymentStatus
	}{
		{1, 3, PaymentFailedRetry1},
		{2, 3, PaymentFailedRetry2},
		{3, 3, PaymentFailedFinal},
		{3, 5, PaymentFailedRetry2},
		{5, 5, PaymentFailedFinal},
		{1, 1, PaymentFailedFinal},
	}
	for _, tt := range tests {
		if got := FailureStatus(tt.retryCount, tt.maxRetries); got != tt.want {
			t.Fatalf("FailureStatus(%d, %d) = %s, want %s", tt.retryCount, tt.maxRetries, got, tt.want)
		}
	}
}

func TestBracketContains(t *testing.T) {
	bounded := DiscountBracket{MinQuantity: 50, MaxQuantity: sql.NullInt64{Int64: 99, Valid: true}}
	if bounded.Contains(49) || !bounded.Contains(50) || !bounded.Contains(99) || bounded.Contains(100) {
		t.Fatal("bounded bracket range check failed")
	}
	open := DiscountBracket{MinQuantity: 100}
	if !open.Contains(1_000_000) || open.Contains(99) {
		t.Fatal("unbounded bracket range check failed")
	}
}
