package pricing

import (
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"

	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/model"
)

func bracket(order int, min int64, max int64, price string) model.DiscountBracket {
	b := model.DiscountBracket{
		ID:           "b" + decimal.NewFromInt(int64(order)).String(),
		MinQuantity:  min,
		UnitPrice:    decimal.RequireFromString(price),
		BracketOrder: order,
	}
	if max >= 0 {
		b.MaxQuantity = sql.NullInt64{Int64: max, Valid: true}
	}
	return b
}

func ladder() []model.DiscountBracket {
	// Deliberately out of order to exercise sorting.
	return []model.DiscountBracket{
		bracket(2, 100, -1, "20.00"),
		bracket(0, 10, 49, "25.00"),
		bracket(1, 50, 99, "22.00"),
	}
}

func TestCurrentBracketContainsQuantity(t *testing.T) {
	brackets := ladder()
	for q := int64(0); q <= 250; q++ {
		cur, ok := CurrentBracket(brackets, q)
		if !ok {
			t.Fatalf("q=%d: expected a bracket", q)
		}
		matches := 0
		for _, b := range brackets {
			if b.Contains(q) {
				matches++
				if b.ID != cur.ID {
					t.Fatalf("q=%d: expected %s, got %s", q, b.ID, cur.ID)
				}
			}
		}
		if matches > 1 {
			t.Fatalf("q=%d: overlapping ladder", q)
		}
		if matches == 0 && cur.BracketOrder != 0 {
			t.Fatalf("q=%d below every minimum must return lowest bracket, got order %d", q, cur.BracketOrder)
		}
	}
}

func TestCurrentBracketAboveBoundedTop(t *testing.T) {
	brackets := []model.DiscountBracket{bracket(0, 0, 49, "25"), bracket(1, 50, 99, "22")}
	cur, ok := CurrentBracket(brackets, 500)
	if !ok || cur.BracketOrder != 1 {
		t.Fatalf("expected top bracket, got %+v ok=%v", cur, ok)
	}
}

func TestCurrentBracketEmpty(t *testing.T) {
	if _, ok := CurrentBracket(nil, 10); ok {
		t.Fatal("expected no bracket for empty set")
	}
	if _, ok := NextBracket(nil, 10); ok {
		t.Fatal("expected no next bracket for empty set")
	}
}

func TestNextBracket(t *testing.T) {
	brackets := ladder()
	next, ok := NextBracket(brackets, 20)
	if !ok || next.BracketOrder != 1 {
		t.Fatalf("expected order 1, got %+v", next)
	}
	next, ok = NextBracket(brackets, 75)
	if !ok || next.BracketOrder != 2 {
		t.Fatalf("expected order 2, got %+v", next)
	}
	if _, ok := NextBracket(brackets, 150); ok {
		t.Fatal("expected no next bracket from the top tier")
	}
}

func TestPercentageToNextTier(t *testing.T) {
	cur := bracket(0, 0, 49, "25")
	next := bracket(1, 50, 99, "22")
	degenerate := bracket(1, 0, 99, "22")
	third := bracket(0, 0, 2, "1")
	thirdNext := bracket(1, 3, -1, "1")

	tests := []struct {
		name    string
		qty     int64
		current *model.DiscountBracket
		next    *model.DiscountBracket
		want    string
	}{
		{name: "no next", qty: 10, current: &cur, next: nil, want: "100"},
		{name: "no current", qty: 10, current: nil, next: &next, want: "0"},
		{name: "start of range", qty: 0, current: &cur, next: &next, want: "0"},
		{name: "midway", qty: 25, current: &cur, next: &next, want: "50"},
		{name: "half up rounding", qty: 1, current: &third, next: &thirdNext, want: "33.33"},
		{name: "clamped above", qty: 80, current: &cur, next: &next, want: "100"},
		{name: "degenerate span", qty: 10, current: &cur, next: &degenerate, want: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PercentageToNextTier(tt.qty, tt.current, tt.next)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestPercentageClampsNegativeProgress(t *testing.T) {
	cur := bracket(0, 10, 49, "25")
	next := bracket(1, 50, 99, "22")
	got := PercentageToNextTier(3, &cur, &next)
	if !got.Equal(decimal.Zero) {
		t.Fatalf("quantity below current minimum must clamp to 0, got %s", got)
	}
}

func TestPercentageRoundsHalfUp(t *testing.T) {
	cur := bracket(0, 0, 7, "25")
	next := bracket(1, 8, -1, "22")
	wide := bracket(1, 16, -1, "22")
	got := PercentageToNextTier(1, &cur, &wide)
	if !got.Equal(decimal.RequireFromString("6.25")) {
		t.Fatalf("expected 6.25, got %s", got)
	}
	span := bracket(1, 800, -1, "22")
	got = PercentageToNextTier(1, &cur, &span)
	if !got.Equal(decimal.RequireFromString("0.13")) {
		t.Fatalf("expected 0.13, got %s", got)
	}
	got = PercentageToNextTier(1, &cur, &next)
	if !got.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("expected 12.5, got %s", got)
	}
}

func TestPercentageMonotonicWithinBracket(t *testing.T) {
	brackets := ladder()
	prev := decimal.NewFromInt(-1)
	for q := int64(50); q <= 99; q++ {
		quote := Evaluate(brackets, q)
		if quote.PercentToNext.LessThan(prev) {
			t.Fatalf("q=%d: percentage decreased from %s to %s", q, prev, quote.PercentToNext)
		}
		if quote.PercentToNext.LessThan(decimal.Zero) || quote.PercentToNext.GreaterThan(hundred) {
			t.Fatalf("q=%d: percentage %s out of range", q, quote.PercentToNext)
		}
		prev = quote.PercentToNext
	}
}

func TestEvaluateQuote(t *testing.T) {
	quote := Evaluate(ladder(), 60)
	if quote.Current == nil || quote.Current.BracketOrder != 1 {
		t.Fatalf("expected current order 1, got %+v", quote.Current)
	}
	if quote.Next == nil || quote.Next.BracketOrder != 2 {
		t.Fatalf("expected next order 2, got %+v", quote.Next)
	}
	if quote.UnitsToNextTier != 40 {
		t.Fatalf("expected 40 units to next tier, got %d", quote.UnitsToNextTier)
	}
	if !quote.PercentToNext.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected 20%%, got %s", quote.PercentToNext)
	}
}

func TestMinimumViableOrder(t *testing.T) {
	got, err := MinimumViableOrder(ladder())
	if err != nil || got != 50 {
		t.Fatalf("expected 50, got %d err=%v", got, err)
	}
	got, err = MinimumViableOrder([]model.DiscountBracket{bracket(0, 0, -1, "10")})
	if err != nil || got != 1 {
		t.Fatalf("expected 1 for single base bracket, got %d err=%v", got, err)
	}
	got, err = MinimumViableOrder([]model.DiscountBracket{bracket(0, 5, -1, "10")})
	if err != nil || got != 5 {
		t.Fatalf("expected 5, got %d err=%v", got, err)
	}
	if _, err := MinimumViableOrder(nil); !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		brackets []model.DiscountBracket
		ok       bool
	}{
		{name: "valid ladder", brackets: ladder(), ok: true},
		{name: "empty", brackets: nil},
		{name: "gap", brackets: []model.DiscountBracket{bracket(0, 0, 49, "25"), bracket(1, 51, -1, "22")}},
		{name: "overlap", brackets: []model.DiscountBracket{bracket(0, 0, 49, "25"), bracket(1, 40, -1, "22")}},
		{name: "unbounded middle", brackets: []model.DiscountBracket{bracket(0, 0, -1, "25"), bracket(1, 50, -1, "22")}},
		{name: "price increases", brackets: []model.DiscountBracket{bracket(0, 0, 49, "20"), bracket(1, 50, -1, "22")}},
		{name: "zero price", brackets: []model.DiscountBracket{bracket(0, 0, -1, "0")}},
		{name: "max below min", brackets: []model.DiscountBracket{bracket(0, 10, 5, "1")}},
		{name: "negative min", brackets: []model.DiscountBracket{bracket(0, -1, -1, "1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.brackets)
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok && !apperrors.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestNormalizeRenumbersOrder(t *testing.T) {
	out, err := Normalize(ladder())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for i, b := range out {
		if b.BracketOrder != i {
			t.Fatalf("expected order %d, got %d", i, b.BracketOrder)
		}
		if i > 0 && b.MinQuantity <= out[i-1].MinQuantity {
			t.Fatal("expected ascending minimums")
		}
	}
}
