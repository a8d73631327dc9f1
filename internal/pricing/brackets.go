// Package pricing evaluates quantity-tiered discount brackets. Every function
// here is pure and safe for concurrent use.
package pricing

import (
	"sort"

	"github.com/shopspring/decimal"

	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Sorted returns a copy of brackets ordered by BracketOrder.
func Sorted(brackets []model.DiscountBracket) []model.DiscountBracket {
	out := make([]model.DiscountBracket, len(brackets))
	copy(out, brackets)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BracketOrder < out[j].BracketOrder
	})
	return out
}

// CurrentBracket returns the bracket whose range contains qty. Below every
// minimum the lowest bracket is returned so a price can always be shown;
// above a bounded top bracket the highest one is returned. ok is false only
// when brackets is empty.
func CurrentBracket(brackets []model.DiscountBracket, qty int64) (model.DiscountBracket, bool) {
	sorted := Sorted(brackets)
	idx := currentIndex(sorted, qty)
	if idx < 0 {
		return model.DiscountBracket{}, false
	}
	return sorted[idx], true
}

// NextBracket returns the bracket immediately after the current one.
func NextBracket(brackets []model.DiscountBracket, qty int64) (model.DiscountBracket, bool) {
	sorted := Sorted(brackets)
	idx := currentIndex(sorted, qty)
	if idx < 0 || idx+1 >= len(sorted) {
		return model.DiscountBracket{}, false
	}
	return sorted[idx+1], true
}

func currentIndex(sorted []model.DiscountBracket, qty int64) int {
	if len(sorted) == 0 {
		return -1
	}
	for i, b := range sorted {
		if b.Contains(qty) {
			return i
		}
	}
	if qty < sorted[0].MinQuantity {
		return 0
	}
	return len(sorted) - 1
}

// PercentageToNextTier reports progress from the current bracket's minimum
// towards the next bracket's minimum, clamped to [0, 100] and rounded
// half-up to two decimals.
func PercentageToNextTier(qty int64, current *model.DiscountBracket, next *model.DiscountBracket) decimal.Decimal {
	if next == nil {
		return hundred
	}
	if current == nil {
		return decimal.Zero
	}
	span := next.MinQuantity - current.MinQuantity
	if span <= 0 {
		return decimal.Zero
	}
	pct := decimal.NewFromInt(qty - current.MinQuantity).
		Mul(hundred).
		Div(decimal.NewFromInt(span))
	switch {
	case pct.LessThan(decimal.Zero):
		pct = decimal.Zero
	case pct.GreaterThan(hundred):
		pct = hundred
	}
	// Round is half away from zero, which is half-up once clamped non-negative.
	return pct.Round(2)
}

// Quote is the live pricing view for one quantity.
type Quote struct {
	Quantity        int64
	Current         *model.DiscountBracket
	Next            *model.DiscountBracket
	PercentToNext   decimal.Decimal
	UnitsToNextTier int64
}

// Evaluate combines CurrentBracket, NextBracket and PercentageToNextTier.
func Evaluate(brackets []model.DiscountBracket, qty int64) Quote {
	q := Quote{Quantity: qty}
	if cur, ok := CurrentBracket(brackets, qty); ok {
		q.Current = &cur
	}
	if next, ok := NextBracket(brackets, qty); ok {
		q.Next = &next
		if remaining := next.MinQuantity - qty; remaining > 0 {
			q.UnitsToNextTier = remaining
		}
	}
	q.PercentToNext = PercentageToNextTier(qty, q.Current, q.Next)
	return q
}

// MinimumViableOrder is the committed quantity a campaign needs to lock: the
// minimum of the second bracket, i.e. the volume that exits the base tier.
// A single-bracket campaign needs its base minimum and at least one unit.
func MinimumViableOrder(brackets []model.DiscountBracket) (int64, error) {
	sorted := Sorted(brackets)
	switch len(sorted) {
	case 0:
		return 0, apperrors.Validation(apperrors.CodeNoBrackets, "campaign has no discount brackets")
	case 1:
		if sorted[0].MinQuantity < 1 {
			return 1, nil
		}
		return sorted[0].MinQuantity, nil
	default:
		return sorted[1].MinQuantity, nil
	}
}

// Validate checks that brackets (in any input order) form a contiguous,
// non-overlapping ascending ladder with non-increasing unit prices. Only the
// last bracket may be unbounded.
func Validate(brackets []model.DiscountBracket) error {
	if len(brackets) == 0 {
		return apperrors.Validation(apperrors.CodeNoBrackets, "at least one discount bracket is required")
	}
	sorted := make([]model.DiscountBracket, len(brackets))
	copy(sorted, brackets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinQuantity < sorted[j].MinQuantity
	})
	if sorted[0].MinQuantity < 0 {
		return apperrors.Validation(apperrors.CodeInvalidBrackets, "bracket minimum must not be negative")
	}
	for i, b := range sorted {
		if !b.UnitPrice.IsPositive() {
			return apperrors.Validation(apperrors.CodeInvalidBrackets, "bracket %d unit price must be positive", i)
		}
		if b.MaxQuantity.Valid && b.MaxQuantity.Int64 < b.MinQuantity {
			return apperrors.Validation(apperrors.CodeInvalidBrackets, "bracket %d max %d is below min %d", i, b.MaxQuantity.Int64, b.MinQuantity)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if !prev.MaxQuantity.Valid {
			return apperrors.Validation(apperrors.CodeInvalidBrackets, "only the last bracket may be unbounded")
		}
		if b.MinQuantity != prev.MaxQuantity.Int64+1 {
			return apperrors.Validation(apperrors.CodeInvalidBrackets, "bracket %d must start at %d to stay contiguous, got %d", i, prev.MaxQuantity.Int64+1, b.MinQuantity)
		}
		if b.UnitPrice.GreaterThan(prev.UnitPrice) {
			return apperrors.Validation(apperrors.CodeInvalidBrackets, "bracket %d unit price must not exceed the previous tier", i)
		}
	}
	return nil
}

// Normalize validates brackets and returns them ordered by minimum with
// BracketOrder renumbered 0..n-1.
func Normalize(brackets []model.DiscountBracket) ([]model.DiscountBracket, error) {
	if err := Validate(brackets); err != nil {
		return nil, err
	}
	out := make([]model.DiscountBracket, len(brackets))
	copy(out, brackets)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MinQuantity < out[j].MinQuantity
	})
	for i := range out {
		out[i].BracketOrder = i
	}
	return out, nil
}
