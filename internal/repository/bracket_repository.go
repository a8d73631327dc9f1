package repository

import (
	"context"
	"fmt"

	"github.com/kkkkikiki/groupbuy/internal/model"
)

// BracketRepository handles discount bracket data operations
type BracketRepository struct{}

// NewBracketRepository creates a new bracket repository
func NewBracketRepository() *BracketRepository {
	return &BracketRepository{}
}

// ReplaceBrackets deletes the campaign's brackets and inserts the given set
func (r *BracketRepository) ReplaceBrackets(ctx context.Context, db DBExecutor, campaignID string, brackets []model.DiscountBracket) error {
	if _, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM discount_brackets WHERE campaign_id = ?`), campaignID); err != nil {
		return fmt.Errorf("failed to delete brackets: %w", err)
	}

	query := db.Rebind(`
		INSERT INTO discount_brackets (id, campaign_id, min_quantity, max_quantity, unit_price, bracket_order)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	for _, b := range brackets {
		if _, err := db.ExecContext(ctx, query, b.ID, campaignID, b.MinQuantity, b.MaxQuantity, b.UnitPrice, b.BracketOrder); err != nil {
			return fmt.Errorf("failed to insert bracket %d: %w", b.BracketOrder, err)
		}
	}
	return nil
}

// ListBrackets returns a campaign's brackets ordered by bracket_order
func (r *BracketRepository) ListBrackets(ctx context.Context, db DBExecutor, campaignID string) ([]model.DiscountBracket, error) {
	query := db.Rebind(`
		SELECT id, campaign_id, min_quantity, max_quantity, unit_price, bracket_order
		FROM discount_brackets
		WHERE campaign_id = ?
		ORDER BY bracket_order ASC
	`)

	var brackets []model.DiscountBracket
	if err := db.SelectContext(ctx, &brackets, query, campaignID); err != nil {
		return nil, fmt.Errorf("failed to list brackets: %w", err)
	}
	return brackets, nil
}
