package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/model"
)

// DBExecutor interface for database operations (can be *sqlx.DB or *sqlx.Tx).
// Queries are written with '?' placeholders and rebound for the driver.
type DBExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

var (
	_ DBExecutor = (*sqlx.DB)(nil)
	_ DBExecutor = (*sqlx.Tx)(nil)
)

const campaignColumns = `id, owner_id, title, description, product_details, start_date, end_date,
	grace_period_end_date, target_qty, status, locked_quantity, locked_bracket_id, locked_unit_price,
	locked_at, created_at, updated_at`

// CampaignRepository handles campaign data operations
type CampaignRepository struct{}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository() *CampaignRepository {
	return &CampaignRepository{}
}

// CreateCampaign inserts a new campaign
func (r *CampaignRepository) CreateCampaign(ctx context.Context, db DBExecutor, campaign *model.Campaign) error {
	query := db.Rebind(`
		INSERT INTO campaigns (id, owner_id, title, description, product_details, start_date, end_date,
			target_qty, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := db.ExecContext(ctx, query,
		campaign.ID, campaign.OwnerID, campaign.Title, campaign.Description, campaign.ProductDetails,
		campaign.StartDate.UTC(), campaign.EndDate.UTC(), campaign.TargetQty, campaign.Status,
		campaign.CreatedAt.UTC(), campaign.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	return nil
}

// GetCampaign retrieves a campaign by ID
func (r *CampaignRepository) GetCampaign(ctx context.Context, db DBExecutor, id string) (*model.Campaign, error) {
	return r.getCampaign(ctx, db, db.Rebind(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`), id)
}

// GetCampaignForUpdate reads a campaign and holds its row lock until tx ends,
// so a status check and the writes that depend on it see the same state.
// SQLite has no row locks; its writers are already serialised.
func (r *CampaignRepository) GetCampaignForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Campaign, error) {
	query := tx.Rebind(`SELECT ` + campaignColumns + ` FROM campaigns WHERE id = ?` + forUpdate(tx.DriverName()))
	return r.getCampaign(ctx, tx, query, id)
}

func forUpdate(driver string) string {
	if driver == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}

func (r *CampaignRepository) getCampaign(ctx context.Context, db DBExecutor, query, id string) (*model.Campaign, error) {
	var campaign model.Campaign
	err := db.GetContext(ctx, &campaign, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound(apperrors.CodeCampaignNotFound, "campaign", id)
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	return &campaign, nil
}

// ListEndingBefore returns campaigns in status whose end date is at or before cutoff
func (r *CampaignRepository) ListEndingBefore(ctx context.Context, db DBExecutor, status model.CampaignStatus, cutoff time.Time) ([]model.Campaign, error) {
	query := db.Rebind(`SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = ? AND end_date <= ?
		ORDER BY end_date ASC, id ASC
	`)

	var campaigns []model.Campaign
	if err := db.SelectContext(ctx, &campaigns, query, status, cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list campaigns ending before %s: %w", cutoff, err)
	}
	return campaigns, nil
}

// ListGraceExpiredBefore returns campaigns in status whose grace period ended strictly before cutoff
func (r *CampaignRepository) ListGraceExpiredBefore(ctx context.Context, db DBExecutor, status model.CampaignStatus, cutoff time.Time) ([]model.Campaign, error) {
	query := db.Rebind(`SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = ? AND grace_period_end_date IS NOT NULL AND grace_period_end_date < ?
		ORDER BY grace_period_end_date ASC, id ASC
	`)

	var campaigns []model.Campaign
	if err := db.SelectContext(ctx, &campaigns, query, status, cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list campaigns with grace period before %s: %w", cutoff, err)
	}
	return campaigns, nil
}

// TransitionStatus moves a campaign from the expected status to the target
// status. Moves outside the lifecycle graph are refused, and the update only
// applies while the row still holds the expected status, so concurrent actors
// cannot double-transition the same campaign.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, db DBExecutor, id string, from, to model.CampaignStatus, at time.Time) error {
	if !from.CanTransitionTo(to) {
		return apperrors.InvalidTransition("campaign", string(from), string(to))
	}
	query := db.Rebind(`
		UPDATE campaigns
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)

	result, err := db.ExecContext(ctx, query, to, at.UTC(), id, from)
	if err != nil {
		return fmt.Errorf("failed to transition campaign: %w", err)
	}
	return r.checkTransitioned(ctx, db, result, id, to)
}

// StartGracePeriod moves an ACTIVE campaign into GRACE_PERIOD and records when it ends
func (r *CampaignRepository) StartGracePeriod(ctx context.Context, db DBExecutor, id string, graceEnd, at time.Time) error {
	query := db.Rebind(`
		UPDATE campaigns
		SET status = ?, grace_period_end_date = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)

	result, err := db.ExecContext(ctx, query, model.CampaignGracePeriod, graceEnd.UTC(), at.UTC(), id, model.CampaignActive)
	if err != nil {
		return fmt.Errorf("failed to start grace period: %w", err)
	}
	return r.checkTransitioned(ctx, db, result, id, model.CampaignGracePeriod)
}

// LockDetails are the frozen order terms recorded at lock time.
type LockDetails struct {
	Quantity  int64
	BracketID string
	UnitPrice decimal.Decimal
	LockedAt  time.Time
}

// Lock moves a campaign from the expected status to LOCKED and freezes its order terms
func (r *CampaignRepository) Lock(ctx context.Context, db DBExecutor, id string, from model.CampaignStatus, details LockDetails) error {
	if !from.CanTransitionTo(model.CampaignLocked) {
		return apperrors.InvalidTransition("campaign", string(from), string(model.CampaignLocked))
	}
	query := db.Rebind(`
		UPDATE campaigns
		SET status = ?, locked_quantity = ?, locked_bracket_id = ?, locked_unit_price = ?,
			locked_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)

	result, err := db.ExecContext(ctx, query, model.CampaignLocked, details.Quantity, details.BracketID,
		details.UnitPrice, details.LockedAt.UTC(), details.LockedAt.UTC(), id, from)
	if err != nil {
		return fmt.Errorf("failed to lock campaign: %w", err)
	}
	return r.checkTransitioned(ctx, db, result, id, model.CampaignLocked)
}

// checkTransitioned turns a zero-row guarded update into the matching domain
// error by re-reading the row.
func (r *CampaignRepository) checkTransitioned(ctx context.Context, db DBExecutor, result sql.Result, id string, to model.CampaignStatus) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	current, err := r.GetCampaign(ctx, db, id)
	if err != nil {
		return err
	}
	return apperrors.InvalidTransition("campaign", string(current.Status), string(to))
}
