package rpc

import (
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/model"
	"github.com/kkkkikiki/groupbuy/internal/service"
)

// fields reads typed request values out of a Struct payload
type fields map[string]*structpb.Value

func fieldsOf(msg *structpb.Struct) fields {
	return fields(msg.GetFields())
}

func (f fields) has(key string) bool {
	v, ok := f[key]
	if !ok {
		return false
	}
	_, isNull := v.GetKind().(*structpb.Value_NullValue)
	return !isNull
}

func (f fields) str(key string) string {
	return f[key].GetStringValue()
}

func (f fields) requiredStr(key string) (string, error) {
	s := f.str(key)
	if s == "" {
		return "", apperrors.Validation(apperrors.CodeInvalidInput, "%s is required", key)
	}
	return s, nil
}

// integer accepts a JSON number or a decimal string
func (f fields) integer(key string) (int64, error) {
	v, ok := f[key]
	if !ok {
		return 0, apperrors.Validation(apperrors.CodeInvalidInput, "%s is required", key)
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, apperrors.Validation(apperrors.CodeInvalidInput, "%s must be an integer", key)
		}
		return int64(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil {
			return 0, apperrors.Validation(apperrors.CodeInvalidInput, "%s must be an integer", key)
		}
		return n, nil
	default:
		return 0, apperrors.Validation(apperrors.CodeInvalidInput, "%s must be an integer", key)
	}
}

// amount accepts a decimal string or a JSON number
func (f fields) amount(key string) (decimal.Decimal, error) {
	v, ok := f[key]
	if !ok {
		return decimal.Decimal{}, apperrors.Validation(apperrors.CodeInvalidInput, "%s is required", key)
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		d, err := decimal.NewFromString(k.StringValue)
		if err != nil {
			return decimal.Decimal{}, apperrors.Validation(apperrors.CodeInvalidInput, "%s must be a decimal", key)
		}
		return d, nil
	case *structpb.Value_NumberValue:
		return decimal.NewFromFloat(k.NumberValue), nil
	default:
		return decimal.Decimal{}, apperrors.Validation(apperrors.CodeInvalidInput, "%s must be a decimal", key)
	}
}

// timestamp parses an RFC 3339 timestamp
func (f fields) timestamp(key string) (time.Time, error) {
	s, err := f.requiredStr(key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, apperrors.Validation(apperrors.CodeInvalidInput, "%s must be an RFC 3339 timestamp", key)
	}
	return t, nil
}

func (f fields) brackets(key string) ([]service.BracketInput, error) {
	list := f[key].GetListValue().GetValues()
	out := make([]service.BracketInput, 0, len(list))
	for _, v := range list {
		item := fields(v.GetStructValue().GetFields())
		lo, err := item.integer("min_quantity")
		if err != nil {
			return nil, err
		}
		price, err := item.amount("unit_price")
		if err != nil {
			return nil, err
		}
		b := service.BracketInput{MinQuantity: lo, UnitPrice: price}
		if item.has("max_quantity") {
			hi, err := item.integer("max_quantity")
			if err != nil {
				return nil, err
			}
			b.MaxQuantity = &hi
		}
		out = append(out, b)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func campaignToMap(c *model.Campaign) map[string]interface{} {
	m := map[string]interface{}{
		"id":                    c.ID,
		"owner_id":              c.OwnerID,
		"title":                 c.Title,
		"description":           c.Description,
		"product_details":       c.ProductDetails,
		"start_date":            formatTime(c.StartDate),
		"end_date":              formatTime(c.EndDate),
		"target_qty":            c.TargetQty,
		"status":                string(c.Status),
		"grace_period_end_date": nil,
		"created_at":            formatTime(c.CreatedAt),
		"updated_at":            formatTime(c.UpdatedAt),
	}
	if c.GracePeriodEndDate.Valid {
		m["grace_period_end_date"] = formatTime(c.GracePeriodEndDate.Time)
	}
	if c.LockedAt.Valid {
		m["locked_quantity"] = c.LockedQuantity.Int64
		m["locked_bracket_id"] = c.LockedBracketID.String
		m["locked_unit_price"] = c.LockedUnitPrice.Decimal.StringFixed(2)
		m["locked_at"] = formatTime(c.LockedAt.Time)
	}
	return m
}

func bracketToMap(b *model.DiscountBracket) map[string]interface{} {
	m := map[string]interface{}{
		"id":            b.ID,
		"min_quantity":  b.MinQuantity,
		"max_quantity":  nil,
		"unit_price":    b.UnitPrice.StringFixed(2),
		"bracket_order": b.BracketOrder,
	}
	if b.MaxQuantity.Valid {
		m["max_quantity"] = b.MaxQuantity.Int64
	}
	return m
}

func bracketsToList(brackets []model.DiscountBracket) []interface{} {
	out := make([]interface{}, len(brackets))
	for i := range brackets {
		out[i] = bracketToMap(&brackets[i])
	}
	return out
}

func pledgeToMap(p *model.Pledge) map[string]interface{} {
	m := map[string]interface{}{
		"id":           p.ID,
		"campaign_id":  p.CampaignID,
		"buyer_id":     p.BuyerID,
		"quantity":     p.Quantity,
		"status":       string(p.Status),
		"committed_at": nil,
		"created_at":   formatTime(p.CreatedAt),
		"updated_at":   formatTime(p.UpdatedAt),
	}
	if p.CommittedAt.Valid {
		m["committed_at"] = formatTime(p.CommittedAt.Time)
	}
	return m
}

func intentToMap(in *model.PaymentIntent) map[string]interface{} {
	m := map[string]interface{}{
		"id":          in.ID,
		"campaign_id": in.CampaignID,
		"pledge_id":   in.PledgeID,
		"buyer_id":    in.BuyerID,
		"amount":      in.Amount.StringFixed(2),
		"status":      string(in.Status),
		"retry_count": in.RetryCount,
		"last_error":  nil,
		"updated_at":  formatTime(in.UpdatedAt),
	}
	if in.LastError.Valid {
		m["last_error"] = in.LastError.String
	}
	return m
}

func fulfillmentToMap(f *model.Fulfillment) map[string]interface{} {
	return map[string]interface{}{
		"id":              f.ID,
		"campaign_id":     f.CampaignID,
		"pledge_id":       f.PledgeID,
		"delivery_status": string(f.DeliveryStatus),
		"updated_at":      formatTime(f.UpdatedAt),
	}
}

func progressToMap(p *service.Progress) map[string]interface{} {
	m := map[string]interface{}{
		"campaign_id":          p.CampaignID,
		"status":               string(p.Status),
		"target_qty":           p.TargetQty,
		"display_total":        p.DisplayTotal,
		"lock_eligible_total":  p.LockEligibleTotal,
		"minimum_viable_order": p.MinimumViableOrder,
		"percent_to_next_tier": p.Quote.PercentToNext.StringFixed(2),
		"units_to_next_tier":   p.Quote.UnitsToNextTier,
		"current_bracket":      nil,
		"next_bracket":         nil,
	}
	if p.Quote.Current != nil {
		m["current_bracket"] = bracketToMap(p.Quote.Current)
	}
	if p.Quote.Next != nil {
		m["next_bracket"] = bracketToMap(p.Quote.Next)
	}
	return m
}
