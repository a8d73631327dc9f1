// Package rpc exposes the campaign engines as a Connect service. Messages are
// google.protobuf.Struct values, so the service speaks both the Connect
// protobuf and JSON codecs without generated stubs.
package rpc

import (
	"context"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/kkkkikiki/groupbuy/internal/errors"
	"github.com/kkkkikiki/groupbuy/internal/model"
	"github.com/kkkkikiki/groupbuy/internal/service"
)

// ServiceName is the fully-qualified name of the campaign service
const ServiceName = "groupbuy.v1.CampaignService"

// Procedure paths
const (
	CreateCampaignProcedure       = "/" + ServiceName + "/CreateCampaign"
	SetBracketsProcedure          = "/" + ServiceName + "/SetBrackets"
	GetCampaignProcedure          = "/" + ServiceName + "/GetCampaign"
	PublishCampaignProcedure      = "/" + ServiceName + "/PublishCampaign"
	CancelCampaignProcedure       = "/" + ServiceName + "/CancelCampaign"
	LockCampaignProcedure         = "/" + ServiceName + "/LockCampaign"
	CompleteCampaignProcedure     = "/" + ServiceName + "/CompleteCampaign"
	GetProgressProcedure          = "/" + ServiceName + "/GetProgress"
	SubmitPledgeProcedure         = "/" + ServiceName + "/SubmitPledge"
	UpdatePledgeProcedure         = "/" + ServiceName + "/UpdatePledge"
	ConfirmPledgeProcedure        = "/" + ServiceName + "/ConfirmPledge"
	WithdrawPledgeProcedure       = "/" + ServiceName + "/WithdrawPledge"
	CollectPaymentProcedure       = "/" + ServiceName + "/CollectPayment"
	RetryPaymentProcedure         = "/" + ServiceName + "/RetryPayment"
	MarkPaymentCollectedProcedure = "/" + ServiceName + "/MarkPaymentCollected"
	UpdateFulfillmentProcedure    = "/" + ServiceName + "/UpdateFulfillment"
)

// Server implements the campaign service on top of the engines
type Server struct {
	lifecycle    *service.CampaignLifecycle
	pledges      *service.PledgeService
	payments     *service.PaymentRetryEngine
	fulfillments *service.FulfillmentService
}

// NewServer creates a new Server instance
func NewServer(lifecycle *service.CampaignLifecycle, pledges *service.PledgeService, payments *service.PaymentRetryEngine, fulfillments *service.FulfillmentService) *Server {
	return &Server{
		lifecycle:    lifecycle,
		pledges:      pledges,
		payments:     payments,
		fulfillments: fulfillments,
	}
}

type unaryFunc func(ctx context.Context, in fields) (map[string]interface{}, error)

// NewHandler returns the path to mount the service on and its handler
func NewHandler(s *Server, opts ...connect.HandlerOption) (string, http.Handler) {
	routes := map[string]unaryFunc{
		CreateCampaignProcedure:       s.createCampaign,
		SetBracketsProcedure:          s.setBrackets,
		GetCampaignProcedure:          s.getCampaign,
		PublishCampaignProcedure:      s.byCampaign(s.lifecycle.Publish),
		CancelCampaignProcedure:       s.byCampaign(s.lifecycle.Cancel),
		LockCampaignProcedure:         s.byCampaign(s.lifecycle.LockManually),
		CompleteCampaignProcedure:     s.byCampaign(s.lifecycle.Complete),
		GetProgressProcedure:          s.getProgress,
		SubmitPledgeProcedure:         s.submitPledge,
		UpdatePledgeProcedure:         s.updatePledge,
		ConfirmPledgeProcedure:        s.byPledge(s.pledges.ConfirmPledge),
		WithdrawPledgeProcedure:       s.byPledge(s.pledges.WithdrawPledge),
		CollectPaymentProcedure:       s.byIntent(s.payments.CollectPayment),
		RetryPaymentProcedure:         s.byIntent(s.payments.RetryFailedPayment),
		MarkPaymentCollectedProcedure: s.byIntent(s.payments.MarkCollectedManually),
		UpdateFulfillmentProcedure:    s.updateFulfillment,
	}

	mux := http.NewServeMux()
	for procedure, fn := range routes {
		mux.Handle(procedure, connect.NewUnaryHandler(procedure, unary(fn), opts...))
	}
	return "/" + ServiceName + "/", mux
}

// unary adapts a Struct-in, map-out function to a Connect handler
func unary(fn unaryFunc) func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		out, err := fn(ctx, fieldsOf(req.Msg))
		if err != nil {
			return nil, apperrors.ToConnect(err)
		}
		msg, err := structpb.NewStruct(out)
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("failed to encode response: %w", err))
		}
		return connect.NewResponse(msg), nil
	}
}

func (s *Server) createCampaign(ctx context.Context, in fields) (map[string]interface{}, error) {
	start, err := in.timestamp("start_date")
	if err != nil {
		return nil, err
	}
	end, err := in.timestamp("end_date")
	if err != nil {
		return nil, err
	}
	var target int64
	if in.has("target_qty") {
		if target, err = in.integer("target_qty"); err != nil {
			return nil, err
		}
	}

	campaign, err := s.lifecycle.CreateCampaign(ctx, service.CreateCampaignInput{
		OwnerID:        in.str("owner_id"),
		Title:          in.str("title"),
		Description:    in.str("description"),
		ProductDetails: in.str("product_details"),
		StartDate:      start,
		EndDate:        end,
		TargetQty:      target,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"campaign": campaignToMap(campaign)}, nil
}

func (s *Server) setBrackets(ctx context.Context, in fields) (map[string]interface{}, error) {
	campaignID, err := in.requiredStr("campaign_id")
	if err != nil {
		return nil, err
	}
	input, err := in.brackets("brackets")
	if err != nil {
		return nil, err
	}
	brackets, err := s.lifecycle.SetBrackets(ctx, campaignID, input)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"brackets": bracketsToList(brackets)}, nil
}

func (s *Server) getCampaign(ctx context.Context, in fields) (map[string]interface{}, error) {
	campaignID, err := in.requiredStr("campaign_id")
	if err != nil {
		return nil, err
	}
	campaign, err := s.lifecycle.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	brackets, err := s.lifecycle.ListBrackets(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"campaign": campaignToMap(campaign),
		"brackets": bracketsToList(brackets),
	}, nil
}

func (s *Server) getProgress(ctx context.Context, in fields) (map[string]interface{}, error) {
	campaignID, err := in.requiredStr("campaign_id")
	if err != nil {
		return nil, err
	}
	progress, err := s.lifecycle.GetProgress(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"progress": progressToMap(progress)}, nil
}

func (s *Server) submitPledge(ctx context.Context, in fields) (map[string]interface{}, error) {
	campaignID, err := in.requiredStr("campaign_id")
	if err != nil {
		return nil, err
	}
	qty, err := in.integer("quantity")
	if err != nil {
		return nil, err
	}
	pledge, err := s.pledges.SubmitPledge(ctx, campaignID, in.str("buyer_id"), qty)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"pledge": pledgeToMap(pledge)}, nil
}

func (s *Server) updatePledge(ctx context.Context, in fields) (map[string]interface{}, error) {
	pledgeID, err := in.requiredStr("pledge_id")
	if err != nil {
		return nil, err
	}
	qty, err := in.integer("quantity")
	if err != nil {
		return nil, err
	}
	pledge, err := s.pledges.UpdatePledgeQuantity(ctx, pledgeID, qty)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"pledge": pledgeToMap(pledge)}, nil
}

func (s *Server) updateFulfillment(ctx context.Context, in fields) (map[string]interface{}, error) {
	pledgeID, err := in.requiredStr("pledge_id")
	if err != nil {
		return nil, err
	}
	status, err := in.requiredStr("status")
	if err != nil {
		return nil, err
	}
	f, err := s.fulfillments.UpdateFulfillment(ctx, pledgeID, model.FulfillmentStatus(status))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"fulfillment": fulfillmentToMap(f)}, nil
}

func (s *Server) byCampaign(op func(context.Context, string) (*model.Campaign, error)) unaryFunc {
	return func(ctx context.Context, in fields) (map[string]interface{}, error) {
		id, err := in.requiredStr("campaign_id")
		if err != nil {
			return nil, err
		}
		campaign, err := op(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"campaign": campaignToMap(campaign)}, nil
	}
}

func (s *Server) byPledge(op func(context.Context, string) (*model.Pledge, error)) unaryFunc {
	return func(ctx context.Context, in fields) (map[string]interface{}, error) {
		id, err := in.requiredStr("pledge_id")
		if err != nil {
			return nil, err
		}
		pledge, err := op(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"pledge": pledgeToMap(pledge)}, nil
	}
}

func (s *Server) byIntent(op func(context.Context, string) (*model.PaymentIntent, error)) unaryFunc {
	return func(ctx context.Context, in fields) (map[string]interface{}, error) {
		id, err := in.requiredStr("intent_id")
		if err != nil {
			return nil, err
		}
		intent, err := op(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"payment_intent": intentToMap(intent)}, nil
	}
}
