package rpc_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kkkkikiki/groupbuy/internal/database"
	"github.com/kkkkikiki/groupbuy/internal/payment"
	"github.com/kkkkikiki/groupbuy/internal/rpc"
	"github.com/kkkkikiki/groupbuy/internal/service"
)

func newClient(t *testing.T, opts ...connect.ClientOption) *rpc.Client {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(ctx, db); err != nil {
		t.Fatal(err)
	}

	server := rpc.NewServer(
		service.NewCampaignLifecycle(db, nil),
		service.NewPledgeService(db),
		service.NewPaymentRetryEngine(db, payment.NewSimulatedGateway(), nil),
		service.NewFulfillmentService(db),
	)
	mux := http.NewServeMux()
	path, handler := rpc.NewHandler(server)
	mux.Handle(path, handler)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return rpc.NewClient(ts.Client(), ts.URL, opts...)
}

func createCampaign(t *testing.T, c *rpc.Client) string {
	t.Helper()
	now := time.Now().UTC()
	resp, err := c.Call(context.Background(), rpc.CreateCampaignProcedure, map[string]interface{}{
		"owner_id":   "supplier-1",
		"title":      "Standing desks",
		"start_date": now.Add(-48 * time.Hour).Format(time.RFC3339),
		"end_date":   now.Add(5 * 24 * time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	return resp.GetFields()["campaign"].GetStructValue().GetFields()["id"].GetStringValue()
}

func field(s *structpb.Struct, path ...string) *structpb.Value {
	v := structpb.NewStructValue(s)
	for _, key := range path {
		v = v.GetStructValue().GetFields()[key]
	}
	return v
}

func TestCampaignFlowOverRPC(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []connect.ClientOption
	}{
		{name: "proto"},
		{name: "json", opts: []connect.ClientOption{connect.WithProtoJSON()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, tc.opts...)
			ctx := context.Background()
			id := createCampaign(t, c)

			brackets, err := c.Call(ctx, rpc.SetBracketsProcedure, map[string]interface{}{
				"campaign_id": id,
				"brackets": []interface{}{
					map[string]interface{}{"min_quantity": 0, "max_quantity": 49, "unit_price": "25.00"},
					map[string]interface{}{"min_quantity": 50, "unit_price": "22.00"},
				},
			})
			if err != nil {
				t.Fatal(err)
			}
			if n := len(brackets.GetFields()["brackets"].GetListValue().GetValues()); n != 2 {
				t.Fatalf("expected 2 brackets, got %d", n)
			}

			published, err := c.Call(ctx, rpc.PublishCampaignProcedure, map[string]interface{}{"campaign_id": id})
			if err != nil {
				t.Fatal(err)
			}
			if got := field(published, "campaign", "status").GetStringValue(); got != "ACTIVE" {
				t.Fatalf("expected ACTIVE, got %s", got)
			}

			for i, qty := range []int64{30, 25} {
				_, err := c.Call(ctx, rpc.SubmitPledgeProcedure, map[string]interface{}{
					"campaign_id": id,
					"buyer_id":    string(rune('a' + i)),
					"quantity":    qty,
				})
				if err != nil {
					t.Fatal(err)
				}
			}

			progress, err := c.Call(ctx, rpc.GetProgressProcedure, map[string]interface{}{"campaign_id": id})
			if err != nil {
				t.Fatal(err)
			}
			if got := field(progress, "progress", "display_total").GetNumberValue(); got != 55 {
				t.Fatalf("expected display total 55, got %v", got)
			}
			if got := field(progress, "progress", "lock_eligible_total").GetNumberValue(); got != 0 {
				t.Fatalf("expected nothing lock-eligible, got %v", got)
			}
			if got := field(progress, "progress", "current_bracket", "unit_price").GetStringValue(); got != "22.00" {
				t.Fatalf("expected the $22 tier, got %s", got)
			}

			locked, err := c.Call(ctx, rpc.LockCampaignProcedure, map[string]interface{}{"campaign_id": id})
			if err != nil {
				t.Fatal(err)
			}
			if got := field(locked, "campaign", "status").GetStringValue(); got != "LOCKED" {
				t.Fatalf("expected LOCKED, got %s", got)
			}
			if got := field(locked, "campaign", "locked_unit_price").GetStringValue(); got != "22.00" {
				t.Fatalf("expected locked price 22.00, got %s", got)
			}
		})
	}
}

func TestErrorCodes(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	draft := createCampaign(t, c)

	tests := []struct {
		name      string
		procedure string
		req       map[string]interface{}
		want      connect.Code
	}{
		{
			name:      "unknown campaign",
			procedure: rpc.GetCampaignProcedure,
			req:       map[string]interface{}{"campaign_id": "missing"},
			want:      connect.CodeNotFound,
		},
		{
			name:      "publish without brackets",
			procedure: rpc.PublishCampaignProcedure,
			req:       map[string]interface{}{"campaign_id": draft},
			want:      connect.CodeFailedPrecondition,
		},
		{
			name:      "complete a draft",
			procedure: rpc.CompleteCampaignProcedure,
			req:       map[string]interface{}{"campaign_id": draft},
			want:      connect.CodeFailedPrecondition,
		},
		{
			name:      "missing campaign id",
			procedure: rpc.SubmitPledgeProcedure,
			req:       map[string]interface{}{"buyer_id": "a", "quantity": 1},
			want:      connect.CodeInvalidArgument,
		},
		{
			name:      "fractional quantity",
			procedure: rpc.SubmitPledgeProcedure,
			req:       map[string]interface{}{"campaign_id": draft, "buyer_id": "a", "quantity": 1.5},
			want:      connect.CodeInvalidArgument,
		},
		{
			name:      "malformed date",
			procedure: rpc.CreateCampaignProcedure,
			req: map[string]interface{}{
				"owner_id":   "supplier-1",
				"title":      "Desks",
				"start_date": "tomorrow",
				"end_date":   "2030-01-01T00:00:00Z",
			},
			want: connect.CodeInvalidArgument,
		},
		{
			name:      "unknown intent",
			procedure: rpc.CollectPaymentProcedure,
			req:       map[string]interface{}{"intent_id": "missing"},
			want:      connect.CodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Call(ctx, tt.procedure, tt.req)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := connect.CodeOf(err); got != tt.want {
				t.Fatalf("expected %v, got %v (%v)", tt.want, got, err)
			}
		})
	}
}
