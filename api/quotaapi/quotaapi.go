// Package quotaapi is the wire contract of the quota ledger gRPC service.
// Messages travel as JSON through a registered codec, so callers and the server
// share these structs instead of generated protobuf types.
package quotaapi

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "wa.quota.v1.QuotaLedger"

const (
	EstimateMethod   = "/" + ServiceName + "/Estimate"
	TryConsumeMethod = "/" + ServiceName + "/TryConsume"
	TopUpMethod      = "/" + ServiceName + "/TopUp"
)

type EstimateRequest struct {
	TenantID string `json:"tenant_id"`
	Amount   int64  `json:"amount"`
}

type EstimateResponse struct {
	Sufficient bool  `json:"sufficient"`
	Available  int64 `json:"available"`
}

type TryConsumeRequest struct {
	TenantID       string            `json:"tenant_id"`
	Amount         int64             `json:"amount"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type TryConsumeResponse struct {
	// Status is consumed, already_consumed or insufficient.
	Status        string `json:"status"`
	BalanceAfter  int64  `json:"balance_after"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type TopUpRequest struct {
	TenantID       string            `json:"tenant_id"`
	Amount         int64             `json:"amount"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type TopUpResponse struct {
	BalanceAfter int64 `json:"balance_after"`
	Applied      bool  `json:"applied"`
}

// QuotaLedgerServer is implemented by the quota service.
type QuotaLedgerServer interface {
	Estimate(context.Context, *EstimateRequest) (*EstimateResponse, error)
	TryConsume(context.Context, *TryConsumeRequest) (*TryConsumeResponse, error)
	TopUp(context.Context, *TopUpRequest) (*TopUpResponse, error)
}

func RegisterQuotaLedgerServer(s grpc.ServiceRegistrar, srv QuotaLedgerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QuotaLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Estimate", Handler: estimateHandler},
		{MethodName: "TryConsume", Handler: tryConsumeHandler},
		{MethodName: "TopUp", Handler: topUpHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quotaapi",
}

func estimateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EstimateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QuotaLedgerServer).Estimate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EstimateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QuotaLedgerServer).Estimate(ctx, req.(*EstimateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func tryConsumeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TryConsumeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QuotaLedgerServer).TryConsume(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: TryConsumeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QuotaLedgerServer).TryConsume(ctx, req.(*TryConsumeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func topUpHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TopUpRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QuotaLedgerServer).TopUp(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: TopUpMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QuotaLedgerServer).TopUp(ctx, req.(*TopUpRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the quota service over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *Client) Estimate(ctx context.Context, in *EstimateRequest, opts ...grpc.CallOption) (*EstimateResponse, error) {
	out := new(EstimateResponse)
	if err := c.cc.Invoke(ctx, EstimateMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) TryConsume(ctx context.Context, in *TryConsumeRequest, opts ...grpc.CallOption) (*TryConsumeResponse, error) {
	out := new(TryConsumeResponse)
	if err := c.cc.Invoke(ctx, TryConsumeMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) TopUp(ctx context.Context, in *TopUpRequest, opts ...grpc.CallOption) (*TopUpResponse, error) {
	out := new(TopUpResponse)
	if err := c.cc.Invoke(ctx, TopUpMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
