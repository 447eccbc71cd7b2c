package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "hydra.Exchange"

// ExchangeServer is the gRPC surface of service.Exchange.
type ExchangeServer interface {
	SubmitOrder(context.Context, *SubmitOrderRequest) (*ExecutionReport, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*Order, error)
	OrderBook(context.Context, *BookRequest) (*Book, error)
	SettlementStatus(context.Context, *SettlementStatusRequest) (*SettlementJob, error)
	Metrics(context.Context, *MetricsRequest) (*Metrics, error)
}

// ServiceDesc is registered by hand; messages are JSON encoded by the
// "json" codec instead of generated protobuf types.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitOrder", ExchangeServer.SubmitOrder),
		unary("CancelOrder", ExchangeServer.CancelOrder),
		unary("OrderBook", ExchangeServer.OrderBook),
		unary("SettlementStatus", ExchangeServer.SettlementStatus),
		unary("Metrics", ExchangeServer.Metrics),
	},
	Metadata: "hydra/exchange",
}

func Register(s grpc.ServiceRegistrar, srv ExchangeServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](name string, call func(ExchangeServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ExchangeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ExchangeServer), ctx, req.(*Req))
			})
		},
	}
}

// Client calls a hydra.Exchange server.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, c *Client, name string, in *Req, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+name, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubmitOrder(ctx context.Context, in *SubmitOrderRequest, opts ...grpc.CallOption) (*ExecutionReport, error) {
	return invoke[SubmitOrderRequest, ExecutionReport](ctx, c, "SubmitOrder", in, opts)
}

func (c *Client) CancelOrder(ctx context.Context, in *CancelOrderRequest, opts ...grpc.CallOption) (*Order, error) {
	return invoke[CancelOrderRequest, Order](ctx, c, "CancelOrder", in, opts)
}

func (c *Client) OrderBook(ctx context.Context, in *BookRequest, opts ...grpc.CallOption) (*Book, error) {
	return invoke[BookRequest, Book](ctx, c, "OrderBook", in, opts)
}

func (c *Client) SettlementStatus(ctx context.Context, in *SettlementStatusRequest, opts ...grpc.CallOption) (*SettlementJob, error) {
	return invoke[SettlementStatusRequest, SettlementJob](ctx, c, "SettlementStatus", in, opts)
}

func (c *Client) Metrics(ctx context.Context, in *MetricsRequest, opts ...grpc.CallOption) (*Metrics, error) {
	return invoke[MetricsRequest, Metrics](ctx, c, "Metrics", in, opts)
}
