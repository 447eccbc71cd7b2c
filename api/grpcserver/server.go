package grpcserver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"hydra/domain/orderbook"
	"hydra/engine"
	"hydra/infra/memory"
	"hydra/router"
	"hydra/service"
	"hydra/settlement"
)

// Exchange is the part of service.Exchange the server adapts.
type Exchange interface {
	SubmitOrder(ctx context.Context, req engine.OrderRequest) (router.ExecutionReport, error)
	CancelOrder(ctx context.Context, pair string, id uint64) (orderbook.Order, error)
	OrderBookSnapshot(pair string, depth int) (orderbook.BookView, error)
	SettlementStatus(tradeID uint64) (settlement.Job, error)
	Metrics() service.Metrics
}

// Server adapts an Exchange to gRPC.
type Server struct {
	x Exchange
}

func NewServer(x Exchange) *Server {
	return &Server{x: x}
}

// -------------------- Commands --------------------

func (s *Server) SubmitOrder(ctx context.Context, in *SubmitOrderRequest) (*ExecutionReport, error) {
	req, err := toRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rep, err := s.x.SubmitOrder(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return fromReport(&rep), nil
}

func (s *Server) CancelOrder(ctx context.Context, in *CancelOrderRequest) (*Order, error) {
	o, err := s.x.CancelOrder(ctx, in.Pair, in.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return fromOrder(&o), nil
}

// -------------------- Queries --------------------

func (s *Server) OrderBook(_ context.Context, in *BookRequest) (*Book, error) {
	v, err := s.x.OrderBookSnapshot(in.Pair, in.Depth)
	if err != nil {
		return nil, toStatus(err)
	}
	return fromView(&v), nil
}

func (s *Server) SettlementStatus(_ context.Context, in *SettlementStatusRequest) (*SettlementJob, error) {
	j, err := s.x.SettlementStatus(in.TradeID)
	if err != nil {
		return nil, toStatus(err)
	}
	return fromJob(&j), nil
}

func (s *Server) Metrics(context.Context, *MetricsRequest) (*Metrics, error) {
	m := s.x.Metrics()
	return fromMetrics(&m), nil
}

// -------------------- Errors --------------------

func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, orderbook.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, orderbook.ErrNotCancelable):
		code = codes.FailedPrecondition
	case errors.Is(err, engine.ErrUnknownPair), errors.Is(err, settlement.ErrJobNotFound):
		code = codes.NotFound
	case errors.Is(err, settlement.ErrBackpressure), errors.Is(err, memory.ErrPoolExhausted):
		code = codes.ResourceExhausted
	case errors.Is(err, engine.ErrMarketHalted), errors.Is(err, engine.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// LoggingInterceptor logs every call with its duration and status code.
func LoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(started)),
			zap.Stringer("code", code),
		}
		if code == codes.Internal || code == codes.Unavailable {
			log.Warn("grpc call failed", append(fields, zap.Error(err))...)
		} else {
			log.Debug("grpc call", fields...)
		}
		return resp, err
	}
}
