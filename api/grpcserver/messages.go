package grpcserver

import (
	"fmt"
	"strings"

	"hydra/domain/orderbook"
	"hydra/engine"
	"hydra/router"
	"hydra/service"
	"hydra/settlement"
)

// Prices travel as decimal strings ("1.01"); amounts as integer lots.

type SubmitOrderRequest struct {
	ID     uint64 `json:"id,omitempty"`
	Pair   string `json:"pair"`
	Side   string `json:"side"` // buy | sell
	Type   string `json:"type"` // market | limit | ioc
	Price  string `json:"price,omitempty"`
	Amount int64  `json:"amount"`
	UserID uint64 `json:"user_id"`
}

type Fragment struct {
	Venue     string   `json:"venue"`
	Amount    int64    `json:"amount"`
	Price     string   `json:"price"`
	TradeIDs  []uint64 `json:"trade_ids,omitempty"`
	Reference string   `json:"reference,omitempty"`
}

type ExecutionReport struct {
	Order          *Order     `json:"order,omitempty"`
	Fragments      []Fragment `json:"fragments"`
	TotalFilled    int64      `json:"total_filled"`
	Unfilled       int64      `json:"unfilled"`
	Resting        int64      `json:"resting"`
	AveragePrice   string     `json:"average_price"`
	PriceImpactBps string     `json:"price_impact_bps"`
	ExternalError  string     `json:"external_error,omitempty"`
	SettlementErr  string     `json:"settlement_error,omitempty"`
}

type CancelOrderRequest struct {
	Pair    string `json:"pair"`
	OrderID uint64 `json:"order_id"`
}

type Order struct {
	ID        uint64 `json:"id"`
	Pair      string `json:"pair"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Price     string `json:"price,omitempty"`
	Amount    int64  `json:"amount"`
	Remaining int64  `json:"remaining"`
	UserID    uint64 `json:"user_id"`
	Status    string `json:"status"`
}

type BookRequest struct {
	Pair  string `json:"pair"`
	Depth int    `json:"depth"`
}

type Level struct {
	Price  string `json:"price"`
	Amount int64  `json:"amount"`
	Orders int    `json:"orders"`
}

type Book struct {
	Pair string  `json:"pair"`
	Seq  uint64  `json:"seq"`
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

type SettlementStatusRequest struct {
	TradeID uint64 `json:"trade_id"`
}

type SettlementJob struct {
	TradeID    uint64 `json:"trade_id"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
	Reference  string `json:"reference,omitempty"`
	EnqueuedAt int64  `json:"enqueued_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

type MetricsRequest struct{}

type Metrics struct {
	TPS             float64  `json:"tps"`
	LatencyP50Ms    float64  `json:"latency_p50_ms"`
	LatencyP90Ms    float64  `json:"latency_p90_ms"`
	LatencyP99Ms    float64  `json:"latency_p99_ms"`
	QueueDepth      int64    `json:"queue_depth"`
	PoolUtilization float64  `json:"pool_utilization"`
	Queued          int64    `json:"queued"`
	Processing      int64    `json:"processing"`
	Settled         int64    `json:"settled"`
	Failed          int64    `json:"failed"`
	Throughput      float64  `json:"throughput"`
	Halted          []string `json:"halted,omitempty"`
}

// ---- converters ----

func toRequest(in *SubmitOrderRequest) (engine.OrderRequest, error) {
	req := engine.OrderRequest{ID: in.ID, Pair: in.Pair, Amount: in.Amount, UserID: in.UserID}
	switch strings.ToLower(in.Side) {
	case "buy":
		req.Side = orderbook.Buy
	case "sell":
		req.Side = orderbook.Sell
	default:
		return req, fmt.Errorf("side %q: want buy or sell", in.Side)
	}

	var price int64
	if in.Price != "" {
		p, err := orderbook.ParsePrice(in.Price)
		if err != nil {
			return req, err
		}
		price = p
	}
	switch strings.ToLower(in.Type) {
	case "market":
		req.Kind = orderbook.MarketKind()
	case "limit":
		req.Kind = orderbook.LimitAt(price)
	case "ioc":
		req.Kind = orderbook.ImmediateAt(price)
	default:
		return req, fmt.Errorf("type %q: want market, limit or ioc", in.Type)
	}
	return req, nil
}

func fromOrder(o *orderbook.Order) *Order {
	out := &Order{
		ID:        o.ID,
		Pair:      o.Pair,
		Side:      o.Side.String(),
		Type:      o.Kind.String(),
		Amount:    o.Amount,
		Remaining: o.Remaining,
		UserID:    o.UserID,
		Status:    o.Status.String(),
	}
	if p := o.Price(); p > 0 {
		out.Price = price(p)
	}
	return out
}

func fromReport(rep *router.ExecutionReport) *ExecutionReport {
	out := &ExecutionReport{
		Fragments:      make([]Fragment, 0, len(rep.Fragments)),
		TotalFilled:    rep.TotalFilled,
		Unfilled:       rep.Unfilled,
		Resting:        rep.Resting,
		AveragePrice:   rep.VWAP.String(),
		PriceImpactBps: rep.PriceImpactBps.String(),
	}
	for _, f := range rep.Fragments {
		fr := Fragment{Venue: string(f.Venue), Amount: f.Amount, Price: price(f.Price), Reference: f.Reference}
		for i := range f.Trades {
			fr.TradeIDs = append(fr.TradeIDs, f.Trades[i].ID)
		}
		out.Fragments = append(out.Fragments, fr)
	}
	if rep.ExternalError != nil {
		out.ExternalError = rep.ExternalError.Error()
	}
	if rep.Book != nil {
		out.Order = fromOrder(&rep.Book.Order)
		if rep.Book.SettlementErr != nil {
			out.SettlementErr = rep.Book.SettlementErr.Error()
		}
	}
	return out
}

func fromView(v *orderbook.BookView) *Book {
	return &Book{Pair: v.Pair, Seq: v.Seq, Bids: fromLevels(v.Bids), Asks: fromLevels(v.Asks)}
}

func fromLevels(in []orderbook.LevelView) []Level {
	out := make([]Level, len(in))
	for i, l := range in {
		out[i] = Level{Price: price(l.Price), Amount: l.Amount, Orders: l.Orders}
	}
	return out
}

func fromJob(j *settlement.Job) *SettlementJob {
	return &SettlementJob{
		TradeID:    j.TradeID,
		Status:     j.Status.String(),
		RetryCount: j.RetryCount(),
		LastError:  j.LastError,
		Reference:  j.Reference,
		EnqueuedAt: j.EnqueuedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

func fromMetrics(m *service.Metrics) *Metrics {
	return &Metrics{
		TPS:             m.TPS,
		LatencyP50Ms:    float64(m.LatencyP50.Microseconds()) / 1e3,
		LatencyP90Ms:    float64(m.LatencyP90.Microseconds()) / 1e3,
		LatencyP99Ms:    float64(m.LatencyP99.Microseconds()) / 1e3,
		QueueDepth:      m.QueueDepth,
		PoolUtilization: m.PoolUtilization,
		Queued:          m.Queue.Queued,
		Processing:      m.Queue.Processing,
		Settled:         m.Queue.Settled,
		Failed:          m.Queue.Failed,
		Throughput:      m.Queue.Throughput,
		Halted:          m.Halted,
	}
}

func price(ticks int64) string {
	return orderbook.PriceToDecimal(ticks).String()
}
