// Package router splits large taker orders between the resident book and
// an external liquidity pool.
//
// The book is always tried first. Only the part the book could not fill
// within the impact tolerance is swapped externally, and a failing pool
// degrades the order to a book-only partial fill.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hydra/domain/orderbook"
	"hydra/engine"
	"hydra/infra/metrics"
)

const bpsScale = 10_000

// Venue names a fragment's execution venue.
type Venue string

const (
	VenueBook     Venue = "book"
	VenueExternal Venue = "external"
)

var ErrPoolUnavailable = errors.New("router: liquidity pool unavailable")

type Config struct {
	// MinExternalAmount is the size threshold: smaller orders always go
	// straight to the book.
	MinExternalAmount int64 `yaml:"min_external_amount"`
	// MaxImpactBps is the price tolerance around the pre-trade mid within
	// which book liquidity is used before going external.
	MaxImpactBps int64 `yaml:"max_impact_bps"`
	// SlippageBps bounds how far below the quoted amount a swap may fill.
	SlippageBps  int64         `yaml:"slippage_bps"`
	QuoteTimeout time.Duration `yaml:"quote_timeout"`
	SwapDeadline time.Duration `yaml:"swap_deadline"`
}

func DefaultConfig() Config {
	return Config{
		MinExternalAmount: 1_000,
		MaxImpactBps:      100,
		SlippageBps:       50,
		QuoteTimeout:      200 * time.Millisecond,
		SwapDeadline:      5 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MinExternalAmount < 0:
		return fmt.Errorf("router: min_external_amount %d is negative", c.MinExternalAmount)
	case c.MaxImpactBps < 0 || c.MaxImpactBps >= bpsScale:
		return fmt.Errorf("router: max_impact_bps %d out of range", c.MaxImpactBps)
	case c.SlippageBps < 0 || c.SlippageBps >= bpsScale:
		return fmt.Errorf("router: slippage_bps %d out of range", c.SlippageBps)
	case c.QuoteTimeout <= 0 || c.SwapDeadline <= 0:
		return errors.New("router: quote_timeout and swap_deadline must be positive")
	}
	return nil
}

// Executor is the matching engine as seen by the router.
type Executor interface {
	Submit(ctx context.Context, req engine.OrderRequest) (engine.Result, error)
	Liquidity(ctx context.Context, pair string, side orderbook.Side, impactBps, limit int64) (engine.Liquidity, error)
}

// Admitter is the settlement backpressure gate.
type Admitter interface {
	Admit() error
}

type Option func(*Router)

func WithPool(p LiquidityPool) Option {
	return func(r *Router) { r.pool = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

type Router struct {
	cfg     Config
	exec    Executor
	admit   Admitter
	pool    LiquidityPool
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New builds a router. Without WithPool every order goes to the book.
func New(cfg Config, exec Executor, admit Admitter, log *zap.Logger, opts ...Option) *Router {
	r := &Router{
		cfg:   cfg,
		exec:  exec,
		admit: admit,
		log:   log.Named("router"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route executes req. The returned error is reserved for orders that did
// not execute at all: backpressure, validation, a halted market. Failures
// of the external leg are reported in ExecutionReport.ExternalError.
func (r *Router) Route(ctx context.Context, req engine.OrderRequest) (ExecutionReport, error) {
	if err := r.admit.Admit(); err != nil {
		return ExecutionReport{}, err
	}
	if !r.routable(req) {
		return r.direct(ctx, req, 0)
	}

	limit, _ := req.Kind.Price()
	liq, err := r.exec.Liquidity(ctx, req.Pair, req.Side, r.cfg.MaxImpactBps, limit)
	if err != nil {
		return ExecutionReport{}, err
	}
	return r.split(ctx, req, liq)
}

// routable reports whether req may be sent to the pool at all. Resting
// limit orders provide liquidity and always go to the book.
func (r *Router) routable(req engine.OrderRequest) bool {
	return r.pool != nil && !req.Kind.Rests() && req.Amount >= r.cfg.MinExternalAmount
}

func (r *Router) direct(ctx context.Context, req engine.OrderRequest, ref int64) (ExecutionReport, error) {
	res, err := r.exec.Submit(ctx, req)
	if err != nil {
		return ExecutionReport{}, err
	}
	if ref == 0 {
		ref = res.Mid
	}
	var rep ExecutionReport
	rep.addBook(res)
	rep.finish(req.Amount, ref)
	r.record(&rep)
	return rep, nil
}

// split takes what the book offers within tolerance as an IOC at the
// tolerance price and sends the rest to the pool. When the book looked
// deep enough the pool is only quoted if the IOC still came up short,
// which happens when other takers got to the book first.
func (r *Router) split(ctx context.Context, req engine.OrderRequest, liq engine.Liquidity) (ExecutionReport, error) {
	var (
		q      Quote
		qerr   error
		quoted bool
	)
	if liq.Available < req.Amount {
		q, qerr = r.quoteWithin(ctx, req, req.Amount-liq.Available)
		quoted = true
	}

	var rep ExecutionReport
	if liq.Reference > 0 {
		book := req
		book.Kind = orderbook.ImmediateAt(liq.LimitPrice)
		res, err := r.exec.Submit(ctx, book)
		if err != nil {
			return ExecutionReport{}, err
		}
		rep.addBook(res)
	}

	unfilled := req.Amount - rep.TotalFilled
	if unfilled > 0 && !quoted {
		q, qerr = r.quoteWithin(ctx, req, unfilled)
	}

	ref := liq.Mid
	if ref == 0 {
		ref = liq.Reference
	}
	if ref == 0 && qerr == nil && q.Price > 0 {
		ref = q.Price
	}

	switch {
	case unfilled == 0:
	case qerr != nil:
		rep.ExternalError = qerr
	default:
		if err := r.swap(ctx, req, min(unfilled, q.AmountOut), q, &rep); err != nil {
			rep.ExternalError = err
		}
	}
	if rep.ExternalError != nil {
		r.log.Warn("external leg skipped",
			zap.String("pair", req.Pair),
			zap.Int64("unfilled", unfilled),
			zap.Error(rep.ExternalError))
	}

	rep.finish(req.Amount, ref)
	r.record(&rep)
	return rep, nil
}

// quoteWithin quotes amount and rejects a price beyond the order limit.
func (r *Router) quoteWithin(ctx context.Context, req engine.OrderRequest, amount int64) (Quote, error) {
	q, err := r.quote(ctx, req.Pair, req.Side, amount)
	if err != nil {
		return Quote{}, err
	}
	if limit, ok := req.Kind.Price(); ok && !within(req.Side, q.Price, limit) {
		return Quote{}, fmt.Errorf("%w: quote %d beyond limit %d", ErrQuoteRejected, q.Price, limit)
	}
	return q, nil
}

func (r *Router) quote(ctx context.Context, pair string, side orderbook.Side, amount int64) (Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.QuoteTimeout)
	defer cancel()
	q, err := r.pool.Quote(ctx, pair, side, amount)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: quote: %w", ErrPoolUnavailable, err)
	}
	if q.AmountOut <= 0 || q.Price <= 0 {
		return Quote{}, fmt.Errorf("%w: empty quote for %d", ErrQuoteRejected, amount)
	}
	return q, nil
}

func (r *Router) swap(ctx context.Context, req engine.OrderRequest, amount int64, q Quote, rep *ExecutionReport) error {
	deadline := r.now().Add(r.cfg.SwapDeadline)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	minOut := amount * (bpsScale - r.cfg.SlippageBps) / bpsScale
	res, err := r.pool.Swap(ctx, SwapRequest{
		Pair:     req.Pair,
		Side:     req.Side,
		Amount:   amount,
		MinOut:   minOut,
		Deadline: deadline,
	})
	if err != nil {
		return fmt.Errorf("%w: swap: %w", ErrPoolUnavailable, err)
	}

	// whatever the pool executed is reported, even below the minimum
	filled := min(res.AmountOut, amount)
	if filled > 0 {
		price := res.Price
		if price == 0 {
			price = q.Price
		}
		rep.Fragments = append(rep.Fragments, Fragment{
			Venue:     VenueExternal,
			Amount:    filled,
			Price:     price,
			Reference: res.Reference,
		})
		rep.TotalFilled += filled
	}
	if res.AmountOut < minOut {
		return fmt.Errorf("%w: swap filled %d below minimum %d", ErrQuoteRejected, res.AmountOut, minOut)
	}
	return nil
}

func (r *Router) record(rep *ExecutionReport) {
	if r.metrics == nil {
		return
	}
	for i := range rep.Fragments {
		r.metrics.AddFragment(string(rep.Fragments[i].Venue))
	}
}

// within reports whether price is acceptable to a side with the given limit.
func within(side orderbook.Side, price, limit int64) bool {
	if side == orderbook.Buy {
		return price <= limit
	}
	return price >= limit
}

// bps returns |price - ref| / ref in basis points.
func bps(price, ref decimal.Decimal) decimal.Decimal {
	if ref.IsZero() {
		return decimal.Zero
	}
	return price.Sub(ref).Abs().Div(ref).Mul(decimal.NewFromInt(bpsScale))
}
