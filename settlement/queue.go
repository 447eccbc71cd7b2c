package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hydra/domain/orderbook"
	"hydra/infra/memory"
	"hydra/infra/metrics"
)

type Config struct {
	Workers int `yaml:"workers"`
	// Capacity bounds unfinished jobs. Enqueue past it fails the job
	// with ErrBackpressure instead of queueing it.
	Capacity int `yaml:"capacity"`
	// HighWater is the depth at which Admit starts rejecting new orders.
	HighWater      int           `yaml:"high_water"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxJobAge      time.Duration `yaml:"max_job_age"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
	FailureBuffer  int           `yaml:"failure_buffer"`
}

func DefaultConfig() Config {
	return Config{
		Workers:        8,
		Capacity:       1 << 16,
		HighWater:      1 << 15,
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		AttemptTimeout: 10 * time.Second,
		MaxJobAge:      10 * time.Minute,
		ReapInterval:   5 * time.Second,
		FailureBuffer:  1024,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return errors.New("settlement: workers must be at least 1")
	case c.HighWater < 1:
		return errors.New("settlement: high_water must be at least 1")
	case c.Capacity < 2*c.HighWater:
		return fmt.Errorf("settlement: capacity %d must be at least twice high_water %d", c.Capacity, c.HighWater)
	case c.MaxAttempts < 1:
		return errors.New("settlement: max_attempts must be at least 1")
	case c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff:
		return errors.New("settlement: need 0 < initial_backoff <= max_backoff")
	case c.AttemptTimeout <= 0 || c.MaxJobAge <= 0 || c.ReapInterval <= 0:
		return errors.New("settlement: attempt_timeout, max_job_age and reap_interval must be positive")
	}
	return nil
}

// QueueMetrics is a point-in-time view of the queue. Settled and Failed
// are totals; Queued, Processing and Depth are current.
type QueueMetrics struct {
	Queued     int64
	Processing int64
	Settled    int64
	Failed     int64
	Depth      int64
	Throughput float64 // settlements per second, rolling
}

type Option func(*Queue)

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue decouples matching from settlement. Enqueue persists a job and
// returns at once; a worker pool submits jobs to the network with
// retries. Every job ends settled or failed, and failed jobs are also
// pushed to Failures.
type Queue struct {
	cfg     Config
	store   *Store
	network Network
	records *memory.Pool[Job]
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	dispatch chan uint64
	failures chan Job

	depth      atomic.Int64
	processing atomic.Int64
	settled    atomic.Int64
	failed     atomic.Int64
	throughput *metrics.Rate

	mu       sync.Mutex
	inflight map[uint64]struct{}
	// unfinished maps each non-terminal job id to its EnqueuedAt. The
	// reaper walks it instead of the store.
	unfinished map[uint64]int64
}

func New(cfg Config, store *Store, network Network, log *zap.Logger, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		cfg:     cfg,
		store:   store,
		network: network,
		records: memory.NewPool(memory.Config{Initial: cfg.Workers, Max: cfg.Workers}, (*Job).Reset),
		log:     log.Named("settlement"),
		now:     time.Now,

		dispatch: make(chan uint64, 2*cfg.Capacity),
		failures: make(chan Job, max(cfg.FailureBuffer, 1)),

		throughput: metrics.NewRate(10),
		inflight:   make(map[uint64]struct{}),
		unfinished: make(map[uint64]int64),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// ---- producer side ----

// Admit reports whether new orders may be accepted.
func (q *Queue) Admit() error {
	if d := q.depth.Load(); d >= int64(q.cfg.HighWater) {
		return fmt.Errorf("%w: depth %d at high-water mark %d", ErrBackpressure, d, q.cfg.HighWater)
	}
	return nil
}

// Enqueue persists a settlement job for t and returns its id, the trade
// id. Enqueueing a trade twice returns the existing job. At capacity the
// job is stored as failed, surfaced on Failures, and ErrBackpressure is
// returned with the id.
func (q *Queue) Enqueue(t orderbook.Trade) (uint64, error) {
	now := q.now().UnixNano()
	j := Job{TradeID: t.ID, Trade: t, Status: StatusQueued, EnqueuedAt: now, UpdatedAt: now}
	j.Trade.Settlement = StatusQueued

	if !q.reserve() {
		return j.TradeID, q.reject(&j, "queue at capacity")
	}

	existed, err := q.store.Create(&j)
	if err != nil || existed {
		q.depth.Add(-1)
		return j.TradeID, err
	}
	q.remember(j.TradeID, j.EnqueuedAt)

	select {
	case q.dispatch <- j.TradeID:
		return j.TradeID, nil
	default:
		// Only reachable when reaped ids clog the channel.
		q.finish(j.TradeID, StatusFailed, "", "dispatch channel full")
		return j.TradeID, fmt.Errorf("%w: dispatch channel full", ErrBackpressure)
	}
}

func (q *Queue) reserve() bool {
	for {
		d := q.depth.Load()
		if d >= int64(q.cfg.Capacity) {
			return false
		}
		if q.depth.CompareAndSwap(d, d+1) {
			return true
		}
	}
}

func (q *Queue) reject(j *Job, reason string) error {
	j.Status = StatusFailed
	j.Trade.Settlement = StatusFailed
	j.LastError = fmt.Sprintf("%v: %s", ErrBackpressure, reason)

	existed, err := q.store.Create(j)
	if err != nil {
		return err
	}
	if existed {
		return nil
	}
	q.failed.Add(1)
	q.observe(j)
	q.log.Warn("settlement job rejected", zap.Uint64("trade_id", j.TradeID), zap.String("reason", reason))
	q.emit(*j)
	return fmt.Errorf("%w: %s", ErrBackpressure, reason)
}

// ---- reads ----

func (q *Queue) Status(id uint64) (Job, error) {
	var j Job
	if err := q.store.Load(id, &j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Failures delivers every job that ends failed. The channel is buffered;
// when it is full the job is only logged, it stays queryable by Status.
func (q *Queue) Failures() <-chan Job {
	return q.failures
}

func (q *Queue) Depth() int64 {
	return q.depth.Load()
}

func (q *Queue) Metrics() QueueMetrics {
	depth := q.depth.Load()
	processing := q.processing.Load()
	return QueueMetrics{
		Queued:     max(depth-processing, 0),
		Processing: processing,
		Settled:    q.settled.Load(),
		Failed:     q.failed.Load(),
		Depth:      depth,
		Throughput: q.throughput.PerSecond(),
	}
}

// RecordStats reports the job record pool used by the workers.
func (q *Queue) RecordStats() memory.Stats {
	return q.records.Stats()
}

// ---- lifecycle ----

// Recovered summarizes the jobs found by Recover. The id maxima cover
// every stored trade so sequencers can be moved past them.
type Recovered struct {
	Pending    int
	MaxTradeID uint64
	MaxOrderID uint64
}

// Recover re-dispatches every unfinished job in the store. Call it once,
// before Run and before Enqueue.
func (q *Queue) Recover(ctx context.Context) (Recovered, error) {
	var (
		rec     Recovered
		pending []uint64
	)
	err := q.store.Scan(func(j *Job) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec.MaxTradeID = max(rec.MaxTradeID, j.TradeID)
		rec.MaxOrderID = max(rec.MaxOrderID, j.Trade.BuyOrderID, j.Trade.SellOrderID)
		switch j.Status {
		case StatusSettled:
			q.settled.Add(1)
		case StatusFailed:
			q.failed.Add(1)
		default:
			pending = append(pending, j.TradeID)
			q.remember(j.TradeID, j.EnqueuedAt)
		}
		return nil
	})
	if err != nil {
		return Recovered{}, fmt.Errorf("settlement: recover: %w", err)
	}

	rec.Pending = len(pending)
	for _, id := range pending {
		q.depth.Add(1)
		select {
		case q.dispatch <- id:
		default:
			return rec, fmt.Errorf("settlement: recover: %d pending jobs exceed the dispatch buffer", len(pending))
		}
	}
	q.log.Info("settlement queue recovered",
		zap.Int("pending", rec.Pending),
		zap.Int64("settled", q.settled.Load()),
		zap.Int64("failed", q.failed.Load()),
		zap.Uint64("max_trade_id", rec.MaxTradeID),
		zap.Uint64("max_order_id", rec.MaxOrderID),
	)
	return rec, nil
}

// Run starts the workers and the age reaper and blocks until ctx is done.
// Jobs interrupted by shutdown stay processing and are picked up by
// Recover on the next start.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		g.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		q.reap(ctx)
		return nil
	})
	return g.Wait()
}

// ---- workers ----

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.dispatch:
			q.process(ctx, id)
		}
	}
}

func (q *Queue) process(ctx context.Context, id uint64) {
	j, err := q.records.Acquire()
	if err != nil {
		// Cannot happen with one record per worker. The job stays queued
		// in the store and Recover picks it up.
		q.log.Error("no job record", zap.Uint64("trade_id", id), zap.Error(err))
		q.abandon(id)
		return
	}
	defer q.records.Release(j)

	q.track(id, true)
	defer q.track(id, false)

	if err := q.store.Load(id, j); err != nil {
		q.log.Error("load job; left for recovery", zap.Uint64("trade_id", id), zap.Error(err))
		q.abandon(id)
		return
	}
	if j.Status.Terminal() {
		return // settled before a restart, or reaped while queued
	}
	if q.expired(j) {
		q.finish(id, StatusFailed, "", ErrJobTimedOut.Error())
		return
	}

	if j.Attempts > 0 {
		if ref, ok := q.reconcile(ctx, j); ok {
			q.finish(id, StatusSettled, ref, "")
			return
		}
	}

	err = q.store.Transition(id, j, pending, func(j *Job) {
		j.Status = StatusProcessing
		j.UpdatedAt = q.now().UnixNano()
	})
	if err != nil {
		q.log.Debug("skip job", zap.Uint64("trade_id", id), zap.Error(err))
		return
	}
	q.processing.Add(1)
	defer q.processing.Add(-1)

	ref, err := q.submit(ctx, j)
	switch {
	case err == nil:
		q.finish(id, StatusSettled, ref, "")
	case ctx.Err() != nil:
		q.log.Info("settlement interrupted by shutdown", zap.Uint64("trade_id", id))
	default:
		q.finish(id, StatusFailed, "", err.Error())
	}
}

// submit runs the attempts of one job in sequence with exponential backoff.
func (q *Queue) submit(ctx context.Context, j *Job) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = q.cfg.InitialBackoff
	eb.MaxInterval = q.cfg.MaxBackoff
	eb.MaxElapsedTime = 0 // MaxJobAge bounds the total instead
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(q.cfg.MaxAttempts-1)), ctx)

	var ref string
	attempt := func() error {
		if q.expired(j) {
			return backoff.Permanent(ErrJobTimedOut)
		}
		err := q.store.Transition(j.TradeID, j, processing, func(j *Job) {
			j.Attempts++
			j.UpdatedAt = q.now().UnixNano()
		})
		if err != nil {
			return backoff.Permanent(err)
		}

		actx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		r, err := q.network.Submit(actx, Instruction{TradeID: j.TradeID, Trade: j.Trade})
		cancel()
		if err != nil {
			if IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		ref = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		q.log.Debug("settlement attempt failed",
			zap.Uint64("trade_id", j.TradeID),
			zap.Int("attempt", j.Attempts),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		terr := q.store.Transition(j.TradeID, j, processing, func(j *Job) {
			j.LastError = err.Error()
		})
		if terr != nil {
			q.log.Warn("record attempt error", zap.Uint64("trade_id", j.TradeID), zap.Error(terr))
		}
	}

	err := backoff.RetryNotify(attempt, policy, notify)
	return ref, err
}

func (q *Queue) reconcile(ctx context.Context, j *Job) (string, bool) {
	rc, ok := q.network.(Reconciler)
	if !ok {
		return "", false
	}
	actx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()
	ref, found, err := rc.Lookup(actx, j.TradeID)
	if err != nil {
		q.log.Warn("settlement lookup failed; resubmitting", zap.Uint64("trade_id", j.TradeID), zap.Error(err))
		return "", false
	}
	return ref, found
}

// finish moves an unfinished job to a terminal status. Exactly one caller
// wins per job; the loser gets ErrStaleTransition and does nothing.
func (q *Queue) finish(id uint64, status Status, ref, reason string) {
	var j Job
	err := q.store.Transition(id, &j, pending, func(j *Job) {
		j.Status = status
		j.UpdatedAt = q.now().UnixNano()
		if ref != "" {
			j.Reference = ref
		}
		if reason != "" {
			j.LastError = reason
		}
	})
	if err != nil {
		q.log.Debug("finish job", zap.Uint64("trade_id", id), zap.Error(err))
		return
	}

	q.depth.Add(-1)
	q.forget(id)
	q.observe(&j)
	if status == StatusSettled {
		q.settled.Add(1)
		q.throughput.Add(1)
		q.log.Debug("trade settled", zap.Uint64("trade_id", id), zap.String("reference", ref), zap.Int("attempts", j.Attempts))
		return
	}
	q.failed.Add(1)
	q.log.Warn("settlement failed",
		zap.Uint64("trade_id", id),
		zap.Int("attempts", j.Attempts),
		zap.String("reason", j.LastError),
	)
	q.emit(j)
}

func (q *Queue) emit(j Job) {
	select {
	case q.failures <- j:
	default:
		q.log.Error("failure feed full", zap.Uint64("trade_id", j.TradeID))
	}
}

func (q *Queue) observe(j *Job) {
	if q.metrics != nil {
		q.metrics.ObserveSettlement(j.Status.String(), j.Attempts)
	}
}

// ---- reaper ----

func (q *Queue) reap(ctx context.Context) {
	t := time.NewTicker(q.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.reapOnce()
		}
	}
}

// reapOnce fails every unfinished job older than MaxJobAge that no worker
// holds. Jobs a worker holds time out through the attempt loop instead.
// Only ids in the unfinished set are loaded; terminal jobs are never read.
func (q *Queue) reapOnce() int {
	cutoff := q.now().UnixNano() - int64(q.cfg.MaxJobAge)
	var stale []uint64
	q.mu.Lock()
	for id, at := range q.unfinished {
		if at < cutoff {
			stale = append(stale, id)
		}
	}
	q.mu.Unlock()

	reaped := 0
	for _, id := range stale {
		var j Job
		err := q.store.Transition(id, &j, func(s Status) bool {
			return pending(s) && !q.isInflight(id)
		}, func(j *Job) {
			j.Status = StatusFailed
			j.LastError = ErrJobTimedOut.Error()
			j.UpdatedAt = q.now().UnixNano()
		})
		if err != nil {
			continue
		}
		reaped++
		q.depth.Add(-1)
		q.forget(id)
		q.failed.Add(1)
		q.observe(&j)
		q.log.Warn("settlement job timed out", zap.Uint64("trade_id", id), zap.Int("attempts", j.Attempts))
		q.emit(j)
	}
	return reaped
}

func (q *Queue) expired(j *Job) bool {
	return q.now().UnixNano()-j.EnqueuedAt > int64(q.cfg.MaxJobAge)
}

func (q *Queue) track(id uint64, on bool) {
	q.mu.Lock()
	if on {
		q.inflight[id] = struct{}{}
	} else {
		delete(q.inflight, id)
	}
	q.mu.Unlock()
}

func (q *Queue) remember(id uint64, enqueuedAt int64) {
	q.mu.Lock()
	q.unfinished[id] = enqueuedAt
	q.mu.Unlock()
}

func (q *Queue) forget(id uint64) {
	q.mu.Lock()
	delete(q.unfinished, id)
	q.mu.Unlock()
}

// abandon drops a dispatched job this process can no longer read. The
// stored job keeps its unfinished status for Recover on the next start.
func (q *Queue) abandon(id uint64) {
	q.depth.Add(-1)
	q.forget(id)
}

// Unfinished is the number of jobs the reaper watches.
func (q *Queue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.unfinished)
}

func (q *Queue) isInflight(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[id]
	return ok
}

func pending(s Status) bool    { return !s.Terminal() }
func processing(s Status) bool { return s == StatusProcessing }
