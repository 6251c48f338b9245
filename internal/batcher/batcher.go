// Package batcher aggregates audit records into Merkle batches and
// anchors them on chain. All submissions pass through one consumer loop,
// so the anchoring sequence number read in the pipeline can never be
// raced by a concurrent submission.
package batcher

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/anchorgate/anchorgate/internal/anchor"
	"github.com/anchorgate/anchorgate/internal/budget"
	"github.com/anchorgate/anchorgate/internal/config"
	"github.com/anchorgate/anchorgate/internal/models"
	"github.com/anchorgate/anchorgate/internal/quota"
)

// Outcome is the terminal state of one enqueued record's anchoring.
type Outcome string

const (
	// OutcomeAnchored means the record's batch was committed on chain.
	OutcomeAnchored Outcome = "anchored"
	// OutcomeBudgetExhausted means today's transaction budget is spent;
	// the record stays pending and will anchor on a later day.
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
	// OutcomeFailed means the batch submission failed; the record keeps
	// its null proof fields and is retried by the sweep.
	OutcomeFailed Outcome = "failed"
)

// Result settles a Handle exactly once.
type Result struct {
	Outcome  Outcome
	BatchID  uint64
	AnchorTx string
	Err      error
}

// Handle is the future returned by Enqueue.
type Handle struct {
	ch chan Result
}

func newHandle() *Handle {
	return &Handle{ch: make(chan Result, 1)}
}

func (h *Handle) complete(r Result) {
	select {
	case h.ch <- r:
	default:
	}
}

// Done exposes the settlement channel. It receives exactly one Result.
func (h *Handle) Done() <-chan Result {
	return h.ch
}

// Wait blocks until the handle settles or the context ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-h.ch:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type pendingRecord struct {
	log    *models.UsageLog
	handle *Handle
}

type Batcher struct {
	cfg    config.BatchConfig
	chain  anchor.Chain
	store  *quota.Store
	budget *budget.Tracker
	db     *gorm.DB
	logger *zap.Logger

	mu       sync.Mutex
	pending  []pendingRecord
	oldest   time.Time
	inflight map[uuid.UUID]struct{}

	// deferredUntil parks the age timer at the next budget rollover
	// while today's transaction budget is spent. Zero when submissions
	// are possible.
	deferredUntil time.Time

	kick  chan struct{}
	flush chan chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

func New(cfg config.BatchConfig, chain anchor.Chain, store *quota.Store, tracker *budget.Tracker, db *gorm.DB, logger *zap.Logger) *Batcher {
	if cfg.BaseSize <= 0 {
		cfg.BaseSize = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Batcher{
		cfg:      cfg,
		chain:    chain,
		store:    store,
		budget:   tracker,
		db:       db,
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
		kick:     make(chan struct{}, 1),
		flush:    make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue hands one settled audit record to the pipeline and returns its
// future. Never blocks the caller: when today's budget is spent the
// handle settles immediately while the record accumulates for a later
// day.
func (b *Batcher) Enqueue(ctx context.Context, log *models.UsageLog) *Handle {
	handle := newHandle()

	b.mu.Lock()
	if _, dup := b.inflight[log.ID]; dup {
		b.mu.Unlock()
		handle.complete(Result{Outcome: OutcomeFailed})
		return handle
	}
	b.inflight[log.ID] = struct{}{}
	if len(b.pending) == 0 {
		b.oldest = time.Now()
	}
	b.pending = append(b.pending, pendingRecord{log: log, handle: handle})
	b.mu.Unlock()

	if _, ok := b.budgetState(ctx); !ok {
		handle.complete(Result{Outcome: OutcomeBudgetExhausted})
	}

	select {
	case b.kick <- struct{}{}:
	default:
	}
	return handle
}

// Flush forces a submission of everything pending and waits for it.
func (b *Batcher) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case b.flush <- ack:
	case <-b.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the consumer loop.
func (b *Batcher) Start() {
	go b.run()
}

// Stop drains the loop. Pending records get a final submission attempt.
func (b *Batcher) Stop(ctx context.Context) {
	close(b.stop)
	select {
	case <-b.done:
	case <-ctx.Done():
	}
}

func (b *Batcher) run() {
	defer close(b.done)

	sweepInterval := b.cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		var timerC <-chan time.Time
		b.mu.Lock()
		size := len(b.pending)
		next := b.oldest.Add(b.cfg.Interval)
		if b.deferredUntil.After(next) {
			next = b.deferredUntil
		}
		b.mu.Unlock()
		if size > 0 {
			timerC = time.After(time.Until(next))
		}

		select {
		case <-b.stop:
			b.submitPending(context.Background(), true)
			return
		case <-b.kick:
			b.submitPending(context.Background(), false)
		case <-timerC:
			b.submitPending(context.Background(), true)
		case ack := <-b.flush:
			b.submitPending(context.Background(), true)
			close(ack)
		case <-sweep.C:
			b.sweep(context.Background())
		}
	}
}

// submitPending flushes the pending buffer when the flush condition
// holds: forced, or size has reached the current adaptive target. With
// the budget spent nothing is submitted: pending futures settle as
// budget_exhausted and the records keep accumulating until the day
// rolls over.
func (b *Batcher) submitPending(ctx context.Context, force bool) {
	b.mu.Lock()
	deferred := time.Now().Before(b.deferredUntil)
	b.mu.Unlock()
	if deferred {
		b.deferSubmissions()
		return
	}

	target, budgetOK := b.budgetState(ctx)
	if !budgetOK {
		b.deferSubmissions()
		return
	}

	b.mu.Lock()
	b.deferredUntil = time.Time{}
	if len(b.pending) == 0 || (!force && len(b.pending) < target) {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	b.submitBatch(ctx, batch)

	b.mu.Lock()
	for _, rec := range batch {
		delete(b.inflight, rec.log.ID)
	}
	b.mu.Unlock()
}

// deferSubmissions records that nothing can be submitted before the
// budget rollover and settles every open pending future as
// budget_exhausted. complete is one-shot, so already-settled handles
// are untouched.
func (b *Batcher) deferSubmissions() {
	b.mu.Lock()
	b.deferredUntil = b.budget.NextRollover()
	for _, rec := range b.pending {
		rec.handle.complete(Result{Outcome: OutcomeBudgetExhausted})
	}
	b.mu.Unlock()
}

// budgetState returns the current target batch size and whether today's
// transaction budget still has room.
func (b *Batcher) budgetState(ctx context.Context) (int, bool) {
	if b.cfg.DailyTxBudget <= 0 {
		return b.cfg.BaseSize, true
	}

	txCount, reqCount, err := b.budget.Today(ctx)
	if err != nil {
		b.logger.Warn("budget read failed, using base batch size", zap.Error(err))
		return b.cfg.BaseSize, true
	}
	remaining := b.cfg.DailyTxBudget - txCount
	if remaining <= 0 {
		return 0, false
	}
	if !b.cfg.Adaptive {
		return b.cfg.BaseSize, true
	}

	hours := b.budget.Hour()
	if hours < 0.05 {
		return b.cfg.BaseSize, true
	}
	projected := float64(reqCount) * (24 - hours) / hours
	target := int(math.Ceil(projected / float64(remaining)))
	if target < b.cfg.BaseSize {
		target = b.cfg.BaseSize
	}
	return target, true
}

// sweep re-enqueues settled records that never got anchored, typically
// after a failed submission or a process restart.
func (b *Batcher) sweep(ctx context.Context) {
	logs, err := b.store.ListUnanchored(ctx, 1000)
	if err != nil {
		b.logger.Error("unanchored sweep failed", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-b.cfg.Interval)
	requeued := 0
	b.mu.Lock()
	for i := range logs {
		log := logs[i]
		if log.CreatedAt.After(cutoff) {
			continue
		}
		if _, dup := b.inflight[log.ID]; dup {
			continue
		}
		b.inflight[log.ID] = struct{}{}
		if len(b.pending) == 0 {
			b.oldest = time.Now()
		}
		b.pending = append(b.pending, pendingRecord{log: &log, handle: newHandle()})
		requeued++
	}
	b.mu.Unlock()

	if requeued > 0 {
		b.logger.Info("sweep requeued unanchored records", zap.Int("count", requeued))
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// CheckResume compares the highest stored sequence against the chain's
// view at startup. A chain behind the store points at a re-org or a
// misconfigured contract; new anchors follow the chain's view either way.
func (b *Batcher) CheckResume(ctx context.Context) {
	var last models.AnchorBatch
	err := b.db.WithContext(ctx).Order("tx_seq DESC").First(&last).Error
	if err == gorm.ErrRecordNotFound {
		return
	}
	if err != nil {
		b.logger.Error("resume check failed reading batch store", zap.Error(err))
		return
	}

	chainCount, err := b.chain.TotalBatches(ctx)
	if err != nil {
		b.logger.Error("resume check failed reading chain", zap.Error(err))
		return
	}
	if chainCount < last.TxSeq+1 {
		b.logger.Warn("chain is behind the batch store",
			zap.Uint64("stored_seq", last.TxSeq),
			zap.Uint64("chain_count", chainCount))
	}
}
