// Package scheduler runs plan updates in the background after a purchase
// mutation commits. Submitting never waits for the update.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360studio/moprocor/planning"
	"github.com/c360studio/moprocor/storage"
	"github.com/c360studio/moprocor/updater"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("update queue is full")

	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// Runner executes one job. updater.Dispatcher implements it.
type Runner interface {
	Run(ctx context.Context, job planning.Job) planning.RunRecord
}

// Submitter accepts jobs without blocking the caller.
type Submitter interface {
	Submit(job planning.Job) error
}

// Config holds pool settings.
type Config struct {
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// DefaultConfig returns the default pool settings.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueSize:  256,
		RunTimeout: 10 * time.Minute,
	}
}

// seenLots bounds how many lots the pool remembers the latest job of.
const seenLots = 4096

// pending is a submitted job with the context that supersede cancels.
type pending struct {
	job    planning.Job
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Pool is a fixed set of workers over a bounded queue.
//
// A newer job for a lot cancels older jobs of that lot whose work it covers,
// queued or running. Jobs that don't cover each other both run, in no
// particular order. Newer means submitted later by the purchase service,
// not arrived later: a job that arrives after a covering job with a later
// SubmittedAt is dropped as superseded.
type Pool struct {
	runner  Runner
	config  Config
	runs    storage.RunStore
	metrics *Metrics
	logger  *slog.Logger

	queue chan *pending

	mu      sync.Mutex
	byLot   map[planning.LotCode][]*pending
	latest  *lru.Cache[planning.LotCode, planning.Job]
	started bool
	stopped bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithRunStore records jobs that never reach the runner.
func WithRunStore(s storage.RunStore) Option {
	return func(p *Pool) {
		p.runs = s
	}
}

// WithMetrics reports queue activity to Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// NewPool creates a pool. Call Start before submitting.
func NewPool(runner Runner, cfg Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}

	latest, _ := lru.New[planning.LotCode, planning.Job](seenLots)
	p := &Pool{
		runner: runner,
		config: cfg,
		logger: slog.Default(),
		queue:  make(chan *pending, cfg.QueueSize),
		byLot:  make(map[planning.LotCode][]*pending),
		latest: latest,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics.bindQueue(p)
	return p
}

// Start launches the workers. Jobs run under ctx; cancelling it aborts them.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("scheduler already started")
	}
	p.started = true
	p.baseCtx, p.baseCancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.logger.Info("Update scheduler started",
		"workers", p.config.Workers,
		"queue_size", p.config.QueueSize)
	return nil
}

// Submit queues job. It never blocks: a full queue drops the job, which is
// logged, recorded and reported as ErrQueueFull.
func (p *Pool) Submit(job planning.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		p.drop(job, ErrStopped)
		return ErrStopped
	}

	lot := job.Order.ArapackLot
	last, seen := p.latest.Get(lot)
	if seen && isStale(job, last) {
		p.mu.Unlock()
		p.metrics.superseded()
		p.logger.Info("Dropped stale plan update",
			"lot", lot,
			"job_id", job.ID,
			"kind", job.Kind,
			"submitted_at", job.SubmittedAt,
			"newer_job_id", last.ID)
		p.record(job, planning.OutcomeSuperseded, planning.ErrSuperseded)
		return nil
	}

	ctx, cancel := context.WithCancelCause(p.baseCtx)
	item := &pending{job: job, ctx: ctx, cancel: cancel}

	select {
	case p.queue <- item:
	default:
		p.mu.Unlock()
		cancel(ErrQueueFull)
		p.drop(job, ErrQueueFull)
		return ErrQueueFull
	}

	if !seen || !job.SubmittedAt.Before(last.SubmittedAt) {
		p.latest.Add(lot, job)
	}

	kept := p.byLot[lot][:0]
	for _, older := range p.byLot[lot] {
		if Supersedes(job, older.job) {
			older.cancel(planning.ErrSuperseded)
			p.metrics.superseded()
			p.logger.Info("Superseded pending plan update",
				"lot", lot,
				"job_id", older.job.ID,
				"kind", older.job.Kind,
				"by_job_id", job.ID,
				"by_kind", job.Kind)
			continue
		}
		kept = append(kept, older)
	}
	p.byLot[lot] = append(kept, item)
	p.mu.Unlock()

	p.metrics.submitted(job.Kind)
	p.logger.Debug("Plan update queued", "lot", lot, "kind", job.Kind, "job_id", job.ID)
	return nil
}

// Supersedes reports whether newer makes older redundant: both are for the
// same lot, newer was not submitted before older, newer revises every week
// older would write, and older is not a registration unless newer is a
// cancellation. Jobs without SubmittedAt are ordered by arrival.
func Supersedes(newer, older planning.Job) bool {
	if newer.Order.ArapackLot != older.Order.ArapackLot || newer.ID == older.ID {
		return false
	}
	if bothStamped(newer, older) && newer.SubmittedAt.Before(older.SubmittedAt) {
		return false
	}
	if older.Kind == planning.KindRegister && newer.Kind != planning.KindCancel {
		return false
	}
	covered := make(map[int]bool)
	for _, w := range updater.Weeks(newer) {
		covered[w] = true
	}
	for _, w := range updater.Weeks(older) {
		if !covered[w] {
			return false
		}
	}
	return true
}

// isStale reports whether job carries an older snapshot than last and last
// covers its work.
func isStale(job, last planning.Job) bool {
	return bothStamped(job, last) && last.SubmittedAt.After(job.SubmittedAt) && Supersedes(last, job)
}

func bothStamped(a, b planning.Job) bool {
	return !a.SubmittedAt.IsZero() && !b.SubmittedAt.IsZero()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for item := range p.queue {
		p.execute(item)
	}
}

func (p *Pool) execute(item *pending) {
	defer p.forget(item)
	defer item.cancel(nil)

	if cause := context.Cause(item.ctx); cause != nil {
		outcome := planning.OutcomeFailed
		if errors.Is(cause, planning.ErrSuperseded) {
			outcome = planning.OutcomeSuperseded
		}
		p.record(item.job, outcome, cause)
		return
	}

	ctx, cancel := context.WithTimeout(item.ctx, p.config.RunTimeout)
	defer cancel()

	p.metrics.running(1)
	defer p.metrics.running(-1)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Plan update runner panicked",
				"lot", item.job.Order.ArapackLot,
				"job_id", item.job.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			p.record(item.job, planning.OutcomePanicked, fmt.Errorf("panic: %v", r))
		}
	}()

	p.runner.Run(ctx, item.job)
}

func (p *Pool) forget(item *pending) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lot := item.job.Order.ArapackLot
	list := p.byLot[lot]
	for i, it := range list {
		if it == item {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.byLot, lot)
		return
	}
	p.byLot[lot] = list
}

func (p *Pool) drop(job planning.Job, reason error) {
	p.metrics.dropped(reason)
	p.logger.Warn("Plan update dropped",
		"lot", job.Order.ArapackLot,
		"kind", job.Kind,
		"job_id", job.ID,
		"error", reason)
	outcome := planning.OutcomeQueueFull
	if !errors.Is(reason, ErrQueueFull) {
		outcome = planning.OutcomeFailed
	}
	p.record(job, outcome, reason)
}

// record stores the outcome of a job the runner never saw.
func (p *Pool) record(job planning.Job, outcome planning.RunOutcome, err error) {
	if p.runs == nil {
		return
	}
	now := time.Now()
	rec := planning.RunRecord{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		Kind:       job.Kind,
		Lot:        job.Order.ArapackLot,
		Weeks:      updater.Weeks(job),
		Outcome:    outcome,
		Stage:      "schedule",
		StartedAt:  now,
		FinishedAt: now,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.runs.Record(ctx, rec); err != nil {
		p.logger.Warn("Failed to store run record", "job_id", job.ID, "error", err)
	}
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Stop refuses new jobs and waits for queued and running jobs to finish.
// If ctx ends first, running jobs are cancelled and Stop returns ctx's error
// once the workers have exited.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.baseCancel()
		p.logger.Info("Update scheduler stopped")
		return nil
	case <-ctx.Done():
		p.baseCancel()
		<-done
		p.logger.Warn("Update scheduler stopped before the queue drained")
		return ctx.Err()
	}
}
