package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/moprocor/planning"
	"github.com/c360studio/moprocor/storage"
)

// StageDispatch marks runs that never reached an updater.
const StageDispatch = "dispatch"

// recordTimeout bounds the write of a run record after the run's own
// context may already be cancelled.
const recordTimeout = 5 * time.Second

// Dispatcher routes jobs to the updater for their kind and records how each
// run ended. Run never returns an error and never panics.
type Dispatcher struct {
	register *Register
	quantity *Quantity
	delivery *DeliveryDate
	cancel   *Cancel

	locks   *WeekLocks
	runs    storage.RunStore
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWeekLocks serializes runs per week.
func WithWeekLocks(l *WeekLocks) DispatcherOption {
	return func(d *Dispatcher) {
		d.locks = l
	}
}

// WithRunStore persists a record of every run.
func WithRunStore(s storage.RunStore) DispatcherOption {
	return func(d *Dispatcher) {
		d.runs = s
	}
}

// WithMetrics reports runs to Prometheus collectors.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher creates the four updaters over deps.
func NewDispatcher(deps *Deps, opts ...DispatcherOption) (*Dispatcher, error) {
	if deps == nil {
		return nil, fmt.Errorf("updater dependencies required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		register: NewRegister(deps),
		quantity: NewQuantity(deps),
		delivery: NewDeliveryDate(deps),
		cancel:   NewCancel(deps),
		logger:   deps.logger(),
		now:      deps.now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// For returns the updater for kind.
func (d *Dispatcher) For(kind planning.ActionKind) (Updater, error) {
	switch kind {
	case planning.KindRegister:
		return d.register, nil
	case planning.KindQuantity:
		return d.quantity, nil
	case planning.KindDeliveryDate:
		return d.delivery, nil
	case planning.KindCancel:
		return d.cancel, nil
	default:
		return nil, fmt.Errorf("no updater for action kind %q", kind)
	}
}

// Weeks returns the weeks a job may write.
func Weeks(job planning.Job) []int {
	if job.Kind == planning.KindDeliveryDate {
		return distinctSorted([]int{job.OriginalWeek, job.Order.WeekOfYear})
	}
	return distinctSorted([]int{job.Order.WeekOfYear})
}

// Run executes job and returns its run record.
func (d *Dispatcher) Run(ctx context.Context, job planning.Job) (rec planning.RunRecord) {
	rec = planning.RunRecord{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		Kind:      job.Kind,
		Lot:       job.Order.ArapackLot,
		Weeks:     Weeks(job),
		StartedAt: d.now(),
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Plan update panicked",
				"kind", job.Kind,
				"job_id", job.ID,
				"lot", job.Order.ArapackLot,
				"panic", r,
				"stack", string(debug.Stack()))
			rec.Outcome = planning.OutcomePanicked
			rec.Error = fmt.Sprint(r)
		}
		d.finish(ctx, &rec)
	}()

	err := d.execute(ctx, job)
	rec.Outcome = classify(ctx, err)
	if err != nil {
		rec.Error = err.Error()
		rec.Stage = StageOf(err)
	}
	return rec
}

func (d *Dispatcher) execute(ctx context.Context, job planning.Job) error {
	u, err := d.For(job.Kind)
	if err != nil {
		return stageErr(StageDispatch, err)
	}

	if d.locks != nil {
		release, err := d.locks.Acquire(ctx, Weeks(job)...)
		if err != nil {
			return stageErr(StageGather, fmt.Errorf("wait for week lock: %w", err))
		}
		defer release()
	}

	uc, err := u.Gather(ctx, job)
	if err != nil {
		return err
	}
	return u.Apply(ctx, uc)
}

// classify maps the result of a run to its outcome. Replies that hold no
// usable plan and orders without a week are deliberate no-ops.
func classify(ctx context.Context, err error) planning.RunOutcome {
	switch {
	case err == nil:
		return planning.OutcomeApplied
	case errors.Is(context.Cause(ctx), planning.ErrSuperseded):
		return planning.OutcomeSuperseded
	case errors.Is(err, ErrUnparseable), errors.Is(err, ErrNoWeek):
		return planning.OutcomeSkipped
	default:
		return planning.OutcomeFailed
	}
}

func (d *Dispatcher) finish(ctx context.Context, rec *planning.RunRecord) {
	rec.FinishedAt = d.now()
	rec.DurationMs = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()

	attrs := []any{
		"kind", rec.Kind,
		"job_id", rec.JobID,
		"lot", rec.Lot,
		"weeks", rec.Weeks,
		"outcome", rec.Outcome,
		"duration_ms", rec.DurationMs,
	}
	if rec.Stage != "" {
		attrs = append(attrs, "stage", rec.Stage)
	}
	if rec.Error != "" {
		attrs = append(attrs, "error", rec.Error)
	}

	switch rec.Outcome {
	case planning.OutcomeApplied:
		d.logger.Info("Plan update applied", attrs...)
	case planning.OutcomeSuperseded:
		d.logger.Info("Plan update superseded", attrs...)
	case planning.OutcomeSkipped:
		d.logger.Warn("Plan update skipped, plans unchanged", attrs...)
	default:
		d.logger.Error("Plan update failed", attrs...)
	}

	d.metrics.observe(*rec)

	if d.runs == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := d.runs.Record(recordCtx, *rec); err != nil {
		d.logger.Warn("Failed to store run record", "job_id", rec.JobID, "error", err)
	}
}
