package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c360studio/moprocor/planning"
	"github.com/c360studio/moprocor/storage"
)

type runnerFunc func(ctx context.Context, job planning.Job) planning.RunRecord

func (f runnerFunc) Run(ctx context.Context, job planning.Job) planning.RunRecord {
	return f(ctx, job)
}

// gatedRunner blocks every job until release is closed or its context ends.
type gatedRunner struct {
	release chan struct{}
	started chan planning.Job

	mu     sync.Mutex
	ran    []string
	causes map[string]error
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{
		release: make(chan struct{}),
		started: make(chan planning.Job, 16),
		causes:  make(map[string]error),
	}
}

func (g *gatedRunner) Run(ctx context.Context, job planning.Job) planning.RunRecord {
	g.started <- job
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ran = append(g.ran, job.ID)
	if cause := context.Cause(ctx); cause != nil {
		g.causes[job.ID] = cause
	}
	return planning.RunRecord{JobID: job.ID}
}

func (g *gatedRunner) Ran() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ran...)
}

func (g *gatedRunner) Cause(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.causes[id]
}

func job(id string, kind planning.ActionKind, lot string, week int) planning.Job {
	return planning.Job{
		ID:   id,
		Kind: kind,
		Order: planning.PurchaseOrder{
			ArapackLot: planning.LotCode(lot),
			WeekOfYear: week,
		},
	}
}

func waitStarted(t *testing.T, g *gatedRunner) planning.Job {
	t.Helper()
	select {
	case j := <-g.started:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
		return planning.Job{}
	}
}

func startPool(t *testing.T, r Runner, cfg Config, opts ...Option) *Pool {
	t.Helper()
	p := NewPool(r, cfg, opts...)
	require.NoError(t, p.Start(context.Background()))
	return p
}

func stopPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestPool_RunsSubmittedJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	var got []string
	p := startPool(t, runnerFunc(func(_ context.Context, j planning.Job) planning.RunRecord {
		mu.Lock()
		got = append(got, j.ID)
		mu.Unlock()
		return planning.RunRecord{}
	}), Config{Workers: 2, QueueSize: 8})

	require.NoError(t, p.Submit(job("a", planning.KindRegister, "100", 19)))
	require.NoError(t, p.Submit(job("b", planning.KindRegister, "200", 20)))
	require.NoError(t, p.Submit(job("", planning.KindRegister, "300", 21)))
	stopPool(t, p)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 3)
	assert.Contains(t, got, "a")
	assert.Contains(t, got, "b")
}

func TestPool_StartTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := startPool(t, runnerFunc(func(context.Context, planning.Job) planning.RunRecord {
		return planning.RunRecord{}
	}), Config{Workers: 1})
	assert.Error(t, p.Start(context.Background()))
	stopPool(t, p)
}

func TestPool_SubmitDoesNotBlockWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	runs := storage.NewMemoryRuns()
	g := newGatedRunner()
	p := startPool(t, g, Config{Workers: 1, QueueSize: 1}, WithRunStore(runs))

	require.NoError(t, p.Submit(job("a", planning.KindRegister, "100", 19)))
	waitStarted(t, g)
	require.NoError(t, p.Submit(job("b", planning.KindRegister, "200", 19)))

	done := make(chan error, 1)
	go func() { done <- p.Submit(job("c", planning.KindRegister, "300", 19)) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}

	recs, err := runs.List(context.Background(), "300")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, planning.OutcomeQueueFull, recs[0].Outcome)
	assert.Equal(t, "c", recs[0].JobID)

	close(g.release)
	stopPool(t, p)
	assert.ElementsMatch(t, []string{"a", "b"}, g.Ran())
}

func TestPool_NewerJobCancelsRunningJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := newGatedRunner()
	p := startPool(t, g, Config{Workers: 2, QueueSize: 4})

	require.NoError(t, p.Submit(job("old", planning.KindQuantity, "100", 19)))
	waitStarted(t, g)
	require.NoError(t, p.Submit(job("new", planning.KindQuantity, "100", 19)))
	waitStarted(t, g)

	require.Eventually(t, func() bool {
		return g.Cause("old") != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, g.Cause("old"), planning.ErrSuperseded)

	close(g.release)
	stopPool(t, p)
	assert.NoError(t, g.Cause("new"))
}

func TestPool_NewerJobCancelsQueuedJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	runs := storage.NewMemoryRuns()
	g := newGatedRunner()
	p := startPool(t, g, Config{Workers: 1, QueueSize: 4}, WithRunStore(runs))

	require.NoError(t, p.Submit(job("blocker", planning.KindRegister, "900", 30)))
	waitStarted(t, g)

	require.NoError(t, p.Submit(job("old", planning.KindQuantity, "100", 19)))
	require.NoError(t, p.Submit(job("new", planning.KindCancel, "100", 19)))

	close(g.release)
	stopPool(t, p)

	assert.Equal(t, []string{"blocker", "new"}, g.Ran())
	recs, err := runs.List(context.Background(), "100")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "old", recs[0].JobID)
	assert.Equal(t, planning.OutcomeSuperseded, recs[0].Outcome)
	assert.Equal(t, "schedule", recs[0].Stage)
}

var submittedBase = time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)

func stamped(j planning.Job, offset time.Duration) planning.Job {
	j.SubmittedAt = submittedBase.Add(offset)
	return j
}

func TestPool_StaleJobDoesNotCancelNewer(t *testing.T) {
	defer goleak.VerifyNone(t)

	runs := storage.NewMemoryRuns()
	g := newGatedRunner()
	p := startPool(t, g, Config{Workers: 2, QueueSize: 4}, WithRunStore(runs))

	require.NoError(t, p.Submit(stamped(job("fresh", planning.KindQuantity, "100", 19), time.Second)))
	waitStarted(t, g)
	require.NoError(t, p.Submit(stamped(job("stale", planning.KindQuantity, "100", 19), 0)))

	close(g.release)
	stopPool(t, p)

	assert.Equal(t, []string{"fresh"}, g.Ran())
	assert.NoError(t, g.Cause("fresh"))

	recs, err := runs.List(context.Background(), "100")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "stale", recs[0].JobID)
	assert.Equal(t, planning.OutcomeSuperseded, recs[0].Outcome)
}

func TestPool_StaleJobForOtherWeekStillRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := newGatedRunner()
	p := startPool(t, g, Config{Workers: 1, QueueSize: 4})

	require.NoError(t, p.Submit(stamped(job("fresh", planning.KindQuantity, "100", 19), time.Second)))
	waitStarted(t, g)
	require.NoError(t, p.Submit(stamped(job("older", planning.KindQuantity, "100", 20), 0)))

	close(g.release)
	stopPool(t, p)
	assert.Equal(t, []string{"fresh", "older"}, g.Ran())
}

func TestPool_RegisterSurvivesQuantityUpdate(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := newGatedRunner()
	p := startPool(t, g, Config{Workers: 1, QueueSize: 4})

	require.NoError(t, p.Submit(job("blocker", planning.KindRegister, "900", 30)))
	waitStarted(t, g)
	require.NoError(t, p.Submit(job("reg", planning.KindRegister, "100", 19)))
	require.NoError(t, p.Submit(job("qty", planning.KindQuantity, "100", 19)))

	close(g.release)
	stopPool(t, p)
	assert.Equal(t, []string{"blocker", "reg", "qty"}, g.Ran())
}

func TestPool_RecoversFromRunnerPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	runs := storage.NewMemoryRuns()
	var mu sync.Mutex
	var ran []string
	p := startPool(t, runnerFunc(func(_ context.Context, j planning.Job) planning.RunRecord {
		if j.ID == "boom" {
			panic("runner exploded")
		}
		mu.Lock()
		ran = append(ran, j.ID)
		mu.Unlock()
		return planning.RunRecord{}
	}), Config{Workers: 1, QueueSize: 4}, WithRunStore(runs))

	require.NoError(t, p.Submit(job("boom", planning.KindRegister, "100", 19)))
	require.NoError(t, p.Submit(job("after", planning.KindRegister, "200", 19)))
	stopPool(t, p)

	mu.Lock()
	assert.Equal(t, []string{"after"}, ran)
	mu.Unlock()

	recs, err := runs.List(context.Background(), "100")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, planning.OutcomePanicked, recs[0].Outcome)
	assert.Contains(t, recs[0].Error, "runner exploded")
}

func TestPool_SubmitAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	runs := storage.NewMemoryRuns()
	p := startPool(t, runnerFunc(func(context.Context, planning.Job) planning.RunRecord {
		return planning.RunRecord{}
	}), Config{Workers: 1}, WithRunStore(runs))
	stopPool(t, p)

	err := p.Submit(job("late", planning.KindCancel, "100", 19))
	assert.ErrorIs(t, err, ErrStopped)

	recs, err := runs.List(context.Background(), "100")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, planning.OutcomeFailed, recs[0].Outcome)

	// second stop is a no-op
	assert.NoError(t, p.Stop(context.Background()))
}

func TestPool_StopDeadlineCancelsRunningJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := newGatedRunner()
	p := startPool(t, g, Config{Workers: 1, QueueSize: 4})
	require.NoError(t, p.Submit(job("slow", planning.KindRegister, "100", 19)))
	waitStarted(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"slow"}, g.Ran())
	assert.True(t, errors.Is(g.Cause("slow"), context.Canceled))
}

func TestPool_RunTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := newGatedRunner()
	p := startPool(t, g, Config{Workers: 1, QueueSize: 1, RunTimeout: 20 * time.Millisecond})
	require.NoError(t, p.Submit(job("slow", planning.KindRegister, "100", 19)))
	waitStarted(t, g)
	stopPool(t, p)
	assert.ErrorIs(t, g.Cause("slow"), context.DeadlineExceeded)
}

func TestSupersedes(t *testing.T) {
	delivery := func(id string, from, to int) planning.Job {
		j := job(id, planning.KindDeliveryDate, "100", to)
		j.OriginalWeek = from
		return j
	}

	tests := []struct {
		name         string
		newer, older planning.Job
		want         bool
	}{
		{"same job", job("a", planning.KindQuantity, "100", 19), job("a", planning.KindQuantity, "100", 19), false},
		{"other lot", job("b", planning.KindQuantity, "200", 19), job("a", planning.KindQuantity, "100", 19), false},
		{"quantity over quantity", job("b", planning.KindQuantity, "100", 19), job("a", planning.KindQuantity, "100", 19), true},
		{"cancel over quantity", job("b", planning.KindCancel, "100", 19), job("a", planning.KindQuantity, "100", 19), true},
		{"quantity keeps register", job("b", planning.KindQuantity, "100", 19), job("a", planning.KindRegister, "100", 19), false},
		{"cancel over register", job("b", planning.KindCancel, "100", 19), job("a", planning.KindRegister, "100", 19), true},
		{"different week", job("b", planning.KindQuantity, "100", 20), job("a", planning.KindQuantity, "100", 19), false},
		{"delivery covers both weeks", delivery("b", 19, 20), job("a", planning.KindQuantity, "100", 19), true},
		{"quantity misses moved week", job("b", planning.KindQuantity, "100", 20), delivery("a", 19, 20), false},
		{"delivery same weeks", delivery("b", 20, 19), delivery("a", 19, 20), true},
		{"earlier snapshot arriving later", stamped(job("b", planning.KindQuantity, "100", 19), 0), stamped(job("a", planning.KindQuantity, "100", 19), time.Second), false},
		{"later snapshot", stamped(job("b", planning.KindQuantity, "100", 19), time.Second), stamped(job("a", planning.KindQuantity, "100", 19), 0), true},
		{"same instant", stamped(job("b", planning.KindQuantity, "100", 19), 0), stamped(job("a", planning.KindQuantity, "100", 19), 0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Supersedes(tt.newer, tt.older))
		})
	}
}

func TestMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	g := newGatedRunner()
	p := startPool(t, g, Config{Workers: 1, QueueSize: 2}, WithMetrics(m))

	require.NoError(t, p.Submit(job("a", planning.KindRegister, "100", 19)))
	waitStarted(t, g)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))

	require.NoError(t, p.Submit(job("b", planning.KindQuantity, "200", 19)))
	require.NoError(t, p.Submit(job("d", planning.KindQuantity, "200", 19)))
	assert.ErrorIs(t, p.Submit(job("c", planning.KindRegister, "300", 19)), ErrQueueFull)

	close(g.release)
	stopPool(t, p)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submittedTotal.WithLabelValues(string(planning.KindQuantity))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.droppedTotal.WithLabelValues("queue_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.supersededTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))

	n, err := testutil.GatherAndCount(reg, "moprocor_scheduler_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.submitted(planning.KindRegister)
	m.dropped(ErrQueueFull)
	m.superseded()
	m.running(1)
	m.bindQueue(nil)
}
