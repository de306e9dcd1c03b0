package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c360studio/moprocor/planning"
)

func TestStreamQueue_SubmitAfterStopRunsLocally(t *testing.T) {
	defer goleak.VerifyNone(t)

	ran := make(chan string, 4)
	pool := startPool(t, runnerFunc(func(_ context.Context, j planning.Job) planning.RunRecord {
		ran <- j.ID
		return planning.RunRecord{}
	}), Config{Workers: 1, QueueSize: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := &StreamQueue{
		pool:    pool,
		config:  DefaultStreamConfig(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		baseCtx: ctx,
		cancel:  cancel,
	}
	q.Stop()

	// Stop cancelled the base context. A live one leaves only the stopped
	// flag keeping Submit off the publish path.
	q.mu.Lock()
	q.baseCtx = context.Background()
	q.mu.Unlock()

	require.NoError(t, q.Submit(job("after-stop", planning.KindQuantity, "100", 19)))
	stopPool(t, pool)

	require.Len(t, ran, 1)
	assert.Equal(t, "after-stop", <-ran)
	assert.ErrorIs(t, q.Start(context.Background()), ErrStopped)
}
