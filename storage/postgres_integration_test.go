//go:build integration

package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/moprocor/planning"
)

// Set MOPROCOR_TEST_DATABASE_URL to a disposable database to run these.
func newPostgresStores(t *testing.T) *Stores {
	t.Helper()
	dsn := os.Getenv("MOPROCOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MOPROCOR_TEST_DATABASE_URL not set")
	}
	stores, err := OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.Close() })
	return stores
}

func TestPostgresPlans(t *testing.T) {
	stores := newPostgresStores(t)
	ctx := context.Background()
	week := 40 + int(time.Now().UnixNano()%10)

	plan := planning.NewWeeklyPlan(week, time.Now().UTC())
	err := stores.Plans.Create(ctx, plan)
	if err != nil {
		require.ErrorIs(t, err, ErrExists)
	}
	assert.ErrorIs(t, stores.Plans.Create(ctx, plan), ErrExists)

	got, err := stores.Plans.GetByWeek(ctx, week)
	require.NoError(t, err)
	before := got.Revision

	got.ReplaceRuns([]planning.ProductionRun{planning.ProductionRun(`{"scheduled_date":"2025-10-01"}`)}, time.Now())
	require.NoError(t, stores.Plans.Save(ctx, got))
	assert.Equal(t, before+1, got.Revision)
}

func TestPostgresPurchasesAndRuns(t *testing.T) {
	stores := newPostgresStores(t)
	ctx := context.Background()
	lot := planning.LotCode(fmt.Sprintf("it-%d", time.Now().UnixNano()))

	require.NoError(t, stores.Purchases.Create(ctx, &planning.PurchaseOrder{ArapackLot: lot, Quantity: 5}))
	assert.ErrorIs(t, stores.Purchases.Create(ctx, &planning.PurchaseOrder{ArapackLot: lot}), ErrExists)

	got, err := stores.Purchases.GetByLot(ctx, lot)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Quantity)

	require.NoError(t, stores.Runs.Record(ctx, planning.RunRecord{ID: string(lot), Lot: lot, StartedAt: time.Now()}))
	runs, err := stores.Runs.List(ctx, lot)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
