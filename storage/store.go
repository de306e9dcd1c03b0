// Package storage persists purchases, weekly plans, the box and sheet
// catalog, and update run records. Three backends are provided: in-memory,
// NATS JetStream KV and PostgreSQL.
//
// Stores hand out copies. A caller that reads a plan, changes it and saves
// it overwrites whatever was saved in between; updates to the same week are
// only serialized when the caller takes a week lock.
package storage

import (
	"context"

	"github.com/c360studio/moprocor/planning"
)

// PlanStore persists weekly plans keyed by ISO week.
type PlanStore interface {
	// GetByWeek returns the plan for week or ErrNotFound.
	GetByWeek(ctx context.Context, week int) (*planning.WeeklyPlan, error)
	// Create stores a new plan. Returns ErrExists if the week already has one.
	Create(ctx context.Context, plan *planning.WeeklyPlan) error
	// Save overwrites the plan for plan.Week.
	Save(ctx context.Context, plan *planning.WeeklyPlan) error
}

// PurchaseStore persists purchase orders keyed by lot.
type PurchaseStore interface {
	GetByLot(ctx context.Context, lot planning.LotCode) (*planning.PurchaseOrder, error)
	Create(ctx context.Context, order *planning.PurchaseOrder) error
	Save(ctx context.Context, order *planning.PurchaseOrder) error
}

// CatalogStore reads the box and sheet catalog.
type CatalogStore interface {
	// BoxBySymbol returns the box for symbol or ErrNotFound.
	BoxBySymbol(ctx context.Context, symbol string) (*planning.Box, error)
	// Sheets returns every sheet, ordered by id.
	Sheets(ctx context.Context) ([]planning.Sheet, error)
}

// CatalogWriter seeds the catalog.
type CatalogWriter interface {
	PutBox(ctx context.Context, box planning.Box) error
	PutSheet(ctx context.Context, sheet planning.Sheet) error
}

// RunStore keeps one record per update run.
type RunStore interface {
	Record(ctx context.Context, rec planning.RunRecord) error
	// List returns the records for lot, oldest first. An empty lot lists all.
	List(ctx context.Context, lot planning.LotCode) ([]planning.RunRecord, error)
}

// Catalog is a readable and writable catalog.
type Catalog interface {
	CatalogStore
	CatalogWriter
}

// Stores bundles the stores of one backend.
type Stores struct {
	Plans     PlanStore
	Purchases PurchaseStore
	Catalog   Catalog
	Runs      RunStore

	closer func() error
}

// Close releases backend resources.
func (s *Stores) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}
