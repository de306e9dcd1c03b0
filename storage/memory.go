package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/c360studio/moprocor/planning"
)

// NewMemory returns stores backed by process memory.
func NewMemory() *Stores {
	return &Stores{
		Plans:     NewMemoryPlans(),
		Purchases: NewMemoryPurchases(),
		Catalog:   NewMemoryCatalog(),
		Runs:      NewMemoryRuns(),
	}
}

// MemoryPlans is an in-memory PlanStore.
type MemoryPlans struct {
	mu    sync.RWMutex
	plans map[int]*planning.WeeklyPlan
}

// NewMemoryPlans creates an empty plan store.
func NewMemoryPlans() *MemoryPlans {
	return &MemoryPlans{plans: make(map[int]*planning.WeeklyPlan)}
}

// GetByWeek implements PlanStore.
func (m *MemoryPlans) GetByWeek(_ context.Context, week int) (*planning.WeeklyPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[week]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// Create implements PlanStore.
func (m *MemoryPlans) Create(_ context.Context, plan *planning.WeeklyPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[plan.Week]; ok {
		return ErrExists
	}
	plan.Revision = 1
	m.plans[plan.Week] = plan.Clone()
	return nil
}

// Save implements PlanStore.
func (m *MemoryPlans) Save(_ context.Context, plan *planning.WeeklyPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rev uint64
	if prev, ok := m.plans[plan.Week]; ok {
		rev = prev.Revision
	}
	plan.Revision = rev + 1
	m.plans[plan.Week] = plan.Clone()
	return nil
}

// MemoryPurchases is an in-memory PurchaseStore.
type MemoryPurchases struct {
	mu     sync.RWMutex
	orders map[planning.LotCode]planning.PurchaseOrder
}

// NewMemoryPurchases creates an empty purchase store.
func NewMemoryPurchases() *MemoryPurchases {
	return &MemoryPurchases{orders: make(map[planning.LotCode]planning.PurchaseOrder)}
}

// GetByLot implements PurchaseStore.
func (m *MemoryPurchases) GetByLot(_ context.Context, lot planning.LotCode) (*planning.PurchaseOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[lot]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

// Create implements PurchaseStore.
func (m *MemoryPurchases) Create(_ context.Context, order *planning.PurchaseOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ArapackLot]; ok {
		return ErrExists
	}
	m.orders[order.ArapackLot] = *order
	return nil
}

// Save implements PurchaseStore.
func (m *MemoryPurchases) Save(_ context.Context, order *planning.PurchaseOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ArapackLot] = *order
	return nil
}

// MemoryCatalog is an in-memory Catalog.
type MemoryCatalog struct {
	mu     sync.RWMutex
	boxes  map[string]planning.Box
	sheets map[string]planning.Sheet
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		boxes:  make(map[string]planning.Box),
		sheets: make(map[string]planning.Sheet),
	}
}

// BoxBySymbol implements CatalogStore.
func (m *MemoryCatalog) BoxBySymbol(_ context.Context, symbol string) (*planning.Box, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boxes[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

// Sheets implements CatalogStore.
func (m *MemoryCatalog) Sheets(_ context.Context) ([]planning.Sheet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]planning.Sheet, 0, len(m.sheets))
	for _, s := range m.sheets {
		out = append(out, s)
	}
	sortSheets(out)
	return out, nil
}

// PutBox implements CatalogWriter.
func (m *MemoryCatalog) PutBox(_ context.Context, box planning.Box) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[box.Symbol] = box
	return nil
}

// PutSheet implements CatalogWriter.
func (m *MemoryCatalog) PutSheet(_ context.Context, sheet planning.Sheet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sheets[sheet.ID] = sheet
	return nil
}

// MemoryRuns is an in-memory RunStore.
type MemoryRuns struct {
	mu      sync.RWMutex
	records []planning.RunRecord
}

// NewMemoryRuns creates an empty run store.
func NewMemoryRuns() *MemoryRuns {
	return &MemoryRuns{}
}

// Record implements RunStore.
func (m *MemoryRuns) Record(_ context.Context, rec planning.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// List implements RunStore.
func (m *MemoryRuns) List(_ context.Context, lot planning.LotCode) ([]planning.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]planning.RunRecord, 0, len(m.records))
	for _, r := range m.records {
		if lot == "" || r.Lot == lot {
			out = append(out, r)
		}
	}
	sortRuns(out)
	return out, nil
}

func sortSheets(sheets []planning.Sheet) {
	sort.Slice(sheets, func(i, j int) bool { return sheets[i].ID < sheets[j].ID })
}

func sortRuns(runs []planning.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
}
