package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/c360studio/moprocor/planning"
)

// Postgres holds the database handle shared by the PostgreSQL stores.
// Every document is kept as JSONB next to its key.
type Postgres struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

// OpenPostgres connects to dsn with the pgx driver and returns stores
// backed by it. The schema is created on first use.
func OpenPostgres(ctx context.Context, dsn string) (*Stores, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an open database.
func NewPostgres(db *sql.DB) *Stores {
	pg := &Postgres{db: db}
	return &Stores{
		Plans:     &PostgresPlans{pg: pg},
		Purchases: &PostgresPurchases{pg: pg},
		Catalog:   &PostgresCatalog{pg: pg},
		Runs:      &PostgresRuns{pg: pg},
		closer:    db.Close,
	}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	p.schemaOnce.Do(func() {
		_, p.schemaErr = p.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS program_plannings (
  week_of_year INTEGER PRIMARY KEY,
  doc JSONB NOT NULL,
  revision BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS purchases (
  arapack_lot TEXT PRIMARY KEY,
  doc JSONB NOT NULL,
  updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS boxes (
  symbol TEXT PRIMARY KEY,
  doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS sheets (
  id TEXT PRIMARY KEY,
  doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS update_runs (
  id TEXT PRIMARY KEY,
  arapack_lot TEXT NOT NULL,
  started_at TIMESTAMP WITH TIME ZONE NOT NULL,
  doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_update_runs_lot ON update_runs (arapack_lot);
`)
	})
	return p.schemaErr
}

// isUniqueViolation reports a duplicate-key error (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) {
		return coded.SQLState() == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "23505")
}

// PostgresPlans is a PlanStore on PostgreSQL.
type PostgresPlans struct {
	pg *Postgres
}

// GetByWeek implements PlanStore.
func (s *PostgresPlans) GetByWeek(ctx context.Context, week int) (*planning.WeeklyPlan, error) {
	if err := s.pg.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var (
		doc []byte
		rev int64
	)
	err := s.pg.db.QueryRowContext(ctx,
		`SELECT doc, revision FROM program_plannings WHERE week_of_year = $1`, week).Scan(&doc, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan for week %d: %w", week, err)
	}

	var plan planning.WeeklyPlan
	if err := json.Unmarshal(doc, &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	plan.Revision = uint64(rev)
	return &plan, nil
}

// Create implements PlanStore.
func (s *PostgresPlans) Create(ctx context.Context, plan *planning.WeeklyPlan) error {
	if err := s.pg.ensureSchema(ctx); err != nil {
		return err
	}
	doc, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = s.pg.db.ExecContext(ctx,
		`INSERT INTO program_plannings (week_of_year, doc, revision) VALUES ($1, $2, 1)`, plan.Week, string(doc))
	if isUniqueViolation(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("store plan: %w", err)
	}
	plan.Revision = 1
	return nil
}

// Save implements PlanStore. The write is unconditional: the last saver wins.
func (s *PostgresPlans) Save(ctx context.Context, plan *planning.WeeklyPlan) error {
	if err := s.pg.ensureSchema(ctx); err != nil {
		return err
	}
	doc, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	var rev int64
	err = s.pg.db.QueryRowContext(ctx, `
INSERT INTO program_plannings (week_of_year, doc, revision)
VALUES ($1, $2, 1)
ON CONFLICT (week_of_year)
DO UPDATE SET doc = EXCLUDED.doc,
  revision = program_plannings.revision + 1,
  updated_at = NOW()
RETURNING revision`, plan.Week, string(doc)).Scan(&rev)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	plan.Revision = uint64(rev)
	return nil
}

// PostgresPurchases is a PurchaseStore on PostgreSQL.
type PostgresPurchases struct {
	pg *Postgres
}

// GetByLot implements PurchaseStore.
func (s *PostgresPurchases) GetByLot(ctx context.Context, lot planning.LotCode) (*planning.PurchaseOrder, error) {
	if err := s.pg.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var doc []byte
	err := s.pg.db.QueryRowContext(ctx,
		`SELECT doc FROM purchases WHERE arapack_lot = $1`, string(lot)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase %s: %w", lot, err)
	}
	var order planning.PurchaseOrder
	if err := json.Unmarshal(doc, &order); err != nil {
		return nil, fmt.Errorf("unmarshal purchase: %w", err)
	}
	return &order, nil
}

// Create implements PurchaseStore.
func (s *PostgresPurchases) Create(ctx context.Context, order *planning.PurchaseOrder) error {
	if err := s.pg.ensureSchema(ctx); err != nil {
		return err
	}
	doc, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal purchase: %w", err)
	}
	_, err = s.pg.db.ExecContext(ctx,
		`INSERT INTO purchases (arapack_lot, doc) VALUES ($1, $2)`, string(order.ArapackLot), string(doc))
	if isUniqueViolation(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("store purchase: %w", err)
	}
	return nil
}

// Save implements PurchaseStore.
func (s *PostgresPurchases) Save(ctx context.Context, order *planning.PurchaseOrder) error {
	if err := s.pg.ensureSchema(ctx); err != nil {
		return err
	}
	doc, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal purchase: %w", err)
	}
	_, err = s.pg.db.ExecContext(ctx, `
INSERT INTO purchases (arapack_lot, doc) VALUES ($1, $2)
ON CONFLICT (arapack_lot) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		string(order.ArapackLot), string(doc))
	if err != nil {
		return fmt.Errorf("update purchase: %w", err)
	}
	return nil
}

// PostgresCatalog is a Catalog on PostgreSQL.
type PostgresCatalog struct {
	pg *Postgres
}

// BoxBySymbol implements CatalogStore.
func (s *PostgresCatalog) BoxBySymbol(ctx context.Context, symbol string) (*planning.Box, error) {
	if err := s.pg.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var doc []byte
	err := s.pg.db.QueryRowContext(ctx, `SELECT doc FROM boxes WHERE symbol = $1`, symbol).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get box %q: %w", symbol, err)
	}
	var box planning.Box
	if err := json.Unmarshal(doc, &box); err != nil {
		return nil, fmt.Errorf("unmarshal box: %w", err)
	}
	return &box, nil
}

// Sheets implements CatalogStore.
func (s *PostgresCatalog) Sheets(ctx context.Context) ([]planning.Sheet, error) {
	if err := s.pg.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pg.db.QueryContext(ctx, `SELECT doc FROM sheets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sheets: %w", err)
	}
	defer rows.Close()

	sheets := []planning.Sheet{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan sheet: %w", err)
		}
		var sheet planning.Sheet
		if err := json.Unmarshal(doc, &sheet); err != nil {
			continue
		}
		sheets = append(sheets, sheet)
	}
	return sheets, rows.Err()
}

// PutBox implements CatalogWriter.
func (s *PostgresCatalog) PutBox(ctx context.Context, box planning.Box) error {
	return s.upsert(ctx, "boxes", "symbol", box.Symbol, box)
}

// PutSheet implements CatalogWriter.
func (s *PostgresCatalog) PutSheet(ctx context.Context, sheet planning.Sheet) error {
	return s.upsert(ctx, "sheets", "id", sheet.ID, sheet)
}

func (s *PostgresCatalog) upsert(ctx context.Context, table, keyCol, key string, v any) error {
	if err := s.pg.ensureSchema(ctx); err != nil {
		return err
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}
	// table and keyCol are package constants, never user input.
	query := `INSERT INTO ` + table + ` (` + keyCol + `, doc) VALUES ($1, $2)
ON CONFLICT (` + keyCol + `) DO UPDATE SET doc = EXCLUDED.doc`
	if _, err := s.pg.db.ExecContext(ctx, query, key, string(doc)); err != nil {
		return fmt.Errorf("store %s %q: %w", table, key, err)
	}
	return nil
}

// PostgresRuns is a RunStore on PostgreSQL.
type PostgresRuns struct {
	pg *Postgres
}

// Record implements RunStore.
func (s *PostgresRuns) Record(ctx context.Context, rec planning.RunRecord) error {
	if err := s.pg.ensureSchema(ctx); err != nil {
		return err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	_, err = s.pg.db.ExecContext(ctx, `
INSERT INTO update_runs (id, arapack_lot, started_at, doc) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		rec.ID, string(rec.Lot), rec.StartedAt, string(doc))
	if err != nil {
		return fmt.Errorf("store run record: %w", err)
	}
	return nil
}

// List implements RunStore.
func (s *PostgresRuns) List(ctx context.Context, lot planning.LotCode) ([]planning.RunRecord, error) {
	if err := s.pg.ensureSchema(ctx); err != nil {
		return nil, err
	}
	query := `SELECT doc FROM update_runs`
	var args []any
	if lot != "" {
		query += ` WHERE arapack_lot = $1`
		args = append(args, string(lot))
	}
	query += ` ORDER BY started_at`

	rows, err := s.pg.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	defer rows.Close()

	out := []planning.RunRecord{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		var rec planning.RunRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
