package storage

import (
	"context"
	"errors"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360studio/moprocor/planning"
)

// DefaultCatalogCacheSize is the number of box symbols kept in memory.
const DefaultCatalogCacheSize = 1024

// CachedCatalog serves box lookups and the sheet list from an LRU cache in
// front of another catalog. Writes go through and invalidate the affected
// entries. Missing boxes are not cached.
type CachedCatalog struct {
	next   Catalog
	boxes  *lru.Cache[string, planning.Box]
	sheets *lru.Cache[struct{}, []planning.Sheet]
	logger *slog.Logger
}

// NewCachedCatalog wraps next with a cache of size box entries.
func NewCachedCatalog(next Catalog, size int, logger *slog.Logger) (*CachedCatalog, error) {
	if size <= 0 {
		size = DefaultCatalogCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	boxes, err := lru.New[string, planning.Box](size)
	if err != nil {
		return nil, err
	}
	sheets, err := lru.New[struct{}, []planning.Sheet](1)
	if err != nil {
		return nil, err
	}
	return &CachedCatalog{next: next, boxes: boxes, sheets: sheets, logger: logger}, nil
}

// BoxBySymbol implements CatalogStore.
func (c *CachedCatalog) BoxBySymbol(ctx context.Context, symbol string) (*planning.Box, error) {
	if b, ok := c.boxes.Get(symbol); ok {
		return &b, nil
	}
	b, err := c.next.BoxBySymbol(ctx, symbol)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Debug("Catalog box lookup failed", "symbol", symbol, "error", err)
		}
		return nil, err
	}
	c.boxes.Add(symbol, *b)
	return b, nil
}

// Sheets implements CatalogStore.
func (c *CachedCatalog) Sheets(ctx context.Context) ([]planning.Sheet, error) {
	if s, ok := c.sheets.Get(struct{}{}); ok {
		return append([]planning.Sheet(nil), s...), nil
	}
	s, err := c.next.Sheets(ctx)
	if err != nil {
		return nil, err
	}
	c.sheets.Add(struct{}{}, append([]planning.Sheet(nil), s...))
	return s, nil
}

// PutBox implements CatalogWriter.
func (c *CachedCatalog) PutBox(ctx context.Context, box planning.Box) error {
	c.boxes.Remove(box.Symbol)
	return c.next.PutBox(ctx, box)
}

// PutSheet implements CatalogWriter.
func (c *CachedCatalog) PutSheet(ctx context.Context, sheet planning.Sheet) error {
	c.sheets.Purge()
	return c.next.PutSheet(ctx, sheet)
}

// Invalidate drops every cached entry.
func (c *CachedCatalog) Invalidate() {
	c.boxes.Purge()
	c.sheets.Purge()
}
