package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/moprocor/planning"
)

// Bucket names for each document kind.
const (
	BucketPlans     = "MOPROCOR_PLANS"
	BucketPurchases = "MOPROCOR_PURCHASES"
	BucketBoxes     = "MOPROCOR_BOXES"
	BucketSheets    = "MOPROCOR_SHEETS"
	BucketRuns      = "MOPROCOR_RUNS"
)

// NewKV returns stores backed by NATS KV buckets, creating the buckets if
// they don't exist.
func NewKV(ctx context.Context, js jetstream.JetStream) (*Stores, error) {
	buckets := make(map[string]jetstream.KeyValue, 5)
	for _, name := range []string{BucketPlans, BucketPurchases, BucketBoxes, BucketSheets, BucketRuns} {
		kv, err := getOrCreateBucket(ctx, js, name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", strings.ToLower(name), err)
		}
		buckets[name] = kv
	}

	return &Stores{
		Plans:     &KVPlans{docs: kvDocs[planning.WeeklyPlan]{kv: buckets[BucketPlans], what: "plan"}},
		Purchases: &KVPurchases{docs: kvDocs[planning.PurchaseOrder]{kv: buckets[BucketPurchases], what: "purchase"}},
		Catalog: &KVCatalog{
			boxes:  kvDocs[planning.Box]{kv: buckets[BucketBoxes], what: "box"},
			sheets: kvDocs[planning.Sheet]{kv: buckets[BucketSheets], what: "sheet"},
		},
		Runs: &KVRuns{docs: kvDocs[planning.RunRecord]{kv: buckets[BucketRuns], what: "run record"}},
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("moprocor %s storage", strings.ToLower(strings.TrimPrefix(name, "MOPROCOR_"))),
		History:     5, // Keep last 5 revisions
	})
}

// encodeKey maps free-form identifiers such as box symbols ("DEG SUA CE-01
// (PDA)") onto the KV key alphabet.
func encodeKey(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func weekKey(week int) string {
	return "week." + strconv.Itoa(week)
}

// kvDocs stores JSON documents of type T in one bucket.
type kvDocs[T any] struct {
	kv   jetstream.KeyValue
	what string
}

func (d kvDocs[T]) get(ctx context.Context, key string) (*T, uint64, error) {
	entry, err := d.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get %s: %w", d.what, err)
	}

	var v T
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return nil, 0, fmt.Errorf("unmarshal %s: %w", d.what, err)
	}
	return &v, entry.Revision(), nil
}

func (d kvDocs[T]) create(ctx context.Context, key string, v *T) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", d.what, err)
	}
	rev, err := d.kv.Create(ctx, key, data)
	if err != nil {
		if isExists(err) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("store %s: %w", d.what, err)
	}
	return rev, nil
}

func (d kvDocs[T]) put(ctx context.Context, key string, v *T) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", d.what, err)
	}
	rev, err := d.kv.Put(ctx, key, data)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", d.what, err)
	}
	return rev, nil
}

func (d kvDocs[T]) list(ctx context.Context) ([]T, error) {
	keys, err := d.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s keys: %w", d.what, err)
	}

	out := make([]T, 0, len(keys))
	for _, key := range keys {
		v, _, err := d.get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		out = append(out, *v)
	}
	return out, nil
}

// KVPlans is a PlanStore on NATS KV.
type KVPlans struct {
	docs kvDocs[planning.WeeklyPlan]
}

// GetByWeek implements PlanStore.
func (s *KVPlans) GetByWeek(ctx context.Context, week int) (*planning.WeeklyPlan, error) {
	p, rev, err := s.docs.get(ctx, weekKey(week))
	if err != nil {
		return nil, err
	}
	p.Revision = rev
	return p, nil
}

// Create implements PlanStore.
func (s *KVPlans) Create(ctx context.Context, plan *planning.WeeklyPlan) error {
	rev, err := s.docs.create(ctx, weekKey(plan.Week), plan)
	if err != nil {
		return err
	}
	plan.Revision = rev
	return nil
}

// Save implements PlanStore. The write is unconditional: the last saver wins.
func (s *KVPlans) Save(ctx context.Context, plan *planning.WeeklyPlan) error {
	rev, err := s.docs.put(ctx, weekKey(plan.Week), plan)
	if err != nil {
		return err
	}
	plan.Revision = rev
	return nil
}

// KVPurchases is a PurchaseStore on NATS KV.
type KVPurchases struct {
	docs kvDocs[planning.PurchaseOrder]
}

// GetByLot implements PurchaseStore.
func (s *KVPurchases) GetByLot(ctx context.Context, lot planning.LotCode) (*planning.PurchaseOrder, error) {
	o, _, err := s.docs.get(ctx, encodeKey(string(lot)))
	return o, err
}

// Create implements PurchaseStore.
func (s *KVPurchases) Create(ctx context.Context, order *planning.PurchaseOrder) error {
	_, err := s.docs.create(ctx, encodeKey(string(order.ArapackLot)), order)
	return err
}

// Save implements PurchaseStore.
func (s *KVPurchases) Save(ctx context.Context, order *planning.PurchaseOrder) error {
	_, err := s.docs.put(ctx, encodeKey(string(order.ArapackLot)), order)
	return err
}

// KVCatalog is a Catalog on NATS KV.
type KVCatalog struct {
	boxes  kvDocs[planning.Box]
	sheets kvDocs[planning.Sheet]
}

// BoxBySymbol implements CatalogStore.
func (s *KVCatalog) BoxBySymbol(ctx context.Context, symbol string) (*planning.Box, error) {
	b, _, err := s.boxes.get(ctx, encodeKey(symbol))
	return b, err
}

// Sheets implements CatalogStore.
func (s *KVCatalog) Sheets(ctx context.Context) ([]planning.Sheet, error) {
	sheets, err := s.sheets.list(ctx)
	if err != nil {
		return nil, err
	}
	if sheets == nil {
		sheets = []planning.Sheet{}
	}
	sortSheets(sheets)
	return sheets, nil
}

// PutBox implements CatalogWriter.
func (s *KVCatalog) PutBox(ctx context.Context, box planning.Box) error {
	_, err := s.boxes.put(ctx, encodeKey(box.Symbol), &box)
	return err
}

// PutSheet implements CatalogWriter.
func (s *KVCatalog) PutSheet(ctx context.Context, sheet planning.Sheet) error {
	_, err := s.sheets.put(ctx, encodeKey(sheet.ID), &sheet)
	return err
}

// KVRuns is a RunStore on NATS KV.
type KVRuns struct {
	docs kvDocs[planning.RunRecord]
}

// Record implements RunStore.
func (s *KVRuns) Record(ctx context.Context, rec planning.RunRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("run record has no id")
	}
	_, err := s.docs.put(ctx, rec.ID, &rec)
	return err
}

// List implements RunStore.
func (s *KVRuns) List(ctx context.Context, lot planning.LotCode) ([]planning.RunRecord, error) {
	all, err := s.docs.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]planning.RunRecord, 0, len(all))
	for _, r := range all {
		if lot == "" || r.Lot == lot {
			out = append(out, r)
		}
	}
	sortRuns(out)
	return out, nil
}
