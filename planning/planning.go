// Package planning defines the purchase-order and weekly production-plan
// entities shared by the update pipeline, the stores and the HTTP surface.
package planning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PurchaseStatus is the lifecycle state of a purchase order.
type PurchaseStatus string

const (
	StatusOpen      PurchaseStatus = "ABIERTO"
	StatusCanceled  PurchaseStatus = "CANCELED"
	StatusDelivered PurchaseStatus = "ENTREGADO"
)

// IVAFactor is applied to the subtotal to obtain the invoiced total.
const IVAFactor = 1.16

// LotCode identifies a purchase order. Historical documents carry it either
// as a JSON number or a string, so both are accepted on decode.
type LotCode string

// UnmarshalJSON accepts "123" and 123.
func (l *LotCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = LotCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("lot code: %w", err)
	}
	*l = LotCode(n.String())
	return nil
}

// timestampLayouts are the date forms accepted from clients, most precise
// first. Values without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Timestamp is a time decoded from RFC 3339, a zone-less date-time or a
// bare date.
type Timestamp struct {
	time.Time
}

// ParseTimestamp parses s in any of the accepted layouts.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unsupported date %q", s)
}

// UnmarshalJSON accepts a string in any accepted layout, or null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date: %w", err)
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PurchaseOrder is a customer order for a quantity of one box symbol.
type PurchaseOrder struct {
	ArapackLot            LotCode        `json:"arapack_lot"`
	OrderNumber           string         `json:"order_number"`
	Client                string         `json:"client"`
	Symbol                string         `json:"symbol"`
	RepetitionNew         string         `json:"repetition_new,omitempty"`
	Type                  string         `json:"type,omitempty"`
	Flute                 string         `json:"flute,omitempty"`
	Liner                 string         `json:"liner,omitempty"`
	ECT                   int            `json:"ect,omitempty"`
	NumberOfInks          int            `json:"number_of_inks,omitempty"`
	Quantity              int            `json:"quantity"`
	MissingQuantity       int            `json:"missing_quantity"`
	DeliveredQuantity     int            `json:"delivered_quantity,omitempty"`
	UnitCost              float64        `json:"unit_cost"`
	Subtotal              float64        `json:"subtotal"`
	TotalInvoice          float64        `json:"total_invoice"`
	Weight                float64        `json:"weight"`
	TotalKilograms        float64        `json:"total_kilograms"`
	ReceiptDate           time.Time      `json:"receipt_date"`
	EstimatedDeliveryDate time.Time      `json:"estimated_delivery_date"`
	WeekOfYear            int            `json:"week_of_year"`
	Status                PurchaseStatus `json:"status"`
	Comments              string         `json:"comments,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// UnmarshalJSON decodes an order, reading its receipt and delivery dates
// with Timestamp.
func (p *PurchaseOrder) UnmarshalJSON(data []byte) error {
	type plain PurchaseOrder
	aux := struct {
		*plain
		ReceiptDate           *Timestamp `json:"receipt_date"`
		EstimatedDeliveryDate *Timestamp `json:"estimated_delivery_date"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.ReceiptDate != nil {
		p.ReceiptDate = aux.ReceiptDate.Time
	}
	if aux.EstimatedDeliveryDate != nil {
		p.EstimatedDeliveryDate = aux.EstimatedDeliveryDate.Time
	}
	return nil
}

// ApplyQuantity sets a new ordered quantity and recomputes every field
// derived from it. Missing quantity moves by the same delta as the order.
func (p *PurchaseOrder) ApplyQuantity(qty int) {
	p.MissingQuantity += qty - p.Quantity
	p.Quantity = qty
	p.Subtotal = p.UnitCost * float64(qty)
	p.TotalInvoice = p.Subtotal * IVAFactor
	p.TotalKilograms = p.Weight * float64(qty)
}

// ApplyDeliveryDate sets a new estimated delivery date and its week.
func (p *PurchaseOrder) ApplyDeliveryDate(d time.Time) {
	p.EstimatedDeliveryDate = d
	p.WeekOfYear = WeekOf(d)
}

// WeekOf returns the ISO-8601 week number of t. Plans are keyed by this
// number alone, so week 1 of two different years share a plan.
func WeekOf(t time.Time) int {
	_, week := t.ISOWeek()
	return week
}

// ProductionRun is a scheduled block of corrugator time. It holds the JSON
// object exactly as the model produced it; Decode gives a typed view.
type ProductionRun json.RawMessage

// MarshalJSON returns the stored object unchanged.
func (r ProductionRun) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON keeps a copy of data.
func (r *ProductionRun) UnmarshalJSON(data []byte) error {
	*r = append(ProductionRun(nil), data...)
	return nil
}

// Decode returns the typed view of the run.
func (r ProductionRun) Decode() (RunView, error) {
	var v RunView
	if err := json.Unmarshal(r, &v); err != nil {
		return RunView{}, fmt.Errorf("production run: %w", err)
	}
	return v, nil
}

// NewProductionRun encodes v as a run.
func NewProductionRun(v RunView) ProductionRun {
	data, _ := json.Marshal(v)
	return ProductionRun(data)
}

// RunView is the typed reading of a production run. Numbers are floats
// because the model writes quantities as 10000 or 10000.0 alike. Fields it
// does not name are only kept in the ProductionRun itself.
type RunView struct {
	ProcessedBoxes   []ProcessedBox `json:"processed_boxes"`
	AuthorizedRefile bool           `json:"authorized_refile,omitempty"`
	Sheet            SheetRef       `json:"sheet"`
	ScheduledDate    string         `json:"scheduled_date"`
	Treatment        Treatment      `json:"treatment"`
	StartTime        string         `json:"start_time"`
	EndTime          string         `json:"end_time"`
	Refile           float64        `json:"refile"`
	GramsPerM2       float64        `json:"grams_per_m2,omitempty"`
	TotalWeight      float64        `json:"total_weight,omitempty"`
	LinearMeters     float64        `json:"linear_meters"`
	Speed            float64        `json:"speed"`
}

// ProcessedBox is one order's contribution to a production run. Entries
// that only carry AuthorizedRefile are refile markers rather than boxes.
type ProcessedBox struct {
	OrderNumber      string  `json:"order_number,omitempty"`
	Symbol           string  `json:"symbol,omitempty"`
	Quantity         float64 `json:"quantity"`
	Output           float64 `json:"output"`
	Hierarchy        string  `json:"hierarchy,omitempty"`
	Part             float64 `json:"part"`
	Remaining        float64 `json:"remaining"`
	ArapackLot       LotCode `json:"arapack_lot,omitempty"`
	AuthorizedRefile *bool   `json:"authorized_refile,omitempty"`
}

// SheetRef identifies the board a run is cut from.
type SheetRef struct {
	ID        string  `json:"id"`
	ECT       float64 `json:"ect"`
	RollWidth float64 `json:"roll_width"`
	P1        float64 `json:"p1"`
	P2        float64 `json:"p2"`
	P3        float64 `json:"p3"`
}

// Treatment is recorded as a boolean in some plans and as a numeric code in
// others. Any non-zero number decodes as true.
type Treatment bool

// UnmarshalJSON accepts true/false, numbers and numeric strings.
func (t *Treatment) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	switch s {
	case "", "null", "false":
		*t = false
		return nil
	case "true":
		*t = true
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("treatment: unsupported value %s", data)
	}
	*t = n != 0
	return nil
}

// WeeklyPlan holds the production runs scheduled for one ISO week.
type WeeklyPlan struct {
	Week           int             `json:"week_of_year"`
	ProductionRuns []ProductionRun `json:"production_runs"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Revision       uint64          `json:"revision,omitempty"`
}

// NewWeeklyPlan returns an empty plan for week.
func NewWeeklyPlan(week int, now time.Time) *WeeklyPlan {
	return &WeeklyPlan{
		Week:           week,
		ProductionRuns: []ProductionRun{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy of the plan.
func (w *WeeklyPlan) Clone() *WeeklyPlan {
	if w == nil {
		return nil
	}
	out := *w
	out.ProductionRuns = make([]ProductionRun, len(w.ProductionRuns))
	for i, run := range w.ProductionRuns {
		out.ProductionRuns[i] = append(ProductionRun(nil), run...)
	}
	return &out
}

// ReplaceRuns swaps the whole run list. Runs are never patched in place.
func (w *WeeklyPlan) ReplaceRuns(runs []ProductionRun, now time.Time) {
	if runs == nil {
		runs = []ProductionRun{}
	}
	w.ProductionRuns = runs
	w.UpdatedAt = now
}

// Creases holds the crease dimensions of a box.
type Creases struct {
	R1 *float64 `json:"r1,omitempty"`
	R2 *float64 `json:"r2,omitempty"`
	R3 *float64 `json:"r3,omitempty"`
}

// Box is a catalog entry describing a box symbol.
type Box struct {
	Symbol    string  `json:"symbol"`
	ECT       int     `json:"ect"`
	Liner     string  `json:"liner"`
	Width     float64 `json:"width"`
	Length    float64 `json:"length"`
	Flute     string  `json:"flute"`
	Treatment int     `json:"treatment"`
	Client    string  `json:"client"`
	Creases   Creases `json:"creases"`
	Status    string  `json:"status"`
	Type      string  `json:"type"`
	PDFLink   string  `json:"pdf_link,omitempty"`
}

// Sheet is a catalog entry describing a board configuration.
type Sheet struct {
	ID              string   `json:"id"`
	RollWidth       float64  `json:"roll_width"`
	P1              int      `json:"p1"`
	P2              int      `json:"p2"`
	P3              int      `json:"p3"`
	ECT             []int    `json:"ect"`
	Grams           float64  `json:"grams"`
	Description     string   `json:"description,omitempty"`
	Boxes           []string `json:"boxes,omitempty"`
	Speed           int      `json:"speed"`
	Status          bool     `json:"status"`
	AvailableMeters int      `json:"available_meters,omitempty"`
}
