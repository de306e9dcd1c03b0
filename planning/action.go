package planning

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionKind names the purchase mutation a plan update reacts to.
type ActionKind string

const (
	KindRegister     ActionKind = "register"
	KindQuantity     ActionKind = "update_quantity"
	KindDeliveryDate ActionKind = "update_delivery_date"
	KindCancel       ActionKind = "cancel"
)

// Kinds lists every known action kind.
func Kinds() []ActionKind {
	return []ActionKind{KindRegister, KindQuantity, KindDeliveryDate, KindCancel}
}

// ParseActionKind maps a string to a known kind. The legacy "update_info"
// name is accepted for delivery-date updates.
func ParseActionKind(s string) (ActionKind, error) {
	switch ActionKind(s) {
	case KindRegister, KindQuantity, KindDeliveryDate, KindCancel:
		return ActionKind(s), nil
	}
	if s == "update_info" {
		return KindDeliveryDate, nil
	}
	return "", fmt.Errorf("unknown action kind: %q", s)
}

// Job is a request to revise weekly plans after a purchase mutation
// committed. It carries a snapshot of the order as written.
type Job struct {
	ID           string        `json:"id"`
	Kind         ActionKind    `json:"kind"`
	Order        PurchaseOrder `json:"order"`
	OriginalWeek int           `json:"original_week,omitempty"`
	SubmittedAt  time.Time     `json:"submitted_at"`
}

// NewJob creates a job with a fresh id.
func NewJob(kind ActionKind, order PurchaseOrder) Job {
	return Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Order:       order,
		SubmittedAt: time.Now(),
	}
}

// UpdateContext is the transient bundle an updater assembles before asking
// the model for a revised plan.
type UpdateContext struct {
	Kind   ActionKind
	JobID  string
	Order  PurchaseOrder
	Box    *Box
	Sheets []Sheet

	// Plan is the plan of the order's week. Unused for delivery-date updates.
	Plan *WeeklyPlan

	// OriginalWeek and NewWeek are set for delivery-date updates. NewPlan is
	// nil when the week did not change.
	OriginalWeek int
	NewWeek      int
	OriginalPlan *WeeklyPlan
	NewPlan      *WeeklyPlan
}

// WeekChanged reports whether a delivery-date update moved the order.
func (c *UpdateContext) WeekChanged() bool {
	return c.NewWeek != 0 && c.NewWeek != c.OriginalWeek
}

// Weeks returns the distinct weeks the update may write, ascending.
func (c *UpdateContext) Weeks() []int {
	if c.Kind != KindDeliveryDate {
		return []int{c.Order.WeekOfYear}
	}
	if !c.WeekChanged() {
		return []int{c.OriginalWeek}
	}
	if c.OriginalWeek < c.NewWeek {
		return []int{c.OriginalWeek, c.NewWeek}
	}
	return []int{c.NewWeek, c.OriginalWeek}
}

// PromptData returns the data rendered into the prompt for this kind.
func (c *UpdateContext) PromptData() map[string]any {
	switch c.Kind {
	case KindRegister:
		sheets := c.Sheets
		if sheets == nil {
			sheets = []Sheet{}
		}
		return map[string]any{
			"purchase":         c.Order,
			"box":              c.Box,
			"sheets":           sheets,
			"program_planning": planOrEmpty(c.Plan, c.Order.WeekOfYear),
		}
	case KindDeliveryDate:
		data := map[string]any{
			"purchase":                  c.Order,
			"original_program_planning": planOrEmpty(c.OriginalPlan, c.OriginalWeek),
		}
		if c.NewPlan != nil {
			data["new_program_planning"] = c.NewPlan
		} else {
			data["new_program_planning"] = map[string]any{}
		}
		return data
	default:
		return map[string]any{
			"purchase":         c.Order,
			"program_planning": planOrEmpty(c.Plan, c.Order.WeekOfYear),
		}
	}
}

func planOrEmpty(p *WeeklyPlan, week int) *WeeklyPlan {
	if p != nil {
		return p
	}
	return &WeeklyPlan{Week: week, ProductionRuns: []ProductionRun{}}
}

// ErrSuperseded is the cancellation cause given to a run when a newer
// mutation of the same lot replaces it.
var ErrSuperseded = errors.New("superseded by a newer update for the same lot")

// RunOutcome classifies how an update run ended.
type RunOutcome string

const (
	OutcomeApplied    RunOutcome = "applied"
	OutcomeSkipped    RunOutcome = "skipped"
	OutcomeFailed     RunOutcome = "failed"
	OutcomeSuperseded RunOutcome = "superseded"
	OutcomeQueueFull  RunOutcome = "queue_full"
	OutcomePanicked   RunOutcome = "panicked"
)

// RunRecord documents one update run so drift between purchases and plans
// can be found after the fact.
type RunRecord struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	Kind       ActionKind `json:"kind"`
	Lot        LotCode    `json:"arapack_lot"`
	Weeks      []int      `json:"weeks,omitempty"`
	Outcome    RunOutcome `json:"outcome"`
	Stage      string     `json:"stage,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	DurationMs int64      `json:"duration_ms"`
}
