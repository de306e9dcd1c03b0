// Package updater revises weekly production plans after a purchase
// mutation. Each update kind gathers its own context, asks the model for a
// new run list and replaces the runs of the affected plans.
//
// An update moves through the stages gather, prompt, invoke, parse and
// merge and stops at the first failure. A response that cannot be parsed
// leaves every plan untouched.
package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/moprocor/llm"
	"github.com/c360studio/moprocor/planning"
	"github.com/c360studio/moprocor/storage"
)

// Stage names used in logs, metrics and run records.
const (
	StageGather = "gather"
	StagePrompt = "prompt"
	StageInvoke = "invoke"
	StageParse  = "parse"
	StageMerge  = "merge"
)

// mergeTimeout bounds the writes of a merge, which run detached from the
// caller's cancellation.
const mergeTimeout = 10 * time.Second

var (
	// ErrUnparseable is returned when the model reply holds no JSON object
	// or the object lacks the keys the update needs.
	ErrUnparseable = errors.New("model response could not be parsed")

	// ErrPlanMissing is returned when an update needs an existing plan and
	// the week has none.
	ErrPlanMissing = errors.New("no production plan for week")

	// ErrNoWeek is returned when the order has no delivery week yet.
	ErrNoWeek = errors.New("purchase has no delivery week")
)

// StageError records the stage an update stopped at.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage recorded in err, or "".
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Updater revises plans for one action kind.
type Updater interface {
	Kind() planning.ActionKind
	// Gather reads everything the update needs. It must not write plans,
	// except that a delivery-date update creates the plan of a new week.
	Gather(ctx context.Context, job planning.Job) (*planning.UpdateContext, error)
	// Apply runs prompt, invoke, parse and merge over uc.
	Apply(ctx context.Context, uc *planning.UpdateContext) error
}

// PromptBuilder renders the model prompt for a kind.
type PromptBuilder interface {
	Build(kind planning.ActionKind, data any) string
}

// Deps are the collaborators shared by every updater.
type Deps struct {
	Plans   storage.PlanStore
	Catalog storage.CatalogStore
	Prompts PromptBuilder
	Invoker llm.Invoker

	// Model overrides the invoker's default model when set.
	Model string
	// Temperature overrides the invoker's default temperature when set.
	Temperature *float64

	Logger *slog.Logger
	Now    func() time.Time
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

func (d *Deps) validate() error {
	switch {
	case d.Plans == nil:
		return fmt.Errorf("plan store required")
	case d.Prompts == nil:
		return fmt.Errorf("prompt builder required")
	case d.Invoker == nil:
		return fmt.Errorf("model invoker required")
	}
	return nil
}

// ask builds the prompt for uc, invokes the model and returns the JSON
// object found in the reply.
func (d *Deps) ask(ctx context.Context, uc *planning.UpdateContext) (json.RawMessage, error) {
	prompt := d.Prompts.Build(uc.Kind, uc.PromptData())
	if prompt == "" {
		return nil, stageErr(StagePrompt, fmt.Errorf("empty prompt"))
	}

	var opts []llm.InvokeOption
	if d.Model != "" {
		opts = append(opts, llm.WithModel(d.Model))
	}
	if d.Temperature != nil {
		opts = append(opts, llm.WithTemperature(*d.Temperature))
	}

	d.logger().Debug("Invoking model for plan update",
		"kind", uc.Kind,
		"job_id", uc.JobID,
		"lot", uc.Order.ArapackLot,
		"prompt_bytes", len(prompt))

	raw, err := d.Invoker.Invoke(ctx, prompt, opts...)
	if err != nil {
		return nil, stageErr(StageInvoke, fmt.Errorf("model invocation: %w", err))
	}

	obj, ok := llm.ExtractObject(raw)
	if !ok {
		d.logger().Warn("Model reply holds no JSON object, plan left unchanged",
			"kind", uc.Kind,
			"job_id", uc.JobID,
			"lot", uc.Order.ArapackLot,
			"reply_bytes", len(raw))
		return nil, stageErr(StageParse, ErrUnparseable)
	}
	return obj, nil
}

// runsReply is the reply shape for single-week updates.
type runsReply struct {
	ProductionRuns json.RawMessage `json:"production_runs"`
}

// decodeRuns reads a production_runs value. The key must be present and
// hold an array of objects; null or any other shape is rejected. An empty
// list is valid. Each run is kept byte for byte as the model wrote it.
func decodeRuns(raw json.RawMessage) ([]planning.ProductionRun, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: production_runs missing", ErrUnparseable)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: production_runs: %v", ErrUnparseable, err)
	}
	runs := make([]planning.ProductionRun, 0, len(items))
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			return nil, fmt.Errorf("%w: production_runs[%d] is not an object", ErrUnparseable, i)
		}
		runs = append(runs, planning.ProductionRun(item))
	}
	return runs, nil
}

// parseSingleWeek extracts production_runs from a reply object.
func parseSingleWeek(obj json.RawMessage) ([]planning.ProductionRun, error) {
	var reply runsReply
	if err := json.Unmarshal(obj, &reply); err != nil {
		return nil, stageErr(StageParse, fmt.Errorf("%w: %v", ErrUnparseable, err))
	}
	runs, err := decodeRuns(reply.ProductionRuns)
	if err != nil {
		return nil, stageErr(StageParse, err)
	}
	return runs, nil
}

// loadPlan returns the plan for week, or ErrPlanMissing.
func (d *Deps) loadPlan(ctx context.Context, week int) (*planning.WeeklyPlan, error) {
	plan, err := d.Plans.GetByWeek(ctx, week)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w %d", ErrPlanMissing, week)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan for week %d: %w", week, err)
	}
	return plan, nil
}

// ensurePlan returns the plan for week, creating an empty one if absent.
func (d *Deps) ensurePlan(ctx context.Context, week int) (*planning.WeeklyPlan, bool, error) {
	plan, err := d.Plans.GetByWeek(ctx, week)
	if err == nil {
		return plan, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("load plan for week %d: %w", week, err)
	}

	plan = planning.NewWeeklyPlan(week, d.now())
	if err := d.Plans.Create(ctx, plan); err != nil {
		if !errors.Is(err, storage.ErrExists) {
			return nil, false, fmt.Errorf("create plan for week %d: %w", week, err)
		}
		// Lost a creation race; use the winner's plan.
		plan, err = d.Plans.GetByWeek(ctx, week)
		if err != nil {
			return nil, false, fmt.Errorf("load plan for week %d: %w", week, err)
		}
		return plan, false, nil
	}
	d.logger().Info("Created production plan", "week", week)
	return plan, true, nil
}

// replaceRuns swaps the runs of plan and saves it.
func (d *Deps) replaceRuns(ctx context.Context, plan *planning.WeeklyPlan, runs []planning.ProductionRun) error {
	plan.ReplaceRuns(runs, d.now())
	if err := d.Plans.Save(ctx, plan); err != nil {
		return fmt.Errorf("save plan for week %d: %w", plan.Week, err)
	}
	return nil
}

// requireWeek aborts jobs whose order has no delivery week.
func requireWeek(week int) error {
	if week <= 0 {
		return stageErr(StageGather, ErrNoWeek)
	}
	return nil
}
