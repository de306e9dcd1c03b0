package updater

import (
	"context"

	"github.com/c360studio/moprocor/planning"
)

// Quantity revises the plan of the order's week after its quantity changed.
type Quantity struct {
	replacer
}

// NewQuantity creates the quantity updater.
func NewQuantity(deps *Deps) *Quantity {
	return &Quantity{replacer{deps: deps, kind: planning.KindQuantity}}
}

// Cancel removes a cancelled order from the plan of its week.
type Cancel struct {
	replacer
}

// NewCancel creates the cancel updater.
func NewCancel(deps *Deps) *Cancel {
	return &Cancel{replacer{deps: deps, kind: planning.KindCancel}}
}

// replacer is the shared flow of updates that rewrite one existing plan.
// The plan must exist both before the model is asked and when the reply is
// merged.
type replacer struct {
	deps *Deps
	kind planning.ActionKind
}

func (r *replacer) Kind() planning.ActionKind { return r.kind }

func (r *replacer) Gather(ctx context.Context, job planning.Job) (*planning.UpdateContext, error) {
	order := job.Order
	if err := requireWeek(order.WeekOfYear); err != nil {
		return nil, err
	}
	plan, err := r.deps.loadPlan(ctx, order.WeekOfYear)
	if err != nil {
		return nil, stageErr(StageGather, err)
	}
	return &planning.UpdateContext{
		Kind:  r.kind,
		JobID: job.ID,
		Order: order,
		Plan:  plan,
	}, nil
}

func (r *replacer) Apply(ctx context.Context, uc *planning.UpdateContext) error {
	obj, err := r.deps.ask(ctx, uc)
	if err != nil {
		return err
	}
	runs, err := parseSingleWeek(obj)
	if err != nil {
		return err
	}

	plan, err := r.deps.loadPlan(ctx, uc.Order.WeekOfYear)
	if err != nil {
		return stageErr(StageMerge, err)
	}
	if err := r.deps.replaceRuns(ctx, plan, runs); err != nil {
		return stageErr(StageMerge, err)
	}
	return nil
}
