package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/moprocor/planning"
	"github.com/c360studio/moprocor/storage"
)

// Register places a newly registered purchase in the plan of its week.
type Register struct {
	deps *Deps
}

// NewRegister creates the register updater.
func NewRegister(deps *Deps) *Register {
	return &Register{deps: deps}
}

// Kind implements Updater.
func (u *Register) Kind() planning.ActionKind { return planning.KindRegister }

// Gather loads the box of the order, every sheet and the current plan of the
// week. A missing plan is not an error; the model starts from an empty one.
func (u *Register) Gather(ctx context.Context, job planning.Job) (*planning.UpdateContext, error) {
	order := job.Order
	if err := requireWeek(order.WeekOfYear); err != nil {
		return nil, err
	}
	if u.deps.Catalog == nil {
		return nil, stageErr(StageGather, fmt.Errorf("catalog store required"))
	}

	box, err := u.deps.Catalog.BoxBySymbol(ctx, order.Symbol)
	if err != nil {
		return nil, stageErr(StageGather, fmt.Errorf("box %q: %w", order.Symbol, err))
	}

	sheets, err := u.deps.Catalog.Sheets(ctx)
	if err != nil {
		return nil, stageErr(StageGather, fmt.Errorf("list sheets: %w", err))
	}

	plan, err := u.deps.Plans.GetByWeek(ctx, order.WeekOfYear)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, stageErr(StageGather, fmt.Errorf("load plan for week %d: %w", order.WeekOfYear, err))
	}

	return &planning.UpdateContext{
		Kind:   planning.KindRegister,
		JobID:  job.ID,
		Order:  order,
		Box:    box,
		Sheets: sheets,
		Plan:   plan,
	}, nil
}

// Apply implements Updater. The plan is created if the week still has none.
func (u *Register) Apply(ctx context.Context, uc *planning.UpdateContext) error {
	obj, err := u.deps.ask(ctx, uc)
	if err != nil {
		return err
	}
	runs, err := parseSingleWeek(obj)
	if err != nil {
		return err
	}

	plan, _, err := u.deps.ensurePlan(ctx, uc.Order.WeekOfYear)
	if err != nil {
		return stageErr(StageMerge, err)
	}
	if err := u.deps.replaceRuns(ctx, plan, runs); err != nil {
		return stageErr(StageMerge, err)
	}
	return nil
}
