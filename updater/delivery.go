package updater

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/moprocor/planning"
)

// DeliveryDate revises plans after an order's delivery date changed. When
// the ISO week moved, the order leaves the original week's plan and joins
// the new week's plan in a single model call.
type DeliveryDate struct {
	deps *Deps
}

// NewDeliveryDate creates the delivery-date updater.
func NewDeliveryDate(deps *Deps) *DeliveryDate {
	return &DeliveryDate{deps: deps}
}

// Kind implements Updater.
func (u *DeliveryDate) Kind() planning.ActionKind { return planning.KindDeliveryDate }

// Gather loads the original week's plan, which must exist. If the week
// changed, the new week's plan is created now so the model can fill it.
func (u *DeliveryDate) Gather(ctx context.Context, job planning.Job) (*planning.UpdateContext, error) {
	order := job.Order
	if err := requireWeek(job.OriginalWeek); err != nil {
		return nil, err
	}
	if err := requireWeek(order.WeekOfYear); err != nil {
		return nil, err
	}

	uc := &planning.UpdateContext{
		Kind:         planning.KindDeliveryDate,
		JobID:        job.ID,
		Order:        order,
		OriginalWeek: job.OriginalWeek,
		NewWeek:      order.WeekOfYear,
	}

	original, err := u.deps.loadPlan(ctx, job.OriginalWeek)
	if err != nil {
		return nil, stageErr(StageGather, err)
	}
	uc.OriginalPlan = original

	if uc.WeekChanged() {
		plan, _, err := u.deps.ensurePlan(ctx, uc.NewWeek)
		if err != nil {
			return nil, stageErr(StageGather, err)
		}
		uc.NewPlan = plan
	}
	return uc, nil
}

// programsReply is the reply shape for delivery-date updates. The two plans
// may also arrive wrapped in a "programs" object.
type programsReply struct {
	Programs     json.RawMessage `json:"programs"`
	OriginalPlan json.RawMessage `json:"original_program_planning"`
	NewPlan      json.RawMessage `json:"new_program_planning"`
}

type deliveryRuns struct {
	original []planning.ProductionRun
	updated  []planning.ProductionRun
}

// parsePrograms decodes every plan the update may write before any of them
// is persisted, so a bad reply never produces a partial merge.
func parsePrograms(obj json.RawMessage, weekChanged bool) (*deliveryRuns, error) {
	var reply programsReply
	if err := json.Unmarshal(obj, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if len(reply.Programs) > 0 && reply.Programs[0] == '{' {
		var inner programsReply
		if err := json.Unmarshal(reply.Programs, &inner); err != nil {
			return nil, fmt.Errorf("%w: programs: %v", ErrUnparseable, err)
		}
		reply = inner
	}

	out := &deliveryRuns{}
	found := false
	if isPresent(reply.OriginalPlan) {
		runs, err := decodePlanRuns(reply.OriginalPlan, "original_program_planning")
		if err != nil {
			return nil, err
		}
		out.original = runs
		found = true
	}
	if weekChanged && isPresent(reply.NewPlan) {
		runs, err := decodePlanRuns(reply.NewPlan, "new_program_planning")
		if err != nil {
			return nil, err
		}
		out.updated = runs
		found = true
	}
	if !found {
		return nil, fmt.Errorf("%w: no program planning in reply", ErrUnparseable)
	}
	return out, nil
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func decodePlanRuns(raw json.RawMessage, key string) ([]planning.ProductionRun, error) {
	var plan runsReply
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnparseable, key, err)
	}
	runs, err := decodeRuns(plan.ProductionRuns)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return runs, nil
}

// Apply implements Updater. Each week in the reply is merged on its own.
func (u *DeliveryDate) Apply(ctx context.Context, uc *planning.UpdateContext) error {
	obj, err := u.deps.ask(ctx, uc)
	if err != nil {
		return err
	}
	runs, err := parsePrograms(obj, uc.WeekChanged())
	if err != nil {
		return stageErr(StageParse, err)
	}

	// Once merging starts both weeks are written, even if the run is
	// cancelled in between.
	if err := ctx.Err(); err != nil {
		return stageErr(StageMerge, context.Cause(ctx))
	}
	mergeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mergeTimeout)
	defer cancel()

	if runs.original != nil {
		plan, err := u.deps.loadPlan(mergeCtx, uc.OriginalWeek)
		if err != nil {
			return stageErr(StageMerge, err)
		}
		if err := u.deps.replaceRuns(mergeCtx, plan, runs.original); err != nil {
			return stageErr(StageMerge, err)
		}
	}

	if runs.updated != nil {
		plan, _, err := u.deps.ensurePlan(mergeCtx, uc.NewWeek)
		if err != nil {
			return stageErr(StageMerge, err)
		}
		if err := u.deps.replaceRuns(mergeCtx, plan, runs.updated); err != nil {
			return stageErr(StageMerge, err)
		}
	}
	return nil
}
