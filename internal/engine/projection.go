package engine

import (
	"context"

	"planline/internal/domain"
)

// SpecStatusView is the lightweight external view of one spec.
type SpecStatusView struct {
	SpecIndex int     `json:"spec_index"`
	Status    string  `json:"status"`
	Stage     *string `json:"stage,omitempty"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// PlanStatusView is the external status view of a plan. Counters and the
// current index are recomputed from the spec list so a desynchronized plan
// record cannot mislead callers.
type PlanStatusView struct {
	PlanID           string           `json:"plan_id"`
	OverallStatus    string           `json:"overall_status"`
	CreatedAt        string           `json:"created_at" format:"date-time"`
	UpdatedAt        string           `json:"updated_at" format:"date-time"`
	TotalSpecs       int              `json:"total_specs"`
	CompletedSpecs   int              `json:"completed_specs"`
	CurrentSpecIndex *int             `json:"current_spec_index"`
	Specs            []SpecStatusView `json:"specs"`
}

// PlanStatus computes the status projection for one plan. Returns
// store.ErrNotFound when the plan does not exist.
func (e Engine) PlanStatus(ctx context.Context, planID string, includeStage bool) (PlanStatusView, error) {
	var view PlanStatusView
	plan, err := e.Store.LoadPlan(ctx, planID)
	if err != nil {
		return view, err
	}
	specs, err := e.Store.LoadSpecs(ctx, planID)
	if err != nil {
		return view, err
	}

	completed := 0
	var current *int
	specViews := make([]SpecStatusView, 0, len(specs))
	for _, sp := range specs {
		if sp.Status == domain.SpecFinished {
			completed++
		}
		if sp.Status == domain.SpecRunning && current == nil {
			idx := sp.SpecIndex
			current = &idx
		}
		sv := SpecStatusView{
			SpecIndex: sp.SpecIndex,
			Status:    sp.Status,
			UpdatedAt: sp.UpdatedAt,
		}
		if includeStage {
			sv.Stage = sp.CurrentStage
		}
		specViews = append(specViews, sv)
	}
	if plan.OverallStatus != domain.PlanRunning {
		current = nil
	}

	view = PlanStatusView{
		PlanID:           plan.PlanID,
		OverallStatus:    plan.OverallStatus,
		CreatedAt:        plan.CreatedAt,
		UpdatedAt:        plan.UpdatedAt,
		TotalSpecs:       plan.TotalSpecs,
		CompletedSpecs:   completed,
		CurrentSpecIndex: current,
		Specs:            specViews,
	}
	return view, nil
}
