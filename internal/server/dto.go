package server

import "planline/internal/engine"

// SpecRequest mirrors the ingestion contract: purpose and vision are
// required non-empty; the four list fields default to empty.
type SpecRequest struct {
	Purpose     string   `json:"purpose" minLength:"1" doc:"Purpose of the specification"`
	Vision      string   `json:"vision" minLength:"1" doc:"Vision for the specification"`
	Must        []string `json:"must,omitempty" doc:"Required features/constraints"`
	Dont        []string `json:"dont,omitempty" doc:"Things to avoid"`
	Nice        []string `json:"nice,omitempty" doc:"Nice-to-have features"`
	Assumptions []string `json:"assumptions,omitempty" doc:"Assumptions made"`
}

type CreatePlanRequest struct {
	ID    string        `json:"id" minLength:"1" doc:"Plan ID as UUID string"`
	Specs []SpecRequest `json:"specs" minItems:"1" doc:"Ordered list of specifications"`
}

type PlanCreateResponse struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status" enum:"running,finished,failed"`
}

func planInput(req CreatePlanRequest) engine.PlanInput {
	in := engine.PlanInput{ID: req.ID, Specs: make([]engine.SpecInput, 0, len(req.Specs))}
	for _, s := range req.Specs {
		in.Specs = append(in.Specs, engine.SpecInput{
			Purpose:     s.Purpose,
			Vision:      s.Vision,
			Must:        s.Must,
			Dont:        s.Dont,
			Nice:        s.Nice,
			Assumptions: s.Assumptions,
		})
	}
	return in
}
