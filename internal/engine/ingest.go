package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"planline/internal/canon"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/store"
)

// SpecInput is one spec of an ingestion request. The four list fields are
// always present after normalization, possibly empty, never nil.
type SpecInput struct {
	Purpose     string   `json:"purpose"`
	Vision      string   `json:"vision"`
	Must        []string `json:"must"`
	Dont        []string `json:"dont"`
	Nice        []string `json:"nice"`
	Assumptions []string `json:"assumptions"`
}

// PlanInput is an ingestion request: a UUID plan id and at least one spec.
type PlanInput struct {
	ID    string      `json:"id"`
	Specs []SpecInput `json:"specs"`
}

// Normalize replaces nil list fields with empty lists so canonicalization
// and storage never see absent fields.
func (p *PlanInput) Normalize() {
	for i := range p.Specs {
		s := &p.Specs[i]
		if s.Must == nil {
			s.Must = []string{}
		}
		if s.Dont == nil {
			s.Dont = []string{}
		}
		if s.Nice == nil {
			s.Nice = []string{}
		}
		if s.Assumptions == nil {
			s.Assumptions = []string{}
		}
	}
}

// ValidationError marks ingestion input the caller must fix (422).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ConflictError is returned when a plan id exists with a different payload.
type ConflictError struct {
	PlanID         string
	StoredDigest   string
	IncomingDigest string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("plan %s already exists with different body", e.PlanID)
}

// IngestOutcome distinguishes a fresh create from an idempotent replay; a
// payload mismatch is a ConflictError instead.
type IngestOutcome string

const (
	IngestCreated    IngestOutcome = "created"
	IngestIdempotent IngestOutcome = "idempotent"
)

// IngestResult carries the outcome plus the deferred trigger request for
// spec 0 on a fresh create.
type IngestResult struct {
	Outcome   IngestOutcome
	PlanID    string
	FirstSpec *domain.Spec
}

func validatePlanInput(in PlanInput) error {
	if _, err := uuid.Parse(in.ID); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("invalid UUID string: %s", in.ID)}
	}
	if len(in.Specs) == 0 {
		return &ValidationError{Reason: "at least one specification must be provided"}
	}
	for i, s := range in.Specs {
		if s.Purpose == "" {
			return &ValidationError{Reason: fmt.Sprintf("spec %d: purpose is required", i)}
		}
		if s.Vision == "" {
			return &ValidationError{Reason: fmt.Sprintf("spec %d: vision is required", i)}
		}
	}
	return nil
}

// IngestPlan validates the request, computes its canonical digest, and
// creates the plan and spec records atomically. Re-submitting an identical
// payload is idempotent; a different payload under the same id conflicts.
func (e Engine) IngestPlan(ctx context.Context, in PlanInput) (IngestResult, error) {
	var res IngestResult
	in.Normalize()
	if err := validatePlanInput(in); err != nil {
		return res, err
	}
	res.PlanID = in.ID

	normalized, err := json.Marshal(in)
	if err != nil {
		return res, err
	}
	canonical, err := canon.Canonicalize(normalized)
	if err != nil {
		return res, err
	}
	digest, err := canon.Digest(canonical)
	if err != nil {
		return res, err
	}

	now := e.nowString()
	firstIndex := 0
	plan := domain.Plan{
		PlanID:           in.ID,
		OverallStatus:    domain.PlanRunning,
		TotalSpecs:       len(in.Specs),
		CompletedSpecs:   0,
		CurrentSpecIndex: &firstIndex,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastEventAt:      now,
		RequestDigest:    digest,
		RawRequest:       string(canonical),
	}
	specs := make([]domain.Spec, 0, len(in.Specs))
	for i, s := range in.Specs {
		status := domain.SpecBlocked
		if i == 0 {
			status = domain.SpecRunning
		}
		specs = append(specs, domain.Spec{
			PlanID:      in.ID,
			SpecIndex:   i,
			Purpose:     s.Purpose,
			Vision:      s.Vision,
			Must:        s.Must,
			Dont:        s.Dont,
			Nice:        s.Nice,
			Assumptions: s.Assumptions,
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
			History:     []domain.HistoryEntry{},
		})
	}

	err = e.Store.CreatePlanAtomic(ctx, plan, specs)
	if err == nil {
		e.appendLedger(ctx, events.PlanCreated, in.ID, nil, "", events.EventPayload{
			"total_specs": len(in.Specs),
		})
		e.Logger.Info("plan created",
			"event_type", events.PlanCreated, "plan_id", in.ID, "total_specs", len(in.Specs))
		res.Outcome = IngestCreated
		res.FirstSpec = &specs[0]
		return res, nil
	}
	if !errors.Is(err, store.ErrPlanExists) {
		return res, err
	}

	existing, err := e.Store.LoadPlan(ctx, in.ID)
	if err != nil {
		return res, err
	}
	if existing.RequestDigest == digest {
		e.appendLedger(ctx, events.PlanIdempotent, in.ID, nil, "", nil)
		e.Logger.Info("idempotent plan ingestion",
			"event_type", events.PlanIdempotent, "plan_id", in.ID)
		res.Outcome = IngestIdempotent
		return res, nil
	}
	e.appendLedger(ctx, events.PlanConflict, in.ID, nil, "", events.EventPayload{
		"stored_digest":   existing.RequestDigest,
		"incoming_digest": digest,
	})
	e.Logger.Warn("plan ingestion conflict",
		"event_type", events.PlanConflict, "plan_id", in.ID,
		"stored_digest", existing.RequestDigest, "incoming_digest", digest)
	return res, &ConflictError{
		PlanID:         in.ID,
		StoredDigest:   existing.RequestDigest,
		IncomingDigest: digest,
	}
}

// appendLedger writes a ledger row outside the kernel transactions; failures
// are logged and never fail the request.
func (e Engine) appendLedger(ctx context.Context, evtType, planID string, specIndex *int, messageID string, payload events.EventPayload) {
	err := e.Store.RunTransaction(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, evtType, planID, specIndex, messageID, payload)
	})
	if err != nil {
		e.Logger.Warn("ledger append failed", "event_type", evtType, "plan_id", planID, "error", err.Error())
	}
}
