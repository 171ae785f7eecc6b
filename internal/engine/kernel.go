package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/pubsub"
	"planline/internal/store"
)

// Outcome classifies the result of applying one status event. Every outcome
// maps to 204 at the HTTP layer; only errors surface as 5xx.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeOutOfOrder      Outcome = "out_of_order"
	OutcomeTerminalIgnored Outcome = "terminal_ignored"
	OutcomeMissingPlan     Outcome = "missing_plan"
	OutcomeMissingSpec     Outcome = "missing_spec"
)

// ErrInternal signals an invariant violation detected mid-transaction, such
// as the next spec not being blocked. The transaction is aborted uncommitted.
var ErrInternal = errors.New("internal invariant violation")

// ApplyResult is the kernel outcome plus at most one deferred trigger
// request, to be fired by the caller after commit.
type ApplyResult struct {
	Outcome      Outcome
	PlanTerminal bool
	NextSpec     *domain.Spec
}

// ApplyStatusEvent consumes one validated status event and atomically applies
// the lifecycle transition. The transaction body stages writes only; the
// store re-runs it from scratch on contention, so two racing terminal events
// serialize and the loser re-reads fresh state.
func (e Engine) ApplyStatusEvent(ctx context.Context, evt pubsub.StatusEvent) (ApplyResult, error) {
	var res ApplyResult
	err := e.Store.RunTransaction(ctx, func(tx *sql.Tx) error {
		res = ApplyResult{}
		return e.applyInTx(ctx, tx, evt, &res)
	})
	if err != nil {
		return res, err
	}
	e.logOutcome(evt, res)
	return res, nil
}

func (e Engine) applyInTx(ctx context.Context, tx *sql.Tx, evt pubsub.StatusEvent, res *ApplyResult) error {
	now := e.nowString()

	plan, err := e.Store.ReadPlanTx(ctx, tx, evt.PlanID)
	if errors.Is(err, store.ErrNotFound) {
		res.Outcome = OutcomeMissingPlan
		return e.Events.Append(ctx, tx, events.MissingPlan, evt.PlanID, &evt.SpecIndex, evt.MessageID, nil)
	}
	if err != nil {
		return err
	}

	spec, err := e.Store.ReadSpecTx(ctx, tx, evt.PlanID, evt.SpecIndex)
	if errors.Is(err, store.ErrNotFound) {
		res.Outcome = OutcomeMissingSpec
		return e.Events.Append(ctx, tx, events.MissingSpec, evt.PlanID, &evt.SpecIndex, evt.MessageID, nil)
	}
	if err != nil {
		return err
	}

	// Deduplication happens against the spec's history inside the
	// transaction, never against an external cache.
	if evt.MessageID != "" {
		for _, entry := range spec.History {
			if entry.MessageID == evt.MessageID {
				res.Outcome = OutcomeDuplicate
				return e.Events.Append(ctx, tx, events.DuplicateMessage, evt.PlanID, &evt.SpecIndex, evt.MessageID, nil)
			}
		}
	}

	entryTS := now
	if evt.Timestamp != nil {
		entryTS = *evt.Timestamp
	}
	spec.History = append(spec.History, domain.HistoryEntry{
		Timestamp:      entryTS,
		ReceivedStatus: evt.Status,
		Stage:          evt.Stage,
		Details:        evt.Details,
		CorrelationID:  evt.CorrelationID,
		MessageID:      evt.MessageID,
		RawSnippet:     evt.RawSnippet,
	})

	if !domain.TerminalStatus(evt.Status) {
		if evt.Stage != nil && *evt.Stage != "" {
			spec.CurrentStage = evt.Stage
		}
		spec.UpdatedAt = now
		plan.UpdatedAt = now
		plan.LastEventAt = now
		if err := e.Store.UpdateSpecTx(ctx, tx, spec); err != nil {
			return err
		}
		if err := e.Store.UpdatePlanTx(ctx, tx, plan); err != nil {
			return err
		}
		res.Outcome = OutcomeApplied
		return e.Events.Append(ctx, tx, events.NonTerminalUpdate, evt.PlanID, &evt.SpecIndex, evt.MessageID, events.EventPayload{
			"status": evt.Status,
			"stage":  evt.Stage,
		})
	}

	// Terminal transitions are one-way: a spec already finished or failed
	// keeps its state, the event is recorded in history only.
	if domain.TerminalStatus(spec.Status) {
		res.Outcome = OutcomeTerminalIgnored
		if err := e.Store.UpdateSpecTx(ctx, tx, spec); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.OutOfOrder, evt.PlanID, &evt.SpecIndex, evt.MessageID, events.EventPayload{
			"current_status":  spec.Status,
			"received_status": evt.Status,
		})
	}

	// Terminal events are only honored for the current spec. A future spec
	// finishing first is an error signal about the execution fleet, not a
	// race to smooth over: record it and leave state untouched.
	if plan.CurrentSpecIndex == nil || evt.SpecIndex != *plan.CurrentSpecIndex {
		res.Outcome = OutcomeOutOfOrder
		if err := e.Store.UpdateSpecTx(ctx, tx, spec); err != nil {
			return err
		}
		payload := events.EventPayload{"received_status": evt.Status}
		if plan.CurrentSpecIndex != nil {
			payload["current_spec_index"] = *plan.CurrentSpecIndex
		}
		return e.Events.Append(ctx, tx, events.OutOfOrder, evt.PlanID, &evt.SpecIndex, evt.MessageID, payload)
	}

	if evt.Status == domain.SpecFailed {
		spec.Status = domain.SpecFailed
		spec.UpdatedAt = now
		plan.OverallStatus = domain.PlanFailed
		plan.CurrentSpecIndex = nil
		plan.UpdatedAt = now
		plan.LastEventAt = now
		if err := e.Store.UpdateSpecTx(ctx, tx, spec); err != nil {
			return err
		}
		if err := e.Store.UpdatePlanTx(ctx, tx, plan); err != nil {
			return err
		}
		res.Outcome = OutcomeApplied
		res.PlanTerminal = true
		return e.Events.Append(ctx, tx, events.TerminalSpecFailed, evt.PlanID, &evt.SpecIndex, evt.MessageID, nil)
	}

	// finished at the current spec
	spec.Status = domain.SpecFinished
	spec.UpdatedAt = now
	plan.CompletedSpecs++
	plan.UpdatedAt = now
	plan.LastEventAt = now

	if evt.SpecIndex == plan.TotalSpecs-1 {
		plan.OverallStatus = domain.PlanFinished
		plan.CurrentSpecIndex = nil
		if err := e.Store.UpdateSpecTx(ctx, tx, spec); err != nil {
			return err
		}
		if err := e.Store.UpdatePlanTx(ctx, tx, plan); err != nil {
			return err
		}
		res.Outcome = OutcomeApplied
		res.PlanTerminal = true
		if err := e.Events.Append(ctx, tx, events.TerminalSpecDone, evt.PlanID, &evt.SpecIndex, evt.MessageID, nil); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TerminalPlanDone, evt.PlanID, nil, evt.MessageID, events.EventPayload{
			"total_specs": plan.TotalSpecs,
		})
	}

	nextIndex := evt.SpecIndex + 1
	next, err := e.Store.ReadSpecTx(ctx, tx, evt.PlanID, nextIndex)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: next spec %d missing in plan %s", ErrInternal, nextIndex, evt.PlanID)
		}
		return err
	}
	if next.Status != domain.SpecBlocked {
		return fmt.Errorf("%w: next spec %d in plan %s is %s, want blocked", ErrInternal, nextIndex, evt.PlanID, next.Status)
	}
	next.Status = domain.SpecRunning
	next.UpdatedAt = now
	plan.CurrentSpecIndex = &nextIndex

	if err := e.Store.UpdateSpecTx(ctx, tx, spec); err != nil {
		return err
	}
	if err := e.Store.UpdateSpecTx(ctx, tx, next); err != nil {
		return err
	}
	if err := e.Store.UpdatePlanTx(ctx, tx, plan); err != nil {
		return err
	}
	res.Outcome = OutcomeApplied
	res.NextSpec = &next
	return e.Events.Append(ctx, tx, events.TerminalSpecDone, evt.PlanID, &evt.SpecIndex, evt.MessageID, events.EventPayload{
		"next_spec_index": nextIndex,
	})
}

// logOutcome emits the per-outcome structured log line after commit.
func (e Engine) logOutcome(evt pubsub.StatusEvent, res ApplyResult) {
	attrs := []any{
		"plan_id", evt.PlanID,
		"spec_index", evt.SpecIndex,
		"message_id", evt.MessageID,
		"status", evt.Status,
	}
	switch res.Outcome {
	case OutcomeApplied:
		switch {
		case res.PlanTerminal && evt.Status == domain.SpecFailed:
			e.Logger.Info("spec failed, plan halted", append(attrs, "event_type", events.TerminalSpecFailed)...)
		case res.PlanTerminal:
			e.Logger.Info("plan finished", append(attrs, "event_type", events.TerminalPlanDone)...)
		case evt.Status == domain.SpecFinished:
			e.Logger.Info("spec finished, next unblocked", append(attrs, "event_type", events.TerminalSpecDone)...)
		default:
			e.Logger.Info("intermediate status recorded", append(attrs, "event_type", events.NonTerminalUpdate)...)
		}
	case OutcomeDuplicate:
		e.Logger.Info("duplicate message skipped", append(attrs, "event_type", events.DuplicateMessage)...)
	case OutcomeTerminalIgnored:
		e.Logger.Warn("terminal event on terminal spec ignored", append(attrs, "event_type", events.OutOfOrder)...)
	case OutcomeOutOfOrder:
		e.Logger.Error("out-of-order terminal event", append(attrs, "event_type", events.OutOfOrder)...)
	case OutcomeMissingPlan:
		e.Logger.Warn("plan not found for status event", append(attrs, "event_type", events.MissingPlan)...)
	case OutcomeMissingSpec:
		e.Logger.Warn("spec not found for status event", append(attrs, "event_type", events.MissingSpec)...)
	}
}
