package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types form a closed set so operators can alert on each outcome.
const (
	PlanCreated         = "plan_created"
	PlanIdempotent      = "plan_idempotent"
	PlanConflict        = "plan_conflict"
	NonTerminalUpdate   = "non_terminal_update"
	TerminalSpecDone    = "terminal_spec_finished"
	TerminalPlanDone    = "terminal_plan_finished"
	TerminalSpecFailed  = "terminal_spec_failed"
	DuplicateMessage    = "duplicate_message"
	OutOfOrder          = "out_of_order"
	MissingPlan         = "missing_plan"
	MissingSpec         = "missing_spec"
)

// Writer appends ledger rows within the caller's transaction so outcome
// records commit atomically with the state they describe.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, planID string, specIndex *int, messageID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,plan_id,spec_index,message_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(planID), nullableInt(specIndex), nullable(messageID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
