package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/execution"
	"planline/internal/migrate"
	"planline/internal/pubsub"
	"planline/internal/store"
)

const (
	planA = "11111111-1111-1111-1111-111111111111"
	planB = "22222222-2222-2222-2222-222222222222"
	planC = "33333333-3333-3333-3333-333333333333"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(conn, config.Default(dir), execution.Disabled{}, logger)
	eng.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func planInput(id string, n int) engine.PlanInput {
	in := engine.PlanInput{ID: id}
	for i := 0; i < n; i++ {
		in.Specs = append(in.Specs, engine.SpecInput{
			Purpose: fmt.Sprintf("purpose %d", i),
			Vision:  fmt.Sprintf("vision %d", i),
		})
	}
	return in
}

func mustIngest(t *testing.T, env testEnv, id string, n int) {
	t.Helper()
	res, err := env.Engine.IngestPlan(env.Ctx, planInput(id, n))
	if err != nil {
		t.Fatalf("ingest plan: %v", err)
	}
	if res.Outcome != engine.IngestCreated {
		t.Fatalf("expected created, got %s", res.Outcome)
	}
}

func statusEvent(planID string, idx int, status, messageID string) pubsub.StatusEvent {
	return pubsub.StatusEvent{
		PlanID:     planID,
		SpecIndex:  idx,
		Status:     status,
		MessageID:  messageID,
		RawSnippet: fmt.Sprintf(`{"plan_id":%q,"spec_index":%d,"status":%q}`, planID, idx, status),
	}
}

func mustApply(t *testing.T, env testEnv, evt pubsub.StatusEvent) engine.ApplyResult {
	t.Helper()
	res, err := env.Engine.ApplyStatusEvent(env.Ctx, evt)
	if err != nil {
		t.Fatalf("apply %s(%d): %v", evt.Status, evt.SpecIndex, err)
	}
	return res
}

// checkInvariants asserts I1, I2 and I3 over the stored records; for I4 it
// checks only that a failed plan has no current spec.
func checkInvariants(t *testing.T, env testEnv, planID string) {
	t.Helper()
	plan, err := env.Engine.Store.LoadPlan(env.Ctx, planID)
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	specs, err := env.Engine.Store.LoadSpecs(env.Ctx, planID)
	if err != nil {
		t.Fatalf("load specs: %v", err)
	}
	finished := 0
	for _, sp := range specs {
		if sp.Status == domain.SpecFinished {
			finished++
		}
	}
	if plan.CompletedSpecs != finished {
		t.Fatalf("I1 violated: completed_specs=%d, finished=%d", plan.CompletedSpecs, finished)
	}
	switch plan.OverallStatus {
	case domain.PlanRunning:
		if plan.CurrentSpecIndex == nil {
			t.Fatalf("I2 violated: running plan with no current spec")
		}
		cur := *plan.CurrentSpecIndex
		for _, sp := range specs {
			want := domain.SpecBlocked
			switch {
			case sp.SpecIndex < cur:
				want = domain.SpecFinished
			case sp.SpecIndex == cur:
				want = domain.SpecRunning
			}
			if sp.Status != want {
				t.Fatalf("I2 violated: spec %d is %s, want %s", sp.SpecIndex, sp.Status, want)
			}
		}
	case domain.PlanFinished:
		if plan.CurrentSpecIndex != nil || plan.CompletedSpecs != plan.TotalSpecs {
			t.Fatalf("I3 violated: current=%v completed=%d", plan.CurrentSpecIndex, plan.CompletedSpecs)
		}
		for _, sp := range specs {
			if sp.Status != domain.SpecFinished {
				t.Fatalf("I3 violated: spec %d is %s", sp.SpecIndex, sp.Status)
			}
		}
	case domain.PlanFailed:
		if plan.CurrentSpecIndex != nil {
			t.Fatalf("I4 violated: failed plan has current spec")
		}
	}
}

func TestIngestCreateIdempotentConflict(t *testing.T) {
	env := newTestEnv(t)
	in := planInput(planA, 2)

	res, err := env.Engine.IngestPlan(env.Ctx, in)
	if err != nil || res.Outcome != engine.IngestCreated {
		t.Fatalf("first ingest: outcome=%s err=%v", res.Outcome, err)
	}
	if res.FirstSpec == nil || res.FirstSpec.SpecIndex != 0 {
		t.Fatalf("expected deferred trigger for spec 0")
	}

	res, err = env.Engine.IngestPlan(env.Ctx, in)
	if err != nil || res.Outcome != engine.IngestIdempotent {
		t.Fatalf("replay ingest: outcome=%s err=%v", res.Outcome, err)
	}
	if res.FirstSpec != nil {
		t.Fatalf("idempotent replay must not re-trigger")
	}

	_, err = env.Engine.IngestPlan(env.Ctx, planInput(planA, 3))
	var ce *engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.StoredDigest == ce.IncomingDigest {
		t.Fatalf("conflict digests should differ")
	}
}

func TestIngestEmptyListsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	mustIngest(t, env, planA, 1)

	// Same payload with lists explicitly empty is identical after
	// normalization and canonicalization.
	in := planInput(planA, 1)
	in.Specs[0].Must = []string{}
	in.Specs[0].Assumptions = []string{}
	res, err := env.Engine.IngestPlan(env.Ctx, in)
	if err != nil || res.Outcome != engine.IngestIdempotent {
		t.Fatalf("expected idempotent, got outcome=%s err=%v", res.Outcome, err)
	}
}

func TestIngestValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.PlanInput{
		{ID: "not-a-uuid", Specs: planInput(planA, 1).Specs},
		{ID: planA},
		{ID: planA, Specs: []engine.SpecInput{{Purpose: "", Vision: "v"}}},
		{ID: planA, Specs: []engine.SpecInput{{Purpose: "p", Vision: ""}}},
	}
	for i, in := range cases {
		_, err := env.Engine.IngestPlan(env.Ctx, in)
		var ve *engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestSequentialHappyPath(t *testing.T) {
	env := newTestEnv(t)
	mustIngest(t, env, planA, 3)
	checkInvariants(t, env, planA)

	view, err := env.Engine.PlanStatus(env.Ctx, planA, true)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.CompletedSpecs != 0 || view.CurrentSpecIndex == nil || *view.CurrentSpecIndex != 0 {
		t.Fatalf("fresh plan: completed=%d current=%v", view.CompletedSpecs, view.CurrentSpecIndex)
	}

	res := mustApply(t, env, statusEvent(planA, 0, domain.SpecFinished, "m1"))
	if res.Outcome != engine.OutcomeApplied {
		t.Fatalf("finished(0): %s", res.Outcome)
	}
	if res.NextSpec == nil || res.NextSpec.SpecIndex != 1 || res.NextSpec.Status != domain.SpecRunning {
		t.Fatalf("expected trigger request for spec 1, got %+v", res.NextSpec)
	}
	checkInvariants(t, env, planA)

	res = mustApply(t, env, statusEvent(planA, 1, domain.SpecFinished, "m2"))
	if res.NextSpec == nil || res.NextSpec.SpecIndex != 2 {
		t.Fatalf("expected trigger request for spec 2")
	}
	checkInvariants(t, env, planA)

	res = mustApply(t, env, statusEvent(planA, 2, domain.SpecFinished, "m3"))
	if !res.PlanTerminal || res.NextSpec != nil {
		t.Fatalf("last spec: terminal=%v next=%v", res.PlanTerminal, res.NextSpec)
	}
	checkInvariants(t, env, planA)

	view, err = env.Engine.PlanStatus(env.Ctx, planA, true)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.OverallStatus != domain.PlanFinished || view.CompletedSpecs != 3 || view.CurrentSpecIndex != nil {
		t.Fatalf("final view: %+v", view)
	}
}

func TestDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	mustIngest(t, env, planA, 3)

	evt := statusEvent(planA, 0, domain.SpecFinished, "m1")
	if res := mustApply(t, env, evt); res.Outcome != engine.OutcomeApplied {
		t.Fatalf("first delivery: %s", res.Outcome)
	}
	if res := mustApply(t, env, evt); res.Outcome != engine.OutcomeDuplicate {
		t.Fatalf("redelivery: %s", res.Outcome)
	}

	specs, err := env.Engine.Store.LoadSpecs(env.Ctx, planA)
	if err != nil {
		t.Fatalf("load specs: %v", err)
	}
	seen := 0
	for _, entry := range specs[0].History {
		if entry.MessageID == "m1" {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("expected exactly one m1 history entry, got %d", seen)
	}
	checkInvariants(t, env, planA)
}

func TestRedeliveryLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	mustIngest(t, env, planB, 2)

	for _, evt := range []pubsub.StatusEvent{
		statusEvent(planB, 0, domain.SpecFinished, "m1"),
		statusEvent(planB, 0, domain.SpecFinished, "m1"),
		statusEvent(planB, 1, domain.SpecFinished, "m2"),
		statusEvent(planB, 1, domain.SpecFinished, "m2"),
	} {
		mustApply(t, env, evt)
	}
	view, err := env.Engine.PlanStatus(env.Ctx, planB, true)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.OverallStatus != domain.PlanFinished || view.CompletedSpecs != 2 {
		t.Fatalf("redelivered run: %+v", view)
	}
}

func TestFailureHaltsPlan(t *testing.T) {
	env := newTestEnv(t)
	mustIngest(t, env, planB, 2)

	res := mustApply(t, env, statusEvent(planB, 0, domain.SpecFailed, "mf"))
	if res.Outcome != engine.OutcomeApplied || !res.PlanTerminal || res.NextSpec != nil {
		t.Fatalf("failed(0): %+v", res)
	}
	checkInvariants(t, env, planB)

	specs, _ := env.Engine.Store.LoadSpecs(env.Ctx, planB)
	if specs[0].Status != domain.SpecFailed || specs[1].Status != domain.SpecBlocked {
		t.Fatalf("spec statuses: %s %s", specs[0].Status, specs[1].Status)
	}
	plan, _ := env.Engine.Store.LoadPlan(env.Ctx, planB)
	if plan.OverallStatus != domain.PlanFailed || plan.CurrentSpecIndex != nil {
		t.Fatalf("plan after failure: %+v", plan)
	}
	if plan.CompletedSpecs != 0 {
		t.Fatalf("failed must not change completed_specs, got %d", plan.CompletedSpecs)
	}

	// A later finished for the blocked spec is recorded but has no effect.
	res = mustApply(t, env, statusEvent(planB, 1, domain.SpecFinished, "mx"))
	if res.Outcome != engine.OutcomeOutOfOrder {
		t.Fatalf("finished after failure: %s", res.Outcome)
	}
	specs, _ = env.Engine.Store.LoadSpecs(env.Ctx, planB)
	if specs[1].Status != domain.SpecBlocked {
		t.Fatalf("spec 1 changed status: %s", specs[1].Status)
	}
	if len(specs[1].History) != 1 {
		t.Fatalf("spec 1 history entries: %d", len(specs[1].History))
	}
}

func TestOutOfOrderTerminal(t *testing.T) {
	env := newTestEnv(t)
	mustIngest(t, env, planC, 3)

	res := mustApply(t, env, statusEvent(planC, 1, domain.SpecFinished, "moo"))
	if res.Outcome != engine.OutcomeOutOfOrder || res.NextSpec != nil {
		t.Fatalf("out-of-order: %+v", res)
	}

	specs, _ := env.Engine.Store.LoadSpecs(env.Ctx, planC)
	if specs[0].Status != domain.SpecRunning || specs[1].Status != domain.SpecBlocked || specs[2].Status != domain.SpecBlocked {
		t.Fatalf("statuses changed: %s %s %s", specs[0].Status, specs[1].Status, specs[2].Status)
	}
	if len(specs[1].History) != 1 {
		t.Fatalf("rejected event not recorded: %d entries", len(specs[1].History))
	}
	checkInvariants(t, env, planC)

	// The ledger records the operational signal.
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type='out_of_order' AND plan_id=?`, planC)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count != 1 {
		t.Fatalf("expected one out_of_order ledger event, got %d", count)
	}
}

func TestTerminalIgnoredOnTerminalSpec(t *testing.T) {
	env := newTestEnv(t)
	mustIngest(t, env, planA, 2)

	mustApply(t, env, statusEvent(planA, 0, domain.SpecFinished, "m1"))
	res := mustApply(t, env, statusEvent(planA, 0, domain.SpecFailed, "m2"))
	if res.Outcome != engine.OutcomeTerminalIgnored {
		t.Fatalf("expected terminal_ignored, got %s", res.Outcome)
	}

	specs, _ := env.Engine.Store.LoadSpecs(env.Ctx, planA)
	if specs[0].Status != domain.SpecFinished {
		t.Fatalf("terminal state changed: %s", specs[0].Status)
	}
	if len(specs[0].History) != 2 {
		t.Fatalf("expected both events in history, got %d", len(specs[0].History))
	}
	plan, _ := env.Engine.Store.LoadPlan(env.Ctx, planA)
	if plan.OverallStatus != domain.PlanRunning {
		t.Fatalf("plan status changed: %s", plan.OverallStatus)
	}
}

func TestIntermediateStageUpdate(t *testing.T) {
	env := newTestEnv(t)
	mustIngest(t, env, planA, 1)

	stage := "implementing"
	evt := statusEvent(planA, 0, domain.SpecRunning, "ms1")
	evt.Stage = &stage
	res := mustApply(t, env, evt)
	if res.Outcome != engine.OutcomeApplied || res.PlanTerminal || res.NextSpec != nil {
		t.Fatalf("intermediate: %+v", res)
	}

	view, _ := env.Engine.PlanStatus(env.Ctx, planA, true)
	if view.Specs[0].Status != domain.SpecRunning {
		t.Fatalf("status changed: %s", view.Specs[0].Status)
	}
	if view.Specs[0].Stage == nil || *view.Specs[0].Stage != "implementing" {
		t.Fatalf("stage not set: %v", view.Specs[0].Stage)
	}

	// Stage hidden when not requested.
	view, _ = env.Engine.PlanStatus(env.Ctx, planA, false)
	if view.Specs[0].Stage != nil {
		t.Fatalf("stage leaked with include_stage=false")
	}

	mustApply(t, env, statusEvent(planA, 0, domain.SpecFinished, "ms2"))
	view, _ = env.Engine.PlanStatus(env.Ctx, planA, true)
	if view.OverallStatus != domain.PlanFinished {
		t.Fatalf("plan not finished: %s", view.OverallStatus)
	}
}

func TestIntermediateWithoutStage(t *testing.T) {
	env := newTestEnv(t)
	mustIngest(t, env, planA, 2)

	res := mustApply(t, env, statusEvent(planA, 0, domain.SpecRunning, "mi1"))
	if res.Outcome != engine.OutcomeApplied {
		t.Fatalf("intermediate: %s", res.Outcome)
	}
	specs, _ := env.Engine.Store.LoadSpecs(env.Ctx, planA)
	if specs[0].CurrentStage != nil {
		t.Fatalf("stage set unexpectedly")
	}
	if specs[0].Status != domain.SpecRunning {
		t.Fatalf("status changed: %s", specs[0].Status)
	}
	if len(specs[0].History) != 1 {
		t.Fatalf("history entries: %d", len(specs[0].History))
	}
	checkInvariants(t, env, planA)
}

func TestSingleSpecPlan(t *testing.T) {
	env := newTestEnv(t)
	mustIngest(t, env, planA, 1)

	res := mustApply(t, env, statusEvent(planA, 0, domain.SpecFinished, "m1"))
	if !res.PlanTerminal || res.NextSpec != nil {
		t.Fatalf("single-spec plan: terminal=%v next=%v", res.PlanTerminal, res.NextSpec)
	}
	view, _ := env.Engine.PlanStatus(env.Ctx, planA, true)
	if view.OverallStatus != domain.PlanFinished || view.CurrentSpecIndex != nil || view.CompletedSpecs != 1 {
		t.Fatalf("final view: %+v", view)
	}
}

func TestMissingPlanAndSpec(t *testing.T) {
	env := newTestEnv(t)
	mustIngest(t, env, planA, 2)

	res := mustApply(t, env, statusEvent(planB, 0, domain.SpecFinished, "m1"))
	if res.Outcome != engine.OutcomeMissingPlan {
		t.Fatalf("unknown plan: %s", res.Outcome)
	}
	res = mustApply(t, env, statusEvent(planA, 2, domain.SpecFinished, "m2"))
	if res.Outcome != engine.OutcomeMissingSpec {
		t.Fatalf("spec_index == total_specs: %s", res.Outcome)
	}
}

func TestEmptyMessageIDDisablesDedup(t *testing.T) {
	env := newTestEnv(t)
	mustIngest(t, env, planA, 2)

	mustApply(t, env, statusEvent(planA, 0, domain.SpecRunning, ""))
	mustApply(t, env, statusEvent(planA, 0, domain.SpecRunning, ""))
	specs, _ := env.Engine.Store.LoadSpecs(env.Ctx, planA)
	if len(specs[0].History) != 2 {
		t.Fatalf("empty message_id must not dedup, got %d entries", len(specs[0].History))
	}
}

func TestStatusProjectionNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PlanStatus(env.Ctx, planA, true)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
