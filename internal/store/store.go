package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"planline/internal/domain"
)

// Store is a thin typed facade over the SQLite database. All plan and spec
// mutations run through transactions; CreatePlanAtomic is the single
// conditional write keyed on plan_id non-existence. SmokeTest writes and
// deletes its probe row without a transaction.
type Store struct {
	DB *sql.DB
}

var (
	ErrNotFound   = errors.New("not found")
	ErrPlanExists = errors.New("plan already exists")
	// ErrTxConflict is returned when the bounded transaction retry budget is
	// exhausted. It surfaces to the HTTP layer as a 5xx so the sender retries.
	ErrTxConflict = errors.New("transaction conflict: retries exhausted")
)

const txMaxAttempts = 5

// retryable reports whether err is transient lock contention worth a re-run
// of the transaction body against fresh state.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// RunTransaction opens a transaction, invokes body, and commits. On lock
// contention the body is re-invoked from scratch with a fresh transaction up
// to a bounded attempt count with exponential backoff. The body must stage
// reads and writes only: no network calls, no trigger firing.
func (s Store) RunTransaction(ctx context.Context, body func(tx *sql.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := s.runOnce(ctx, body)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrTxConflict, lastErr)
}

func (s Store) runOnce(ctx context.Context, body func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := body(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadPlan reads a plan outside any transaction. Missing plans are a value,
// not a failure: ErrNotFound.
func (s Store) LoadPlan(ctx context.Context, planID string) (domain.Plan, error) {
	return scanPlan(s.DB.QueryRowContext(ctx, planSelect+` WHERE plan_id=?`, planID))
}

// ReadPlanTx reads a plan inside tx, reflecting its snapshot.
func (s Store) ReadPlanTx(ctx context.Context, tx *sql.Tx, planID string) (domain.Plan, error) {
	return scanPlan(tx.QueryRowContext(ctx, planSelect+` WHERE plan_id=?`, planID))
}

const planSelect = `SELECT plan_id,overall_status,total_specs,completed_specs,current_spec_index,created_at,updated_at,last_event_at,request_digest,raw_request FROM plans`

func scanPlan(row *sql.Row) (domain.Plan, error) {
	var p domain.Plan
	var current sql.NullInt64
	err := row.Scan(&p.PlanID, &p.OverallStatus, &p.TotalSpecs, &p.CompletedSpecs,
		&current, &p.CreatedAt, &p.UpdatedAt, &p.LastEventAt, &p.RequestDigest, &p.RawRequest)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if current.Valid {
		idx := int(current.Int64)
		p.CurrentSpecIndex = &idx
	}
	return p, nil
}

// LoadSpecs returns all specs of a plan ordered by spec_index. The list is
// empty (not an error) when the plan does not exist.
func (s Store) LoadSpecs(ctx context.Context, planID string) ([]domain.Spec, error) {
	rows, err := s.DB.QueryContext(ctx, specSelect+` WHERE plan_id=? ORDER BY spec_index ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var specs []domain.Spec
	for rows.Next() {
		sp, err := scanSpec(rows)
		if err != nil {
			return nil, err
		}
		specs = append(specs, sp)
	}
	return specs, rows.Err()
}

const specSelect = `SELECT plan_id,spec_index,purpose,vision,must_json,dont_json,nice_json,assumptions_json,status,current_stage,created_at,updated_at,history_json FROM specs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpec(row rowScanner) (domain.Spec, error) {
	var sp domain.Spec
	var must, dont, nice, assumptions, history string
	var stage sql.NullString
	err := row.Scan(&sp.PlanID, &sp.SpecIndex, &sp.Purpose, &sp.Vision,
		&must, &dont, &nice, &assumptions, &sp.Status, &stage,
		&sp.CreatedAt, &sp.UpdatedAt, &history)
	if err == sql.ErrNoRows {
		return sp, ErrNotFound
	}
	if err != nil {
		return sp, err
	}
	if stage.Valid {
		sp.CurrentStage = &stage.String
	}
	lists := []struct {
		raw  string
		dest *[]string
	}{
		{must, &sp.Must}, {dont, &sp.Dont}, {nice, &sp.Nice}, {assumptions, &sp.Assumptions},
	}
	for _, l := range lists {
		if err := json.Unmarshal([]byte(l.raw), l.dest); err != nil {
			return sp, fmt.Errorf("decode spec list column: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(history), &sp.History); err != nil {
		return sp, fmt.Errorf("decode spec history: %w", err)
	}
	if sp.Must == nil {
		sp.Must = []string{}
	}
	if sp.Dont == nil {
		sp.Dont = []string{}
	}
	if sp.Nice == nil {
		sp.Nice = []string{}
	}
	if sp.Assumptions == nil {
		sp.Assumptions = []string{}
	}
	if sp.History == nil {
		sp.History = []domain.HistoryEntry{}
	}
	return sp, nil
}

// ReadSpecTx reads one spec inside tx. ErrNotFound when absent.
func (s Store) ReadSpecTx(ctx context.Context, tx *sql.Tx, planID string, specIndex int) (domain.Spec, error) {
	return scanSpec(tx.QueryRowContext(ctx, specSelect+` WHERE plan_id=? AND spec_index=?`, planID, specIndex))
}

// CreatePlanAtomic inserts the plan and all its specs in one transaction.
// It fails with ErrPlanExists when the plan_id is already present.
func (s Store) CreatePlanAtomic(ctx context.Context, plan domain.Plan, specs []domain.Spec) error {
	return s.RunTransaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM plans WHERE plan_id=?`, plan.PlanID).Scan(&exists)
		if err == nil {
			return ErrPlanExists
		}
		if err != sql.ErrNoRows {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plans(plan_id,overall_status,total_specs,completed_specs,current_spec_index,created_at,updated_at,last_event_at,request_digest,raw_request)
			 VALUES (?,?,?,?,?,?,?,?,?,?)`,
			plan.PlanID, plan.OverallStatus, plan.TotalSpecs, plan.CompletedSpecs,
			nullableInt(plan.CurrentSpecIndex), plan.CreatedAt, plan.UpdatedAt, plan.LastEventAt,
			plan.RequestDigest, plan.RawRequest); err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}
		for _, sp := range specs {
			if err := insertSpec(ctx, tx, sp); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertSpec(ctx context.Context, tx *sql.Tx, sp domain.Spec) error {
	must, err := marshalList(sp.Must)
	if err != nil {
		return err
	}
	dont, err := marshalList(sp.Dont)
	if err != nil {
		return err
	}
	nice, err := marshalList(sp.Nice)
	if err != nil {
		return err
	}
	assumptions, err := marshalList(sp.Assumptions)
	if err != nil {
		return err
	}
	history, err := json.Marshal(sp.History)
	if err != nil {
		return err
	}
	if sp.History == nil {
		history = []byte("[]")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO specs(plan_id,spec_index,purpose,vision,must_json,dont_json,nice_json,assumptions_json,status,current_stage,created_at,updated_at,history_json)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sp.PlanID, sp.SpecIndex, sp.Purpose, sp.Vision, must, dont, nice, assumptions,
		sp.Status, nullableStringPtr(sp.CurrentStage), sp.CreatedAt, sp.UpdatedAt, string(history))
	if err != nil {
		return fmt.Errorf("insert spec %d: %w", sp.SpecIndex, err)
	}
	return nil
}

// UpdateSpecTx stages the mutable spec fields inside tx. Content fields are
// immutable after creation and are not written.
func (s Store) UpdateSpecTx(ctx context.Context, tx *sql.Tx, sp domain.Spec) error {
	history, err := json.Marshal(sp.History)
	if err != nil {
		return fmt.Errorf("encode spec history: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE specs SET status=?, current_stage=?, updated_at=?, history_json=? WHERE plan_id=? AND spec_index=?`,
		sp.Status, nullableStringPtr(sp.CurrentStage), sp.UpdatedAt, string(history), sp.PlanID, sp.SpecIndex)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePlanTx stages the mutable plan fields inside tx.
func (s Store) UpdatePlanTx(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE plans SET overall_status=?, completed_specs=?, current_spec_index=?, updated_at=?, last_event_at=? WHERE plan_id=?`,
		p.OverallStatus, p.CompletedSpecs, nullableInt(p.CurrentSpecIndex), p.UpdatedAt, p.LastEventAt, p.PlanID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPlans returns all plans, newest first.
func (s Store) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := s.DB.QueryContext(ctx, planSelect+` ORDER BY created_at DESC, plan_id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		var current sql.NullInt64
		if err := rows.Scan(&p.PlanID, &p.OverallStatus, &p.TotalSpecs, &p.CompletedSpecs,
			&current, &p.CreatedAt, &p.UpdatedAt, &p.LastEventAt, &p.RequestDigest, &p.RawRequest); err != nil {
			return nil, err
		}
		if current.Valid {
			idx := int(current.Int64)
			p.CurrentSpecIndex = &idx
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListEvents returns the newest ledger events, most recent first.
func (s Store) ListEvents(ctx context.Context, limit int) ([]domain.LedgerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(plan_id,''),spec_index,COALESCE(message_id,''),payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEvent
	for rows.Next() {
		var e domain.LedgerEvent
		var specIndex sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.PlanID, &specIndex, &e.MessageID, &e.Payload); err != nil {
			return nil, err
		}
		if specIndex.Valid {
			idx := int(specIndex.Int64)
			e.SpecIndex = &idx
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SmokeTest verifies store connectivity: write a probe row, read it back,
// delete it.
func (s Store) SmokeTest(ctx context.Context) error {
	probe := fmt.Sprintf("probe-%d", time.Now().UnixNano())
	if _, err := s.DB.ExecContext(ctx,
		`INSERT INTO events(ts,type,plan_id,payload_json) VALUES (?,?,?,?)`,
		time.Now().UTC().Format(time.RFC3339), "store.probe", probe, `{}`); err != nil {
		return fmt.Errorf("smoke test write: %w", err)
	}
	var one int
	if err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM events WHERE type='store.probe' AND plan_id=?`, probe).Scan(&one); err != nil {
		return fmt.Errorf("smoke test read: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM events WHERE type='store.probe' AND plan_id=?`, probe); err != nil {
		return fmt.Errorf("smoke test cleanup: %w", err)
	}
	return nil
}

func marshalList(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
