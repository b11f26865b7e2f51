// Package postgres implements a durable store.Repository over pgx/v5 and
// pgxpool: raw SQL with $N placeholders, JSONB columns for nested structs,
// and an embedded schema applied via EnsureSchema at startup.
package postgres

import (
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow-orchestrator/internal/contracts"
	"taskflow-orchestrator/internal/store"
	pkgerrors "taskflow-orchestrator/pkg/errors"
)

func newID() string { return uuid.New().String() }

//go:embed schema.sql
var schemaSQL string

// Store is a pgx/pgxpool-backed store.Repository.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and returns a ready Store. It does not apply the
// schema; call EnsureSchema once at process startup.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// EnsureSchema applies the embedded schema.sql, idempotently (every
// statement is CREATE ... IF NOT EXISTS).
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

var _ store.Repository = (*Store)(nil)

// timeLayout is fixed-width microsecond UTC; TEXT timestamp columns sort
// lexicographically, which only holds with a fixed fraction width.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func nowRFC3339() string { return time.Now().UTC().Format(timeLayout) }

func errNoRows(err error) bool { return err != nil && errors.Is(err, pgx.ErrNoRows) }

func marshal(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalInto(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// --- Templates ---

func (s *Store) CreateTemplate(ctx context.Context, t *store.Template) error {
	if t.ID == "" {
		t.ID = "template-" + newID()
	}
	now := nowRFC3339()
	if t.CreatedAt == "" {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	graphJSON, err := marshal(t.Graph)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_templates (id, name, version, description, graph_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET name = $2, version = $3, description = $4, graph_json = $5, updated_at = $7`,
		t.ID, t.Name, t.Version, t.Description, graphJSON, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *Store) scanTemplate(row pgx.Row) (*store.Template, error) {
	var t store.Template
	var graphJSON []byte
	if err := row.Scan(&t.ID, &t.Name, &t.Version, &t.Description, &graphJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errNoRows(err) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	if err := unmarshalInto(graphJSON, &t.Graph); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*store.Template, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, version, description, graph_json, created_at, updated_at FROM workflow_templates WHERE id = $1`, id)
	return s.scanTemplate(row)
}

func (s *Store) ListTemplates(ctx context.Context) ([]*store.Template, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, version, description, graph_json, created_at, updated_at FROM workflow_templates ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Template
	for rows.Next() {
		var t store.Template
		var graphJSON []byte
		if err := rows.Scan(&t.ID, &t.Name, &t.Version, &t.Description, &graphJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalInto(graphJSON, &t.Graph); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) LatestTemplate(ctx context.Context) (*store.Template, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, version, description, graph_json, created_at, updated_at FROM workflow_templates ORDER BY updated_at DESC LIMIT 1`)
	return s.scanTemplate(row)
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, r *store.Run) error {
	if r.ID == "" {
		r.ID = "run-" + newID()
	}
	if r.CreatedAt == "" {
		r.CreatedAt = nowRFC3339()
	}
	if r.Status == "" {
		r.Status = store.RunCreated
	}
	constraintsJSON, err := marshal(r.Constraints)
	if err != nil {
		return err
	}
	dagJSON, err := marshal(r.DAG)
	if err != nil {
		return err
	}
	diagnosticsJSON, err := marshal(r.Diagnostics)
	if err != nil {
		return err
	}
	metadataJSON, err := marshal(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, task, template_id, status, constraints_json, dag_json, diagnostics_json,
		 created_at, started_at, ended_at, total_prompt_tokens, total_completion_tokens, total_tokens,
		 total_usd, cancel_requested, metadata_json)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.Task, r.TemplateID, string(r.Status), constraintsJSON, dagJSON, diagnosticsJSON,
		r.CreatedAt, r.StartedAt, r.EndedAt, r.Totals.PromptTokens, r.Totals.CompletionTokens,
		r.Totals.TotalTokens, r.Totals.USD, r.CancelRequested, metadataJSON)
	return err
}

func (s *Store) scanRun(row pgx.Row) (*store.Run, error) {
	var r store.Run
	var status string
	var constraintsJSON, dagJSON, diagnosticsJSON, metadataJSON []byte
	err := row.Scan(&r.ID, &r.Task, &r.TemplateID, &status, &constraintsJSON, &dagJSON, &diagnosticsJSON,
		&r.CreatedAt, &r.StartedAt, &r.EndedAt, &r.Totals.PromptTokens, &r.Totals.CompletionTokens,
		&r.Totals.TotalTokens, &r.Totals.USD, &r.CancelRequested, &metadataJSON)
	if err != nil {
		if errNoRows(err) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	r.Status = store.RunStatus(status)
	if err := unmarshalInto(constraintsJSON, &r.Constraints); err != nil {
		return nil, err
	}
	if err := unmarshalInto(dagJSON, &r.DAG); err != nil {
		return nil, err
	}
	if err := unmarshalInto(diagnosticsJSON, &r.Diagnostics); err != nil {
		return nil, err
	}
	if err := unmarshalInto(metadataJSON, &r.Metadata); err != nil {
		return nil, err
	}
	return &r, nil
}

const runColumns = `id, task, template_id, status, constraints_json, dag_json, diagnostics_json,
	created_at, started_at, ended_at, total_prompt_tokens, total_completion_tokens, total_tokens,
	total_usd, cancel_requested, metadata_json`

func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return s.scanRun(row)
}

func (s *Store) ListRuns(ctx context.Context) ([]*store.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Run
	for rows.Next() {
		r, err := s.scanRunFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) scanRunFromRows(rows pgx.Rows) (*store.Run, error) {
	var r store.Run
	var status string
	var constraintsJSON, dagJSON, diagnosticsJSON, metadataJSON []byte
	err := rows.Scan(&r.ID, &r.Task, &r.TemplateID, &status, &constraintsJSON, &dagJSON, &diagnosticsJSON,
		&r.CreatedAt, &r.StartedAt, &r.EndedAt, &r.Totals.PromptTokens, &r.Totals.CompletionTokens,
		&r.Totals.TotalTokens, &r.Totals.USD, &r.CancelRequested, &metadataJSON)
	if err != nil {
		return nil, err
	}
	r.Status = store.RunStatus(status)
	if err := unmarshalInto(constraintsJSON, &r.Constraints); err != nil {
		return nil, err
	}
	if err := unmarshalInto(dagJSON, &r.DAG); err != nil {
		return nil, err
	}
	if err := unmarshalInto(diagnosticsJSON, &r.Diagnostics); err != nil {
		return nil, err
	}
	if err := unmarshalInto(metadataJSON, &r.Metadata); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateRun(ctx context.Context, r *store.Run) error {
	constraintsJSON, err := marshal(r.Constraints)
	if err != nil {
		return err
	}
	dagJSON, err := marshal(r.DAG)
	if err != nil {
		return err
	}
	diagnosticsJSON, err := marshal(r.Diagnostics)
	if err != nil {
		return err
	}
	metadataJSON, err := marshal(r.Metadata)
	if err != nil {
		return err
	}
	// Totals change only through IncrementRunTotals; the caller's copy may be stale.
	cmd, err := s.pool.Exec(ctx,
		`UPDATE runs SET task=$2, template_id=$3, status=$4, constraints_json=$5, dag_json=$6,
		 diagnostics_json=$7, started_at=$8, ended_at=$9, cancel_requested=$10,
		 metadata_json=$11 WHERE id = $1`,
		r.ID, r.Task, r.TemplateID, string(r.Status), constraintsJSON, dagJSON, diagnosticsJSON,
		r.StartedAt, r.EndedAt, r.CancelRequested, metadataJSON)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

// IncrementRunTotals issues a single atomic UPDATE ... SET x = x + $n,
// never reading the existing totals first, so concurrent executor ticks
// across goroutines (or processes) never lose an increment to a
// read-modify-write race.
func (s *Store) IncrementRunTotals(ctx context.Context, runID string, promptTokens, completionTokens, totalTokens int64, usd float64) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE runs SET total_prompt_tokens = total_prompt_tokens + $2,
		 total_completion_tokens = total_completion_tokens + $3,
		 total_tokens = total_tokens + $4,
		 total_usd = total_usd + $5
		 WHERE id = $1`,
		runID, promptTokens, completionTokens, totalTokens, usd)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

func (s *Store) AppendRunDiagnostic(ctx context.Context, runID string, d store.Diagnostic) error {
	entryJSON, err := marshal(d)
	if err != nil {
		return err
	}
	cmd, err := s.pool.Exec(ctx,
		`UPDATE runs SET diagnostics_json = COALESCE(diagnostics_json, '[]'::jsonb) || $2::jsonb WHERE id = $1`,
		runID, []byte("["+string(entryJSON)+"]"))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE runs SET cancel_requested = TRUE WHERE id = $1`, runID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

func (s *Store) IncompleteRuns(ctx context.Context) ([]*store.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status IN ($1, $2) ORDER BY created_at`,
		string(store.RunCreated), string(store.RunRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Run
	for rows.Next() {
		r, err := s.scanRunFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Steps ---

func (s *Store) UpsertStep(ctx context.Context, step *store.Step) error {
	if step.ID == "" {
		existing, err := s.GetStep(ctx, step.RunID, step.NodeID)
		if err == nil {
			step.ID = existing.ID
		} else {
			step.ID = "step-" + newID()
		}
	}
	inputJSON, err := marshal(step.Input)
	if err != nil {
		return err
	}
	outputJSON, err := marshal(step.Output)
	if err != nil {
		return err
	}
	errorJSON, err := marshal(step.Error)
	if err != nil {
		return err
	}
	costJSON, err := marshal(step.Cost)
	if err != nil {
		return err
	}
	logsJSON, err := marshal(step.Logs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO steps (id, run_id, node_id, status, attempts, max_retries, started_at, ended_at,
		 input_json, output_json, error_json, cost_json, logs_json)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (run_id, node_id) DO UPDATE SET
		   status = $4, attempts = $5, max_retries = $6, started_at = $7, ended_at = $8,
		   input_json = $9, output_json = $10, error_json = $11, cost_json = $12, logs_json = $13`,
		step.ID, step.RunID, step.NodeID, string(step.Status), step.Attempts, step.MaxRetries,
		step.StartedAt, step.EndedAt, inputJSON, outputJSON, errorJSON, costJSON, logsJSON)
	return err
}

const stepColumns = `id, run_id, node_id, status, attempts, max_retries, started_at, ended_at,
	input_json, output_json, error_json, cost_json, logs_json`

func (s *Store) scanStep(row pgx.Row) (*store.Step, error) {
	var st store.Step
	var status string
	var inputJSON, outputJSON, errorJSON, costJSON, logsJSON []byte
	err := row.Scan(&st.ID, &st.RunID, &st.NodeID, &status, &st.Attempts, &st.MaxRetries, &st.StartedAt,
		&st.EndedAt, &inputJSON, &outputJSON, &errorJSON, &costJSON, &logsJSON)
	if err != nil {
		if errNoRows(err) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	st.Status = store.StepStatus(status)
	if err := unmarshalInto(inputJSON, &st.Input); err != nil {
		return nil, err
	}
	if len(outputJSON) > 0 && string(outputJSON) != "null" {
		st.Output = &contracts.StepOutput{}
		if err := unmarshalInto(outputJSON, st.Output); err != nil {
			return nil, err
		}
	}
	if len(errorJSON) > 0 && string(errorJSON) != "null" {
		st.Error = &contracts.StepError{}
		if err := unmarshalInto(errorJSON, st.Error); err != nil {
			return nil, err
		}
	}
	if len(costJSON) > 0 && string(costJSON) != "null" {
		st.Cost = &store.Cost{}
		if err := unmarshalInto(costJSON, st.Cost); err != nil {
			return nil, err
		}
	}
	if err := unmarshalInto(logsJSON, &st.Logs); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) GetStep(ctx context.Context, runID, nodeID string) (*store.Step, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE run_id = $1 AND node_id = $2`, runID, nodeID)
	return s.scanStep(row)
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]*store.Step, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY node_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Step
	for rows.Next() {
		var st store.Step
		var status string
		var inputJSON, outputJSON, errorJSON, costJSON, logsJSON []byte
		if err := rows.Scan(&st.ID, &st.RunID, &st.NodeID, &status, &st.Attempts, &st.MaxRetries, &st.StartedAt,
			&st.EndedAt, &inputJSON, &outputJSON, &errorJSON, &costJSON, &logsJSON); err != nil {
			return nil, err
		}
		st.Status = store.StepStatus(status)
		if err := unmarshalInto(inputJSON, &st.Input); err != nil {
			return nil, err
		}
		if len(outputJSON) > 0 && string(outputJSON) != "null" {
			st.Output = &contracts.StepOutput{}
			if err := unmarshalInto(outputJSON, st.Output); err != nil {
				return nil, err
			}
		}
		if len(errorJSON) > 0 && string(errorJSON) != "null" {
			st.Error = &contracts.StepError{}
			if err := unmarshalInto(errorJSON, st.Error); err != nil {
				return nil, err
			}
		}
		if len(costJSON) > 0 && string(costJSON) != "null" {
			st.Cost = &store.Cost{}
			if err := unmarshalInto(costJSON, st.Cost); err != nil {
				return nil, err
			}
		}
		if err := unmarshalInto(logsJSON, &st.Logs); err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *Store) ResetStep(ctx context.Context, runID, nodeID string) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE steps SET status = $3, attempts = 0, output_json = NULL, error_json = NULL,
		 cost_json = NULL, started_at = '', ended_at = '' WHERE run_id = $1 AND node_id = $2`,
		runID, nodeID, string(store.StepPending))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

func (s *Store) ResetFailedSteps(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE steps SET status = $2, attempts = 0, output_json = NULL, error_json = NULL,
		 cost_json = NULL, started_at = '', ended_at = '' WHERE run_id = $1 AND status = $3`,
		runID, string(store.StepPending), string(store.StepFailed))
	return err
}

func (s *Store) MarkOpenStepsCanceled(ctx context.Context, runID string, stepErr contracts.StepError) error {
	errorJSON, err := marshal(stepErr)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE steps SET status = $2, error_json = $3, ended_at = $4
		 WHERE run_id = $1 AND status IN ($5, $6)`,
		runID, string(store.StepCanceled), errorJSON, nowRFC3339(), string(store.StepPending), string(store.StepRunning))
	return err
}

// --- Events ---

func (s *Store) AppendEvent(ctx context.Context, e *store.Event) error {
	if e.ID == "" {
		e.ID = "event-" + newID()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = nowRFC3339()
	}
	payloadJSON, err := marshal(e.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (id, run_id, step_id, event_type, payload_json, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.RunID, e.StepID, e.EventType, payloadJSON, e.CreatedAt)
	return err
}

func (s *Store) ListEvents(ctx context.Context, runID string, afterCreatedAt string) ([]*store.Event, error) {
	var rows pgx.Rows
	var err error
	if afterCreatedAt == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, run_id, step_id, event_type, payload_json, created_at FROM events
			 WHERE run_id = $1 ORDER BY created_at, id`, runID)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, run_id, step_id, event_type, payload_json, created_at FROM events
			 WHERE run_id = $1 AND created_at > $2 ORDER BY created_at, id`, runID, afterCreatedAt)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Event
	for rows.Next() {
		var e store.Event
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.StepID, &e.EventType, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalInto(payloadJSON, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Cost ledger ---

func (s *Store) AppendCostEntry(ctx context.Context, c *store.CostEntry) error {
	if c.ID == "" {
		c.ID = "cost-" + newID()
	}
	if c.CreatedAt == "" {
		c.CreatedAt = nowRFC3339()
	}
	metadataJSON, err := marshal(c.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO cost_ledger (id, run_id, step_id, app, provider, model, prompt_tokens,
		 completion_tokens, total_tokens, usd, metadata_json, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.RunID, c.StepID, c.App, c.Provider, c.Model, c.PromptTokens, c.CompletionTokens,
		c.TotalTokens, c.USD, metadataJSON, c.CreatedAt)
	return err
}

func (s *Store) ListCostEntries(ctx context.Context, runID string) ([]*store.CostEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, step_id, app, provider, model, prompt_tokens, completion_tokens,
		 total_tokens, usd, metadata_json, created_at FROM cost_ledger WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.CostEntry
	for rows.Next() {
		var c store.CostEntry
		var metadataJSON []byte
		if err := rows.Scan(&c.ID, &c.RunID, &c.StepID, &c.App, &c.Provider, &c.Model, &c.PromptTokens,
			&c.CompletionTokens, &c.TotalTokens, &c.USD, &metadataJSON, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalInto(metadataJSON, &c.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
