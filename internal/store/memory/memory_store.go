// Package memory implements an in-process store.Repository: mutex-guarded
// maps with defensive copies on read and write, so no caller can mutate the
// store by holding a pointer into it.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskflow-orchestrator/internal/contracts"
	"taskflow-orchestrator/internal/store"
	pkgerrors "taskflow-orchestrator/pkg/errors"
)

type stepKey struct {
	runID  string
	nodeID string
}

// Store is an in-memory store.Repository, safe for concurrent use. It is
// intended for tests and single-process deployments; internal/store/postgres
// is the durable implementation for anything that must survive a restart.
type Store struct {
	mu          sync.RWMutex
	templates   map[string]*store.Template
	runs        map[string]*store.Run
	steps       map[stepKey]*store.Step
	events      map[string][]*store.Event
	costEntries map[string][]*store.CostEntry
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{
		templates:   make(map[string]*store.Template),
		runs:        make(map[string]*store.Run),
		steps:       make(map[stepKey]*store.Step),
		events:      make(map[string][]*store.Event),
		costEntries: make(map[string][]*store.CostEntry),
	}
}

var _ store.Repository = (*Store)(nil)

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func nowRFC3339() string { return time.Now().UTC().Format(timeLayout) }

func cloneRun(r *store.Run) *store.Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.DAG = r.DAG.Clone()
	cp.Diagnostics = append([]store.Diagnostic(nil), r.Diagnostics...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneStep(s *store.Step) *store.Step {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Input != nil {
		cp.Input = make(map[string]any, len(s.Input))
		for k, v := range s.Input {
			cp.Input[k] = v
		}
	}
	if s.Output != nil {
		out := *s.Output
		cp.Output = &out
	}
	if s.Error != nil {
		errCopy := *s.Error
		cp.Error = &errCopy
	}
	if s.Cost != nil {
		costCopy := *s.Cost
		cp.Cost = &costCopy
	}
	cp.Logs = append([]string(nil), s.Logs...)
	return &cp
}

func cloneTemplate(t *store.Template) *store.Template {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Graph = t.Graph.Clone()
	return &cp
}

// --- Templates ---

func (s *Store) CreateTemplate(ctx context.Context, t *store.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = "template-" + uuid.New().String()
	}
	now := nowRFC3339()
	if t.CreatedAt == "" {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.templates[t.ID] = cloneTemplate(t)
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*store.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	return cloneTemplate(t), nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]*store.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, cloneTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt < out[j].UpdatedAt })
	return out, nil
}

func (s *Store) LatestTemplate(ctx context.Context) (*store.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *store.Template
	for _, t := range s.templates {
		if best == nil || t.UpdatedAt > best.UpdatedAt {
			best = t
		}
	}
	if best == nil {
		return nil, pkgerrors.ErrNotFound
	}
	return cloneTemplate(best), nil
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, r *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = "run-" + uuid.New().String()
	}
	if r.CreatedAt == "" {
		r.CreatedAt = nowRFC3339()
	}
	if r.Status == "" {
		r.Status = store.RunCreated
	}
	s.runs[r.ID] = cloneRun(r)
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	return cloneRun(r), nil
}

func (s *Store) ListRuns(ctx context.Context) ([]*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) UpdateRun(ctx context.Context, r *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[r.ID]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	cp := cloneRun(r)
	// Totals change only through IncrementRunTotals; the caller's copy may be stale.
	cp.Totals = existing.Totals
	s.runs[r.ID] = cp
	return nil
}

// IncrementRunTotals performs a single locked read-add-write on the totals
// fields only, never touching the rest of the run, so it never clobbers a
// concurrent UpdateRun of unrelated fields performed between a caller's
// GetRun and its own write.
func (s *Store) IncrementRunTotals(ctx context.Context, runID string, promptTokens, completionTokens, totalTokens int64, usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	r.Totals.PromptTokens += promptTokens
	r.Totals.CompletionTokens += completionTokens
	r.Totals.TotalTokens += totalTokens
	r.Totals.USD += usd
	return nil
}

func (s *Store) AppendRunDiagnostic(ctx context.Context, runID string, d store.Diagnostic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	r.Diagnostics = append(r.Diagnostics, d)
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	r.CancelRequested = true
	return nil
}

func (s *Store) IncompleteRuns(ctx context.Context) ([]*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Run
	for _, r := range s.runs {
		if r.Status == store.RunCreated || r.Status == store.RunRunning {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// --- Steps ---

func (s *Store) UpsertStep(ctx context.Context, step *store.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey{runID: step.RunID, nodeID: step.NodeID}
	if step.ID == "" {
		if existing, ok := s.steps[key]; ok {
			step.ID = existing.ID
		} else {
			step.ID = "step-" + uuid.New().String()
		}
	}
	s.steps[key] = cloneStep(step)
	return nil
}

func (s *Store) GetStep(ctx context.Context, runID, nodeID string) (*store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.steps[stepKey{runID: runID, nodeID: nodeID}]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	return cloneStep(st), nil
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]*store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Step
	for k, st := range s.steps {
		if k.runID == runID {
			out = append(out, cloneStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *Store) ResetStep(ctx context.Context, runID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey{runID: runID, nodeID: nodeID}
	st, ok := s.steps[key]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	st.Status = store.StepPending
	st.Attempts = 0
	st.Output = nil
	st.Error = nil
	st.Cost = nil
	st.StartedAt = ""
	st.EndedAt = ""
	return nil
}

func (s *Store) ResetFailedSteps(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, st := range s.steps {
		if k.runID == runID && st.Status == store.StepFailed {
			st.Status = store.StepPending
			st.Attempts = 0
			st.Output = nil
			st.Error = nil
			st.Cost = nil
			st.StartedAt = ""
			st.EndedAt = ""
		}
	}
	return nil
}

func (s *Store) MarkOpenStepsCanceled(ctx context.Context, runID string, stepErr contracts.StepError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowRFC3339()
	for k, st := range s.steps {
		if k.runID != runID {
			continue
		}
		if st.Status == store.StepPending || st.Status == store.StepRunning {
			st.Status = store.StepCanceled
			errCopy := stepErr
			st.Error = &errCopy
			st.EndedAt = now
		}
	}
	return nil
}

// --- Events ---

func (s *Store) AppendEvent(ctx context.Context, e *store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = "event-" + uuid.New().String()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = nowRFC3339()
	}
	cp := *e
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	s.events[e.RunID] = append(s.events[e.RunID], &cp)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, runID string, afterCreatedAt string) ([]*store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[runID]
	out := make([]*store.Event, 0, len(src))
	for _, e := range src {
		if afterCreatedAt != "" && e.CreatedAt <= afterCreatedAt {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// --- Cost ledger ---

func (s *Store) AppendCostEntry(ctx context.Context, c *store.CostEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = "cost-" + uuid.New().String()
	}
	if c.CreatedAt == "" {
		c.CreatedAt = nowRFC3339()
	}
	cp := *c
	s.costEntries[c.RunID] = append(s.costEntries[c.RunID], &cp)
	return nil
}

func (s *Store) ListCostEntries(ctx context.Context, runID string) ([]*store.CostEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.costEntries[runID]
	out := make([]*store.CostEntry, len(src))
	for i, c := range src {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}
