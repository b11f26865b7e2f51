// Package store defines the durable data model (Run, Step, Event, CostEntry,
// Template) and the Repository interface the rest of the orchestrator
// depends on.
package store

import "taskflow-orchestrator/internal/contracts"

// RunStatus is a run's lifecycle state.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// StepStatus is a step's lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCanceled  StepStatus = "canceled"
)

// Node is one DAG node embedded in a Run's DAG snapshot.
type Node struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description"`
	DependsOn   []string              `json:"depends_on"`
	Status      StepStatus            `json:"status"`
	LastOutput  *contracts.StepOutput `json:"last_output"`
	LastError   *contracts.StepError  `json:"last_error"`
}

// Edge is a directed DAG edge.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// DAG is the run's graph snapshot: nodes, edges, per-node contracts, and
// planner notes.
type DAG struct {
	Nodes        []Node                            `json:"nodes"`
	Edges        []Edge                            `json:"edges"`
	Contracts    map[string]contracts.StepContract `json:"contracts"`
	PlannerNotes string                            `json:"planner_notes,omitempty"`
}

// Clone deep-copies a DAG so the planner/reflection components never mutate
// a template or another goroutine's view by reference.
func (d DAG) Clone() DAG {
	out := DAG{
		Nodes:        make([]Node, len(d.Nodes)),
		Edges:        make([]Edge, len(d.Edges)),
		Contracts:    make(map[string]contracts.StepContract, len(d.Contracts)),
		PlannerNotes: d.PlannerNotes,
	}
	for i, n := range d.Nodes {
		nc := n
		nc.DependsOn = append([]string(nil), n.DependsOn...)
		out.Nodes[i] = nc
	}
	copy(out.Edges, d.Edges)
	for k, v := range d.Contracts {
		vc := v
		vc.AllowedTools = append([]string(nil), v.AllowedTools...)
		out.Contracts[k] = vc
	}
	return out
}

// Constraints bounds a run's budget, deadline, step count, and reflection cadence.
type Constraints struct {
	BudgetUSD               float64 `json:"budget_usd"`
	TimeoutS                int     `json:"timeout_s"`
	MaxSteps                int     `json:"max_steps"`
	ReflectionIntervalSteps int     `json:"reflection_interval_steps"`
}

// Diagnostic is one reflection decision recorded on a run.
type Diagnostic struct {
	Reason      string                          `json:"reason"`
	FailureMode contracts.ReflectionFailureMode `json:"failure_mode"`
	ActionTaken contracts.ReflectionAction      `json:"action_taken"`
}

// Totals tracks a run's monotonically increasing token/cost aggregates.
type Totals struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	USD              float64 `json:"usd"`
}

// Run is the durable record of one DAG execution.
type Run struct {
	ID              string
	Task            string
	TemplateID      string
	Status          RunStatus
	Constraints     Constraints
	DAG             DAG
	Diagnostics     []Diagnostic
	Totals          Totals
	CreatedAt       string
	StartedAt       string
	EndedAt         string
	CancelRequested bool
	Metadata        map[string]any
}

// Step is one execution attempt-group for a single DAG node within a run.
type Step struct {
	ID         string
	RunID      string
	NodeID     string
	Status     StepStatus
	Attempts   int
	MaxRetries int
	StartedAt  string
	EndedAt    string
	Input      map[string]any
	Output     *contracts.StepOutput
	Error      *contracts.StepError
	Cost       *Cost
	Logs       []string
}

// Cost is a single model call's token/usd accounting, embedded on a Step and
// duplicated (append-only) into the cost ledger.
type Cost struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	USD              float64 `json:"usd"`
}

// Event is an append-only, totally-ordered-within-a-run notification.
type Event struct {
	ID        string
	RunID     string
	StepID    string
	EventType string
	Payload   map[string]any
	CreatedAt string
}

// CostEntry is one append-only cost-ledger row.
type CostEntry struct {
	ID               string
	RunID            string
	StepID           string
	App              string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	USD              float64
	Metadata         map[string]any
	CreatedAt        string
}

// Template is a reusable (graph, contracts) pair a run is planned from.
type Template struct {
	ID          string
	Name        string
	Version     string
	Description string
	Graph       DAG
	CreatedAt   string
	UpdatedAt   string
}
