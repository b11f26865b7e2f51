// Package templates holds the workflow template a fresh deployment is
// seeded with.
package templates

import (
	"taskflow-orchestrator/internal/contracts"
	"taskflow-orchestrator/internal/store"
)

// DefaultTemplateID identifies the seed template.
const DefaultTemplateID = "template.default.v1"

// DefaultTemplate returns the baseline three-node linear DAG: understand
// the task, execute it, synthesize results.
func DefaultTemplate() *store.Template {
	graph := store.DAG{
		Nodes: []store.Node{
			{
				ID:          "understand_task",
				Name:        "Understand Task",
				Description: "Clarify objective, constraints, and success criteria.",
				DependsOn:   []string{},
				Status:      store.StepPending,
			},
			{
				ID:          "execute_task",
				Name:        "Execute Task",
				Description: "Perform core execution work to satisfy the user request.",
				DependsOn:   []string{"understand_task"},
				Status:      store.StepPending,
			},
			{
				ID:          "synthesize_results",
				Name:        "Synthesize Results",
				Description: "Assemble outputs into final response artifacts.",
				DependsOn:   []string{"execute_task"},
				Status:      store.StepPending,
			},
		},
		Edges: []store.Edge{
			{Source: "understand_task", Target: "execute_task"},
			{Source: "execute_task", Target: "synthesize_results"},
		},
		Contracts: map[string]contracts.StepContract{
			"understand_task": {
				AllowedTools:    []string{"llm.generate"},
				TimeoutS:        30,
				MaxRetries:      1,
				ModelPreference: contracts.PreferenceCheap,
			},
			"execute_task": {
				AllowedTools:    []string{"llm.generate"},
				TimeoutS:        30,
				MaxRetries:      2,
				ModelPreference: contracts.PreferenceDefault,
			},
			"synthesize_results": {
				AllowedTools:    []string{"llm.generate"},
				TimeoutS:        30,
				MaxRetries:      1,
				ModelPreference: contracts.PreferenceExpensive,
			},
		},
	}
	return &store.Template{
		ID:          DefaultTemplateID,
		Name:        "Default Taskflow Template",
		Version:     "1.0.0",
		Description: "A baseline linear DAG for planning, execution, and synthesis.",
		Graph:       graph,
	}
}

// Seed returns the templates a fresh deployment should be created with.
func Seed() []*store.Template {
	return []*store.Template{DefaultTemplate()}
}
