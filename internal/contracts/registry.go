package contracts

// outputSchemaRegistry maps a node id to the output schema it must validate
// against. Every registered and unregistered node shares the same Generic
// shape today (summary, confidence, artifacts) but the registry is kept
// distinct per node id so a future node type can diverge without touching
// callers.
var outputSchemaRegistry = map[string]string{
	"understand_task":     "planner",
	"execute_task":        "executor",
	"synthesize_results":  "generic",
}

// SchemaFor returns the schema name registered for nodeID, defaulting to
// "generic" for any node id with no explicit entry.
func SchemaFor(nodeID string) string {
	if schema, ok := outputSchemaRegistry[nodeID]; ok {
		return schema
	}
	return "generic"
}

// ValidateOutput validates output against the schema registered for nodeID.
// All three schema variants share identical field-level constraints today;
// the schema name is reported in validation errors to aid debugging.
func ValidateOutput(nodeID string, output StepOutput) error {
	if err := output.Validate(); err != nil {
		return &validationError{msg: SchemaFor(nodeID) + " output schema: " + err.Error()}
	}
	return nil
}
