package contract

import (
	"context"
)

// Decider asks the model for the next action given the accumulated context.
type Decider interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, error)
}

// ToolInvoker performs one tool call against its provider. Implementations return
// *ToolError for every failure.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, callID string, args map[string]any) (ToolResult, error)
}

// ToolCatalog lists the tools the model may request.
type ToolCatalog interface {
	Catalog() []ToolSpec
}

type WorkflowTrigger interface {
	TriggerPostCall(ctx context.Context, outcome CallOutcome) error
}
