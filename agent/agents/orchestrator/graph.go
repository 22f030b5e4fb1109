package orchestrator

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"
	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	nodex "github.com/tanpawarit/chative-voice-orchestrator/agent/nodes"
)

func (o *Orchestrator) compileStepGraph(
	ctx context.Context,
) (compose.Runnable[nodex.GraphInput, contractx.StepOutput], error) {
	graph := compose.NewGraph[nodex.GraphInput, contractx.StepOutput]()

	if err := graph.AddLambdaNode("validate_event",
		compose.InvokableLambda(func(ctx context.Context, in nodex.GraphInput) (*nodex.GraphState, error) {
			return nodex.ValidateEvent(in, o.now)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node validate_event: %w", err)
	}

	if err := graph.AddLambdaNode("load_session",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.LoadSession(ctx, in, o.store)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node load_session: %w", err)
	}

	if err := graph.AddLambdaNode("apply_event",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.ApplyEvent(ctx, in, o.store)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node apply_event: %w", err)
	}

	if err := graph.AddLambdaNode("run_turn",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return o.runTurn(ctx, in)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node run_turn: %w", err)
	}

	if err := graph.AddLambdaNode("finalize_output",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (contractx.StepOutput, error) {
			return nodex.FinalizeOutput(in)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node finalize_output: %w", err)
	}

	edges := [][2]string{
		{compose.START, "validate_event"},
		{"validate_event", "load_session"},
		{"load_session", "apply_event"},
		{"apply_event", "run_turn"},
		{"run_turn", "finalize_output"},
		{"finalize_output", compose.END},
	}

	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("orchestrator.step"))
	if err != nil {
		return nil, fmt.Errorf("compile orchestrator graph: %w", err)
	}
	return runner, nil
}
