package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	promptx "github.com/tanpawarit/chative-voice-orchestrator/agent/prompt"
	toolx "github.com/tanpawarit/chative-voice-orchestrator/agent/tool"
)

// EinoDecider runs the system prompt and transcript through a compiled eino
// graph bound to the registry's tool catalog.
type EinoDecider struct {
	runner compose.Runnable[map[string]any, *schema.Message]
}

var _ contractx.Decider = (*EinoDecider)(nil)

func NewEinoDecider(
	ctx context.Context,
	chatModel einomodel.ToolCallingChatModel,
	systemPrompt string,
	tools []contractx.ToolSpec,
) (*EinoDecider, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, contractx.ErrPromptMissing
	}

	specs := append(append([]contractx.ToolSpec{}, tools...), EndCallSpec())
	toolModel, err := chatModel.WithTools(toolx.ToolInfos(specs))
	if err != nil {
		return nil, fmt.Errorf("%w: bind tools: %v", contractx.ErrModelInvoke, err)
	}
	runner, err := compileDecisionGraph(ctx, toolModel, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}
	return &EinoDecider{runner: runner}, nil
}

func compileDecisionGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
) (compose.Runnable[map[string]any, *schema.Message], error) {
	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.MessagesPlaceholder("transcript", false),
	)

	graph := compose.NewGraph[map[string]any, *schema.Message]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add decision prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add decision model node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add decision edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add decision edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, fmt.Errorf("add decision edge model->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("voice.decision_graph"))
	if err != nil {
		return nil, fmt.Errorf("compile decision graph: %w", err)
	}
	return runner, nil
}

func (d *EinoDecider) Decide(ctx context.Context, req contractx.DecisionRequest) (contractx.Decision, error) {
	vars := promptx.Variables(req.Metadata, req.Now)
	vars["transcript"] = TranscriptMessages(req)

	msg, err := d.runner.Invoke(ctx, vars)
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: decision invoke: %v", contractx.ErrModelInvoke, err)
	}
	return DecisionFromMessage(msg)
}
