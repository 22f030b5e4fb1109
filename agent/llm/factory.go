package llm

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	openrouterx "github.com/tanpawarit/chative-voice-orchestrator/pkg/openrouter"
)

// NewDecider builds the decider for the configured backend. The eino backend
// binds tools once at construction; the openai backend reads them per request.
func NewDecider(ctx context.Context, cfg Config, systemPrompt string, tools []contractx.ToolSpec) (contractx.Decider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	provider := cfg.OpenRouter()

	switch cfg.backend() {
	case BackendOpenAI:
		return NewOpenAIDecider(openrouterx.NewClient(provider), cfg, systemPrompt)
	default:
		chatModel, err := provider.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
		}
		return NewEinoDecider(ctx, chatModel, systemPrompt, tools)
	}
}
