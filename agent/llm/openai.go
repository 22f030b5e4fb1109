package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	openaisdk "github.com/openai/openai-go"
	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	promptx "github.com/tanpawarit/chative-voice-orchestrator/agent/prompt"
)

// OpenAIDecider calls chat completions directly through openai-go. Tools come
// from each request rather than being bound once.
type OpenAIDecider struct {
	client       *openaisdk.Client
	model        string
	maxTokens    int
	temperature  float32
	systemPrompt string
}

var _ contractx.Decider = (*OpenAIDecider)(nil)

func NewOpenAIDecider(client *openaisdk.Client, cfg Config, systemPrompt string) (*OpenAIDecider, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, contractx.ErrPromptMissing
	}
	return &OpenAIDecider{
		client:       client,
		model:        strings.TrimSpace(cfg.Model),
		maxTokens:    cfg.MaxCompletionToken,
		temperature:  cfg.Temperature,
		systemPrompt: systemPrompt,
	}, nil
}

func (d *OpenAIDecider) Decide(ctx context.Context, req contractx.DecisionRequest) (contractx.Decision, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(d.model),
		Messages: openAIMessages(renderSystemPrompt(d.systemPrompt, promptx.Variables(req.Metadata, req.Now)), TranscriptMessages(req)),
		Tools:    openAITools(append(append([]contractx.ToolSpec{}, req.Tools...), EndCallSpec())),
	}
	if d.maxTokens > 0 {
		params.MaxCompletionTokens = openaisdk.Int(int64(d.maxTokens))
	}
	if d.temperature >= 0 {
		params.Temperature = openaisdk.Float(float64(d.temperature))
	}

	resp, err := d.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: chat completion: %v", contractx.ErrModelInvoke, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return contractx.Decision{}, fmt.Errorf("%w: chat completion has no choices", contractx.ErrSchemaViolation)
	}

	choice := resp.Choices[0].Message
	msg := &schema.Message{Role: schema.Assistant, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: schema.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return DecisionFromMessage(msg)
}

func renderSystemPrompt(tpl string, vars map[string]any) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(v))
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

func openAIMessages(system string, msgs []*schema.Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	out = append(out, openaisdk.SystemMessage(system))
	for _, m := range msgs {
		switch m.Role {
		case schema.System:
			out = append(out, openaisdk.SystemMessage(m.Content))
		case schema.User:
			out = append(out, openaisdk.UserMessage(m.Content))
		case schema.Tool:
			out = append(out, openaisdk.ToolMessage(m.Content, m.ToolCallID))
		case schema.Assistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openaisdk.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openaisdk.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, openaisdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			out = append(out, openaisdk.ChatCompletionMessageParamUnion{
				OfAssistant: &openaisdk.ChatCompletionAssistantMessageParam{ToolCalls: calls},
			})
		}
	}
	return out
}

func openAITools(specs []contractx.ToolSpec) []openaisdk.ChatCompletionToolParam {
	out := make([]openaisdk.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openaisdk.ChatCompletionToolParam{
			Function: openaisdk.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openaisdk.String(spec.Description),
				Parameters:  openaisdk.FunctionParameters(params),
			},
		})
	}
	return out
}
