package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	statex "github.com/tanpawarit/chative-voice-orchestrator/agent/state"
)

const (
	EndCallTool = "end_call"

	defaultFarewell = "Thanks so much for your time. Have a great day!"
	pendingResult   = `{"error":{"kind":"pending","message":"no result was recorded for this call"}}`
)

// EndCallSpec is the pseudo-tool the model calls to hang up.
func EndCallSpec() contractx.ToolSpec {
	return contractx.ToolSpec{
		Name:        EndCallTool,
		Description: "End the phone call. Use it once the conversation is finished, after the caller has said goodbye or asked to stop.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"farewell": map[string]any{
					"type":        "string",
					"description": "Last sentence to say before hanging up",
				},
				"outcome": map[string]any{
					"type":        "string",
					"description": "How the call ended",
					"enum":        []any{"demo_booked", "not_interested", "callback_requested", "voicemail", "wrong_person", "completed"},
				},
			},
			"required": []any{"farewell", "outcome"},
		},
	}
}

// TranscriptMessages projects the session transcript into chat messages. Each
// tool_dispatch becomes an assistant tool-call message immediately followed by its
// results in completion order, so utterances that arrived while the batch was in
// flight never split a call from its result.
func TranscriptMessages(req contractx.DecisionRequest) []*schema.Message {
	results := make(map[string]statex.Entry)
	for _, e := range req.Transcript {
		if e.Kind == statex.KindToolResult {
			results[e.CallID] = e
		}
	}

	out := make([]*schema.Message, 0, len(req.Transcript))
	for _, e := range req.Transcript {
		switch e.Kind {
		case statex.KindContext:
			out = append(out, schema.SystemMessage(e.Content))
		case statex.KindUtterance:
			out = append(out, schema.UserMessage(e.Content))
		case statex.KindSpeech:
			out = append(out, schema.AssistantMessage(e.Content, nil))
		case statex.KindToolDispatch:
			out = append(out, dispatchMessages(e, req.ToolCalls, results)...)
		}
	}
	return out
}

func dispatchMessages(e statex.Entry, calls map[string]*statex.ToolCall, results map[string]statex.Entry) []*schema.Message {
	toolCalls := make([]schema.ToolCall, 0, len(e.CallIDs))
	for _, id := range e.CallIDs {
		name := ""
		args := "{}"
		if tc := calls[id]; tc != nil {
			name = tc.ToolName
			if len(tc.Arguments) > 0 {
				if raw, err := json.Marshal(tc.Arguments); err == nil {
					args = string(raw)
				}
			}
		}
		toolCalls = append(toolCalls, schema.ToolCall{
			ID:       id,
			Type:     "function",
			Function: schema.FunctionCall{Name: name, Arguments: args},
		})
	}
	out := []*schema.Message{schema.AssistantMessage("", toolCalls)}

	done := make([]statex.Entry, 0, len(e.CallIDs))
	var missing []string
	for _, id := range e.CallIDs {
		if r, ok := results[id]; ok {
			done = append(done, r)
		} else {
			missing = append(missing, id)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].Seq < done[j].Seq })
	for _, r := range done {
		out = append(out, schema.ToolMessage(r.Content, r.CallID))
	}
	for _, id := range missing {
		out = append(out, schema.ToolMessage(pendingResult, id))
	}
	return out
}

// DecisionFromMessage maps a model reply onto speak, invoke or end. end_call is
// only honoured when it is the sole requested tool.
func DecisionFromMessage(msg *schema.Message) (contractx.Decision, error) {
	if msg == nil {
		return contractx.Decision{}, fmt.Errorf("%w: empty model response", contractx.ErrSchemaViolation)
	}

	if len(msg.ToolCalls) > 0 {
		calls := make([]contractx.ToolInvocation, 0, len(msg.ToolCalls))
		var end *contractx.Decision
		for _, call := range msg.ToolCalls {
			name := strings.TrimSpace(call.Function.Name)
			if name == "" {
				return contractx.Decision{}, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
			}
			args := map[string]any{}
			if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return contractx.Decision{}, fmt.Errorf("%w: invalid tool args for tool=%s: %v", contractx.ErrSchemaViolation, name, err)
				}
			}
			if name == EndCallTool {
				end = endDecision(args, msg.Content)
				continue
			}
			calls = append(calls, contractx.ToolInvocation{ToolName: name, Arguments: args})
		}
		if len(calls) > 0 {
			return contractx.Decision{Kind: contractx.DecisionInvoke, Calls: calls}, nil
		}
		return *end, nil
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return contractx.Decision{}, fmt.Errorf("%w: model returned neither text nor tool calls", contractx.ErrSchemaViolation)
	}
	return contractx.Decision{Kind: contractx.DecisionSpeak, Text: content}, nil
}

func endDecision(args map[string]any, content string) *contractx.Decision {
	farewell, _ := args["farewell"].(string)
	farewell = strings.TrimSpace(farewell)
	if farewell == "" {
		farewell = strings.TrimSpace(content)
	}
	if farewell == "" {
		farewell = defaultFarewell
	}
	outcome, _ := args["outcome"].(string)
	if strings.TrimSpace(outcome) == "" {
		outcome = "completed"
	}
	return &contractx.Decision{Kind: contractx.DecisionEnd, Text: farewell, Outcome: outcome}
}
