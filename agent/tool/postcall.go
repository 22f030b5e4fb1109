package tool

import (
	"context"
	"encoding/json"
	"fmt"

	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	qstashx "github.com/tanpawarit/chative-voice-orchestrator/pkg/qstash"
)

const PostCallTool = "log_call_outcome"

// PostCallCallID is stable per session so redelivered outcomes are deduplicated
// by the workflow provider.
func PostCallCallID(sessionID string) string {
	return "post_call_" + sessionID
}

func PostCallArguments(o contractx.CallOutcome) map[string]any {
	args := map[string]any{
		"call_id":          o.SessionID,
		"outcome":          o.Outcome,
		"duration_seconds": o.DurationS,
	}
	for k, v := range map[string]string{
		"lead_id":      o.LeadID,
		"summary":      o.Summary,
		"transcript":   o.Transcript,
		"ended_reason": o.Reason,
	} {
		if v != "" {
			args[k] = v
		}
	}
	return args
}

// DirectPostCall reports the outcome through the internal log_call_outcome tool.
type DirectPostCall struct {
	invoker contractx.ToolInvoker
}

var _ contractx.WorkflowTrigger = (*DirectPostCall)(nil)

func NewDirectPostCall(invoker contractx.ToolInvoker) *DirectPostCall {
	return &DirectPostCall{invoker: invoker}
}

func (t *DirectPostCall) TriggerPostCall(ctx context.Context, o contractx.CallOutcome) error {
	_, err := t.invoker.Invoke(ctx, PostCallTool, PostCallCallID(o.SessionID), PostCallArguments(o))
	return err
}

type Publisher interface {
	Publish(ctx context.Context, msg qstashx.Message) (qstashx.PublishResponse, error)
}

// QueuedPostCall publishes the log_call_outcome envelope to QStash, which
// delivers it to the workflow provider with retries.
type QueuedPostCall struct {
	publisher Publisher
	registry  *Registry
}

var _ contractx.WorkflowTrigger = (*QueuedPostCall)(nil)

func NewQueuedPostCall(publisher Publisher, registry *Registry) *QueuedPostCall {
	return &QueuedPostCall{publisher: publisher, registry: registry}
}

func (t *QueuedPostCall) TriggerPostCall(ctx context.Context, o contractx.CallOutcome) error {
	d, err := t.registry.Resolve(PostCallTool)
	if err != nil {
		return err
	}
	args := PostCallArguments(o)
	if err := t.registry.ValidateArguments(d, args); err != nil {
		return err
	}

	callID := PostCallCallID(o.SessionID)
	body, err := json.Marshal(envelope{CallID: callID, ToolName: d.Name, Arguments: args})
	if err != nil {
		return fmt.Errorf("encode post-call envelope: %w", err)
	}

	headers := map[string]string{"Idempotency-Key": callID}
	if p, ok := t.registry.Provider(d.Provider); ok && p.Token != "" {
		headers["Authorization"] = "Bearer " + p.Token
	}
	_, err = t.publisher.Publish(ctx, qstashx.Message{
		Destination:     d.Endpoint,
		Body:            body,
		DeduplicationID: o.SessionID,
		ForwardHeaders:  headers,
	})
	return err
}
