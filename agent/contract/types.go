package contract

import (
	"encoding/json"
	"time"

	statex "github.com/tanpawarit/chative-voice-orchestrator/agent/state"
)

type DecisionKind string

const (
	DecisionSpeak  DecisionKind = "speak"
	DecisionInvoke DecisionKind = "invoke"
	DecisionEnd    DecisionKind = "end"
)

// ToolInvocation is one tool call requested by the model. Call ids are assigned by
// the engine, never by the model.
type ToolInvocation struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type Decision struct {
	Kind  DecisionKind     `json:"kind"`
	Text  string           `json:"text,omitempty"`
	Calls []ToolInvocation `json:"calls,omitempty"`
	// Outcome is set on end decisions, e.g. demo_booked or not_interested.
	Outcome string `json:"outcome,omitempty"`
}

// ToolSpec is the model-facing view of a registry descriptor.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolResult is a successful tool call. Duplicate is set when the provider
// reported the call id as already processed.
type ToolResult struct {
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

type DecisionRequest struct {
	SessionID  string                      `json:"session_id"`
	Metadata   map[string]string           `json:"metadata,omitempty"`
	Transcript []statex.Entry              `json:"transcript"`
	ToolCalls  map[string]*statex.ToolCall `json:"tool_calls,omitempty"`
	Tools      []ToolSpec                  `json:"tools"`
	Now        time.Time                   `json:"now"`
}

type EventType string

const (
	EventCallStarted EventType = "call_started"
	EventUtterance   EventType = "utterance"
	EventCallEnded   EventType = "call_ended"
)

type Event struct {
	Type     EventType         `json:"type"`
	Text     string            `json:"text,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Summary  string            `json:"summary,omitempty"`
}

type StepOutput struct {
	SessionID string        `json:"session_id"`
	Text      string        `json:"text,omitempty"`
	Status    statex.Status `json:"status"`
	EndCall   bool          `json:"end_call,omitempty"`
	NoOp      bool          `json:"no_op,omitempty"`
}

// CallOutcome is handed to the post-call workflow once a call ends.
type CallOutcome struct {
	SessionID  string            `json:"call_id"`
	LeadID     string            `json:"lead_id,omitempty"`
	Outcome    string            `json:"outcome"`
	Reason     string            `json:"reason,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	DurationS  int64             `json:"duration_seconds"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EndedAt    time.Time         `json:"ended_at"`
}
