package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session is the persistent source-of-truth for one active phone call.
// - Transcript is append-only; Seq is the index of the entry.
// - ToolCalls is never pruned, it doubles as the retry dedup ledger.
type Session struct {
	// Identity
	SessionID string            `json:"session_id"`
	Version   int64             `json:"version"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	Status           Status               `json:"status"`
	TurnCount        int                  `json:"turn_count"`
	Transcript       []Entry              `json:"transcript,omitempty"`
	ToolCalls        map[string]*ToolCall `json:"tool_calls,omitempty"`
	PendingToolCalls []string             `json:"pending_tool_calls,omitempty"`
	LastResponse     string               `json:"last_response,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Status string

const (
	StatusActive       Status = "active"
	StatusAwaitingTool Status = "awaiting_tool"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type EntryKind string

const (
	KindContext      EntryKind = "context"
	KindUtterance    EntryKind = "utterance"
	KindSpeech       EntryKind = "speech"
	KindToolDispatch EntryKind = "tool_dispatch"
	KindToolResult   EntryKind = "tool_result"
	KindSummary      EntryKind = "summary"
	KindEvent        EntryKind = "event"
)

type Entry struct {
	Seq     int       `json:"seq"`
	Role    Role      `json:"role"`
	Kind    EntryKind `json:"kind"`
	Content string    `json:"content,omitempty"`

	// Dispatch order of a tool batch.
	CallIDs []string `json:"call_ids,omitempty"`
	// Set on tool results.
	CallID   string `json:"call_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`

	At time.Time `json:"at"`
}

type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallInFlight  ToolCallStatus = "in_flight"
	ToolCallSucceeded ToolCallStatus = "succeeded"
	ToolCallFailed    ToolCallStatus = "failed"
)

type ToolCall struct {
	CallID        string          `json:"call_id"`
	ToolName      string          `json:"tool_name"`
	Arguments     map[string]any  `json:"arguments,omitempty"`
	AttemptCount  int             `json:"attempt_count"`
	Status        ToolCallStatus  `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ToolCallError  `json:"error,omitempty"`
	DispatchIndex int             `json:"dispatch_index"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   time.Time       `json:"completed_at,omitempty"`
}

type ToolCallError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (c *ToolCall) IsResolved() bool {
	return c != nil && (c.Status == ToolCallSucceeded || c.Status == ToolCallFailed)
}

/* ------------------------------ Transitions ------------------------------ */

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrToolCallNotFound  = errors.New("tool call not found")
	ErrDuplicateCallID   = errors.New("duplicate tool call id")
)

// CanTransition reports whether from -> to is legal. Terminal states are sinks and
// the only reversible edge is active <-> awaiting_tool. Staying put is always legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusActive:
		return to == StatusAwaitingTool || to == StatusCompleted || to == StatusFailed
	case StatusAwaitingTool:
		return to == StatusActive || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

func NewSession(sessionID string, now time.Time) *Session {
	return &Session{
		SessionID:      sessionID,
		Status:         StatusActive,
		Metadata:       make(map[string]string, 4),
		ToolCalls:      make(map[string]*ToolCall, 4),
		CreatedAt:      now.UTC(),
		LastActivityAt: now.UTC(),
	}
}

func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now.UTC()
}

// EnsureMaps makes sure the map fields are initialized after decoding.
func (s *Session) EnsureMaps() {
	if s.ToolCalls == nil {
		s.ToolCalls = make(map[string]*ToolCall, 4)
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]string, 4)
	}
}

func (s *Session) Transition(to Status, now time.Time) error {
	if s == nil {
		return errors.New("nil session")
	}
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	if to == StatusActive && len(s.PendingToolCalls) > 0 {
		return fmt.Errorf("%w: %s -> %s with %d tool calls pending", ErrInvalidTransition, s.Status, to, len(s.PendingToolCalls))
	}
	s.Status = to
	s.Touch(now)
	return nil
}

func (s *Session) Append(e Entry, now time.Time) Entry {
	e.Seq = len(s.Transcript)
	if e.At.IsZero() {
		e.At = now.UTC()
	}
	s.Transcript = append(s.Transcript, e)
	s.Touch(now)
	return e
}

// RegisterToolCalls records a dispatched batch as pending and appends one
// tool_dispatch entry carrying the dispatch order.
func (s *Session) RegisterToolCalls(calls []*ToolCall, now time.Time) error {
	if len(calls) == 0 {
		return nil
	}
	s.EnsureMaps()
	ids := make([]string, 0, len(calls))
	for i, c := range calls {
		if c == nil || strings.TrimSpace(c.CallID) == "" {
			return fmt.Errorf("%w: empty call id at index %d", ErrToolCallNotFound, i)
		}
		if _, exists := s.ToolCalls[c.CallID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateCallID, c.CallID)
		}
		c.Status = ToolCallPending
		c.DispatchIndex = i
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now.UTC()
		}
		s.ToolCalls[c.CallID] = c
		s.PendingToolCalls = append(s.PendingToolCalls, c.CallID)
		ids = append(ids, c.CallID)
	}
	s.Append(Entry{
		Role:    RoleAssistant,
		Kind:    KindToolDispatch,
		CallIDs: ids,
	}, now)
	return nil
}

// MarkInFlight flips pending calls to in_flight. Unknown ids are an error.
func (s *Session) MarkInFlight(callIDs []string, now time.Time) error {
	for _, id := range callIDs {
		c, ok := s.ToolCalls[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrToolCallNotFound, id)
		}
		if c.Status == ToolCallPending {
			c.Status = ToolCallInFlight
		}
	}
	s.Touch(now)
	return nil
}

// ResolveToolCall folds one completed call into the session: the call record is
// updated, removed from the pending set and a tool_result entry is appended.
// Resolving an already resolved call is a no-op.
func (s *Session) ResolveToolCall(callID string, attempts int, result json.RawMessage, callErr *ToolCallError, now time.Time) error {
	c, ok := s.ToolCalls[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolCallNotFound, callID)
	}
	if c.IsResolved() {
		return nil
	}

	c.AttemptCount = attempts
	c.CompletedAt = now.UTC()
	content := string(result)
	if callErr != nil {
		c.Status = ToolCallFailed
		c.Error = callErr
		raw, _ := json.Marshal(map[string]any{"error": callErr})
		content = string(raw)
	} else {
		c.Status = ToolCallSucceeded
		c.Result = result
	}

	s.removePending(callID)
	s.Append(Entry{
		Role:     RoleTool,
		Kind:     KindToolResult,
		Content:  content,
		CallID:   callID,
		ToolName: c.ToolName,
		IsError:  callErr != nil,
	}, now)
	return nil
}

func (s *Session) removePending(callID string) {
	out := s.PendingToolCalls[:0]
	for _, id := range s.PendingToolCalls {
		if id != callID {
			out = append(out, id)
		}
	}
	s.PendingToolCalls = out
}

// BatchResolved reports whether every call in ids has a result.
func (s *Session) BatchResolved(ids []string) bool {
	for _, id := range ids {
		if c, ok := s.ToolCalls[id]; !ok || !c.IsResolved() {
			return false
		}
	}
	return true
}

func (s *Session) Validate() error {
	if strings.TrimSpace(s.SessionID) == "" {
		return ErrInvalidSession
	}
	switch s.Status {
	case StatusActive, StatusAwaitingTool, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s.Status)
	}
	for i, e := range s.Transcript {
		if e.Seq != i {
			return fmt.Errorf("transcript corrupt: entry %d has seq %d", i, e.Seq)
		}
	}
	for _, id := range s.PendingToolCalls {
		if _, ok := s.ToolCalls[id]; !ok {
			return fmt.Errorf("%w: pending id %s", ErrToolCallNotFound, id)
		}
	}
	return nil
}

// Clone returns a deep copy through JSON, which is also the persisted shape.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("state: clone session: %v", err))
	}
	var out Session
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("state: clone session: %v", err))
	}
	out.EnsureMaps()
	return &out
}
