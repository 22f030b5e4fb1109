package contract

import (
	"errors"
	"fmt"
)

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")

	ErrTransport        = errors.New("tool transport failed")
	ErrAmbiguous        = errors.New("tool outcome is ambiguous")
	ErrProviderRejected = errors.New("tool provider rejected the call")
	ErrToolNotFound     = errors.New("tool not found")
	ErrModelUnavailable = errors.New("model unavailable")
)

// ToolError is returned by the tool client and the registry for a single call.
// errors.Is matches both its Kind and the underlying cause.
type ToolError struct {
	Kind     error
	Tool     string
	CallID   string
	Code     string
	Message  string
	Attempts int
	Err      error
}

func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%v: tool=%s call_id=%s code=%s: %s", e.Kind, e.Tool, e.CallID, e.Code, msg)
	}
	return fmt.Sprintf("%v: tool=%s call_id=%s: %s", e.Kind, e.Tool, e.CallID, msg)
}

func (e *ToolError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindName is the stable label used in tool-result payloads and logs.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrAmbiguous):
		return "ambiguous"
	case errors.Is(err, ErrProviderRejected):
		return "provider_rejected"
	case errors.Is(err, ErrToolNotFound):
		return "not_found"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}
