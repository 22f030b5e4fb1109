package orchestratornode

import (
	"errors"
	"fmt"
	"time"

	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	statex "github.com/tanpawarit/chative-voice-orchestrator/agent/state"
)

var (
	ErrInvalidMessage = fmt.Errorf("%w: utterance is empty", contractx.ErrValidation)
	ErrInvalidSession = fmt.Errorf("%w: session id is empty", contractx.ErrValidation)
	ErrInvalidEvent   = fmt.Errorf("%w: unknown event type", contractx.ErrValidation)

	// errSessionClosed aborts an event write that lost the race against call end.
	errSessionClosed = errors.New("session already closed")
)

type GraphInput struct {
	SessionID string
	Event     contractx.Event
}

type GraphState struct {
	SessionID string
	Event     contractx.Event
	Now       time.Time

	Session *statex.Session

	// Done is set once the step has its answer and no model turn is needed.
	Done   bool
	Output contractx.StepOutput
	// Ended is set when this step recorded the end of the call.
	Ended bool
}

// Finish marks the step answered with text, using the committed session status.
func (s *GraphState) Finish(text string, noOp bool) {
	s.Done = true
	s.Output = contractx.StepOutput{
		SessionID: s.SessionID,
		Text:      text,
		NoOp:      noOp,
	}
	if s.Session != nil {
		s.Output.Status = s.Session.Status
		s.Output.EndCall = s.Session.Status.IsTerminal()
	}
}
