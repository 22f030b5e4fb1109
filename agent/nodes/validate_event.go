package orchestratornode

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
)

func ValidateEvent(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	ev := in.Event
	switch ev.Type {
	case contractx.EventUtterance:
		ev.Text = strings.TrimSpace(ev.Text)
		if ev.Text == "" {
			return nil, ErrInvalidMessage
		}
	case contractx.EventCallStarted, contractx.EventCallEnded:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, ev.Type)
	}

	return &GraphState{
		SessionID: sessionID,
		Event:     ev,
		Now:       nowFn().UTC(),
	}, nil
}
