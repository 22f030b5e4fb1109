package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	statex "github.com/tanpawarit/chative-voice-orchestrator/agent/state"
)

// MetaEndedReason is written once the call end has been recorded.
const MetaEndedReason = "ended_reason"

// LoadSession reads or creates the session. A terminal session short-circuits the
// step with its last response, except for the first call_ended it receives.
func LoadSession(ctx context.Context, in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	st, err := store.GetOrCreate(ctx, in.SessionID, in.Now)
	if err != nil {
		return nil, err
	}
	in.Session = st

	if st.Status.IsTerminal() {
		if in.Event.Type == contractx.EventCallEnded && st.Metadata[MetaEndedReason] == "" {
			return in, nil
		}
		in.Finish(st.LastResponse, true)
	}
	return in, nil
}
