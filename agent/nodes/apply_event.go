package orchestratornode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	statex "github.com/tanpawarit/chative-voice-orchestrator/agent/state"
)

const HoldingUtterance = "One moment while I check on that."

// FirstMessage is the greeting spoken when the call connects.
func FirstMessage(metadata map[string]string) string {
	name := strings.TrimSpace(metadata["lead_name"])
	if name == "" {
		name = "the right person"
	}
	return fmt.Sprintf("Hi, this is Alex from Cloud Store. Am I speaking with %s?", name)
}

// ApplyEvent commits the inbound event. Utterances on an active session leave the
// step open for a model turn; every other event answers the step directly.
func ApplyEvent(ctx context.Context, in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	if in.Done {
		return in, nil
	}

	var (
		text  string
		done  bool
		noOp  bool
		ended bool
	)
	ev := in.Event
	now := in.Now

	next, err := statex.Update(ctx, store, in.SessionID, func(s *statex.Session) error {
		text, done, noOp, ended = "", true, false, false

		switch ev.Type {
		case contractx.EventCallStarted:
			if s.Status.IsTerminal() {
				return errSessionClosed
			}
			mergeMetadata(s, ev.Metadata)
			if len(s.Transcript) > 0 {
				text, noOp = s.LastResponse, true
				s.Touch(now)
				return nil
			}
			ensureContext(s, now)
			text = FirstMessage(s.Metadata)
			s.Append(statex.Entry{Role: statex.RoleAssistant, Kind: statex.KindSpeech, Content: text}, now)
			s.LastResponse = text

		case contractx.EventUtterance:
			if s.Status.IsTerminal() {
				return errSessionClosed
			}
			mergeMetadata(s, ev.Metadata)
			ensureContext(s, now)
			s.Append(statex.Entry{Role: statex.RoleUser, Kind: statex.KindUtterance, Content: ev.Text}, now)
			s.TurnCount++
			if s.Status != statex.StatusAwaitingTool {
				done = false
				return nil
			}
			text = HoldingUtterance
			s.Append(statex.Entry{Role: statex.RoleAssistant, Kind: statex.KindSpeech, Content: text}, now)
			s.LastResponse = text

		case contractx.EventCallEnded:
			if s.Metadata[MetaEndedReason] != "" {
				return errSessionClosed
			}
			if err := s.Transition(statex.StatusCompleted, now); err != nil && !s.Status.IsTerminal() {
				return err
			}
			reason := strings.TrimSpace(ev.Reason)
			if reason == "" {
				reason = "call_ended"
			}
			if summary := strings.TrimSpace(ev.Summary); summary != "" {
				s.Append(statex.Entry{Role: statex.RoleSystem, Kind: statex.KindSummary, Content: summary}, now)
			}
			s.Append(statex.Entry{Role: statex.RoleSystem, Kind: statex.KindEvent, Content: "call ended: " + reason}, now)
			s.Metadata[MetaEndedReason] = reason
			text, ended = s.LastResponse, true
		}
		return nil
	})
	if errors.Is(err, errSessionClosed) {
		st, getErr := store.Get(ctx, in.SessionID)
		if getErr != nil {
			return nil, getErr
		}
		in.Session = st
		in.Finish(st.LastResponse, true)
		return in, nil
	}
	if err != nil {
		return nil, err
	}

	in.Session = next
	in.Ended = ended
	if done {
		in.Finish(text, noOp)
	}
	return in, nil
}

func mergeMetadata(s *statex.Session, md map[string]string) {
	for k, v := range md {
		if v = strings.TrimSpace(v); v != "" && k != MetaEndedReason {
			s.Metadata[k] = v
		}
	}
}

// ensureContext seeds the transcript with the call context on the first event.
func ensureContext(s *statex.Session, now time.Time) {
	if len(s.Transcript) > 0 {
		return
	}
	s.Append(statex.Entry{Role: statex.RoleSystem, Kind: statex.KindContext, Content: callContext(s.Metadata)}, now)
}

func callContext(md map[string]string) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Outbound sales call.")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s;", k, md[k])
	}
	return strings.TrimSuffix(b.String(), ";")
}
