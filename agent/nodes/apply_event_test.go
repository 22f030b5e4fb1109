package orchestratornode

import (
	"context"
	"errors"
	"testing"
	"time"

	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	statex "github.com/tanpawarit/chative-voice-orchestrator/agent/state"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func runNodes(t *testing.T, store statex.Store, sessionID string, ev contractx.Event) *GraphState {
	t.Helper()

	in, err := ValidateEvent(GraphInput{SessionID: sessionID, Event: ev}, func() time.Time { return fixedNow })
	if err != nil {
		t.Fatalf("ValidateEvent() error = %v", err)
	}
	in, err = LoadSession(context.Background(), in, store)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	in, err = ApplyEvent(context.Background(), in, store)
	if err != nil {
		t.Fatalf("ApplyEvent() error = %v", err)
	}
	return in
}

func TestValidateEvent(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return fixedNow }
	tests := []struct {
		name string
		in   GraphInput
		want error
	}{
		{name: "empty session", in: GraphInput{Event: contractx.Event{Type: contractx.EventCallStarted}}, want: ErrInvalidSession},
		{name: "blank utterance", in: GraphInput{SessionID: "c1", Event: contractx.Event{Type: contractx.EventUtterance, Text: "  "}}, want: ErrInvalidMessage},
		{name: "unknown type", in: GraphInput{SessionID: "c1", Event: contractx.Event{Type: "hangup"}}, want: ErrInvalidEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateEvent(tt.in, now)
			if !errors.Is(err, tt.want) || !errors.Is(err, contractx.ErrValidation) {
				t.Fatalf("ValidateEvent() error = %v, want %v", err, tt.want)
			}
		})
	}

	got, err := ValidateEvent(GraphInput{SessionID: " c1 ", Event: contractx.Event{Type: contractx.EventUtterance, Text: " hi "}}, now)
	if err != nil {
		t.Fatalf("ValidateEvent() error = %v", err)
	}
	if got.SessionID != "c1" || got.Event.Text != "hi" {
		t.Fatalf("unexpected normalized state: %+v", got)
	}
}

func TestApplyCallStartedGreetsOnce(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	ev := contractx.Event{Type: contractx.EventCallStarted, Metadata: map[string]string{"lead_name": "Dana", "lead_id": "L-1"}}

	first := runNodes(t, store, "c1", ev)
	if !first.Done || first.Output.NoOp {
		t.Fatalf("first call_started output = %+v", first.Output)
	}
	if first.Output.Text != FirstMessage(map[string]string{"lead_name": "Dana"}) {
		t.Fatalf("greeting = %q", first.Output.Text)
	}
	tr := first.Session.Transcript
	if len(tr) != 2 || tr[0].Kind != statex.KindContext || tr[1].Kind != statex.KindSpeech {
		t.Fatalf("unexpected transcript: %+v", tr)
	}
	if tr[0].Content != "Outbound sales call. lead_id=L-1; lead_name=Dana" {
		t.Fatalf("context entry = %q", tr[0].Content)
	}

	again := runNodes(t, store, "c1", ev)
	if !again.Output.NoOp || again.Output.Text != first.Output.Text {
		t.Fatalf("repeat call_started output = %+v", again.Output)
	}
	if len(again.Session.Transcript) != 2 {
		t.Fatalf("repeat call_started appended entries: %d", len(again.Session.Transcript))
	}
}

func TestApplyUtteranceOpensModelTurn(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	got := runNodes(t, store, "c1", contractx.Event{Type: contractx.EventUtterance, Text: "Is Tuesday free?"})

	if got.Done {
		t.Fatalf("utterance on active session should leave the step open")
	}
	if got.Session.TurnCount != 1 {
		t.Fatalf("turn count = %d", got.Session.TurnCount)
	}
	last := got.Session.Transcript[len(got.Session.Transcript)-1]
	if last.Role != statex.RoleUser || last.Content != "Is Tuesday free?" {
		t.Fatalf("last entry = %+v", last)
	}
}

func TestApplyUtteranceWhileAwaitingTool(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	runNodes(t, store, "c1", contractx.Event{Type: contractx.EventCallStarted})
	if _, err := statex.Update(context.Background(), store, "c1", func(s *statex.Session) error {
		return s.Transition(statex.StatusAwaitingTool, fixedNow)
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got := runNodes(t, store, "c1", contractx.Event{Type: contractx.EventUtterance, Text: "hello?"})
	if !got.Done || got.Output.Text != HoldingUtterance {
		t.Fatalf("output = %+v", got.Output)
	}
	if got.Output.Status != statex.StatusAwaitingTool || got.Output.EndCall {
		t.Fatalf("status = %s end_call = %v", got.Output.Status, got.Output.EndCall)
	}
}

func TestApplyCallEnded(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	runNodes(t, store, "c1", contractx.Event{Type: contractx.EventCallStarted})

	got := runNodes(t, store, "c1", contractx.Event{Type: contractx.EventCallEnded, Reason: "customer-ended-call", Summary: "Booked"})
	if !got.Ended || !got.Done || !got.Output.EndCall {
		t.Fatalf("call_ended state = %+v", got)
	}
	if got.Session.Status != statex.StatusCompleted {
		t.Fatalf("status = %s", got.Session.Status)
	}
	if got.Session.Metadata[MetaEndedReason] != "customer-ended-call" {
		t.Fatalf("ended reason = %q", got.Session.Metadata[MetaEndedReason])
	}

	dup := runNodes(t, store, "c1", contractx.Event{Type: contractx.EventCallEnded, Reason: "customer-ended-call"})
	if dup.Ended || !dup.Output.NoOp {
		t.Fatalf("duplicate call_ended = %+v", dup)
	}

	late := runNodes(t, store, "c1", contractx.Event{Type: contractx.EventUtterance, Text: "wait"})
	if !late.Output.NoOp || late.Output.Status != statex.StatusCompleted {
		t.Fatalf("utterance after end = %+v", late.Output)
	}
}

func TestApplyCallEndedAfterAgentEnd(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	runNodes(t, store, "c1", contractx.Event{Type: contractx.EventCallStarted})
	if _, err := statex.Update(context.Background(), store, "c1", func(s *statex.Session) error {
		s.LastResponse = "Goodbye!"
		return s.Transition(statex.StatusCompleted, fixedNow)
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got := runNodes(t, store, "c1", contractx.Event{Type: contractx.EventCallEnded})
	if !got.Ended {
		t.Fatalf("first call_ended on a completed session should be recorded")
	}
	if got.Output.Text != "Goodbye!" {
		t.Fatalf("text = %q", got.Output.Text)
	}
	if got.Session.Metadata[MetaEndedReason] != "call_ended" {
		t.Fatalf("ended reason = %q", got.Session.Metadata[MetaEndedReason])
	}
}

func TestFinalizeOutputRequiresAnswer(t *testing.T) {
	t.Parallel()

	if _, err := FinalizeOutput(&GraphState{SessionID: "c1"}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("FinalizeOutput() error = %v", err)
	}

	st := &GraphState{SessionID: "c1", Session: statex.NewSession("c1", fixedNow)}
	st.Finish("  hi  ", false)
	out, err := FinalizeOutput(st)
	if err != nil {
		t.Fatalf("FinalizeOutput() error = %v", err)
	}
	if out.Text != "hi" || out.Status != statex.StatusActive || out.EndCall {
		t.Fatalf("output = %+v", out)
	}
}
