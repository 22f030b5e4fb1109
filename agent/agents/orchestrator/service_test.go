package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	nodex "github.com/tanpawarit/chative-voice-orchestrator/agent/nodes"
	statex "github.com/tanpawarit/chative-voice-orchestrator/agent/state"
)

type fakeDecider struct {
	mu     sync.Mutex
	decide func(n int, req contractx.DecisionRequest) (contractx.Decision, error)
	reqs   []contractx.DecisionRequest
}

func (f *fakeDecider) Decide(ctx context.Context, req contractx.DecisionRequest) (contractx.Decision, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	n := len(f.reqs)
	f.mu.Unlock()
	return f.decide(n, req)
}

func (f *fakeDecider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeDecider) request(i int) contractx.DecisionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

// stalledDecider never answers before its context is done.
type stalledDecider struct {
	attempts atomic.Int32
}

func (d *stalledDecider) Decide(ctx context.Context, req contractx.DecisionRequest) (contractx.Decision, error) {
	d.attempts.Add(1)
	<-ctx.Done()
	return contractx.Decision{}, ctx.Err()
}

type invocation struct {
	tool   string
	callID string
	args   map[string]any
}

type fakeTools struct {
	mu      sync.Mutex
	invoke  func(ctx context.Context, tool, callID string) (contractx.ToolResult, error)
	invoked []invocation
}

func (f *fakeTools) Invoke(ctx context.Context, tool, callID string, args map[string]any) (contractx.ToolResult, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, invocation{tool: tool, callID: callID, args: args})
	f.mu.Unlock()
	return f.invoke(ctx, tool, callID)
}

func (f *fakeTools) calls() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invocation(nil), f.invoked...)
}

type fakeWorkflow struct {
	mu       sync.Mutex
	outcomes []contractx.CallOutcome
}

func (f *fakeWorkflow) TriggerPostCall(ctx context.Context, outcome contractx.CallOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

func (f *fakeWorkflow) triggered() []contractx.CallOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]contractx.CallOutcome(nil), f.outcomes...)
}

type staticCatalog []contractx.ToolSpec

func (c staticCatalog) Catalog() []contractx.ToolSpec {
	return c
}

func ok(payload string) (contractx.ToolResult, error) {
	return contractx.ToolResult{Payload: json.RawMessage(payload), Attempts: 1}, nil
}

func speak(text string) (contractx.Decision, error) {
	return contractx.Decision{Kind: contractx.DecisionSpeak, Text: text}, nil
}

func invoke(calls ...contractx.ToolInvocation) (contractx.Decision, error) {
	return contractx.Decision{Kind: contractx.DecisionInvoke, Calls: calls}, nil
}

func newTestOrchestrator(
	t *testing.T,
	store statex.Store,
	decider contractx.Decider,
	tools contractx.ToolInvoker,
	workflow contractx.WorkflowTrigger,
	cfg Config,
) *Orchestrator {
	t.Helper()
	if cfg.ModelBackoff == 0 {
		cfg.ModelBackoff = time.Millisecond
	}
	catalog := staticCatalog{
		{Name: "book_meeting"},
		{Name: "check_availability"},
		{Name: "get_lead"},
	}
	o, err := New(store, decider, tools, catalog, workflow, zerolog.Nop(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(o.Wait)
	return o
}

func utterance(text string) contractx.Event {
	return contractx.Event{Type: contractx.EventUtterance, Text: text}
}

func toolResults(st *statex.Session) []statex.Entry {
	var out []statex.Entry
	for _, e := range st.Transcript {
		if e.Kind == statex.KindToolResult {
			out = append(out, e)
		}
	}
	return out
}

func TestStepInvalidInput(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, statex.NewMemoryStore(), &fakeDecider{}, &fakeTools{}, nil, Config{})

	_, err := o.Step(context.Background(), "   ", utterance("hello"))
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}

	_, err = o.Step(context.Background(), "call-1", utterance("   "))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}

	_, err = o.Step(context.Background(), "call-1", contractx.Event{Type: "transfer"})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestStepCallStartedGreets(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	decider := &fakeDecider{}
	o := newTestOrchestrator(t, store, decider, &fakeTools{}, nil, Config{})

	out, err := o.Step(context.Background(), "call-1", contractx.Event{
		Type:     contractx.EventCallStarted,
		Metadata: map[string]string{"lead_id": "L-1", "lead_name": "Dana"},
	})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.Text != "Hi, this is Alex from Cloud Store. Am I speaking with Dana?" {
		t.Fatalf("unexpected greeting: %q", out.Text)
	}
	if out.Status != statex.StatusActive || out.EndCall || out.NoOp {
		t.Fatalf("unexpected output: %+v", out)
	}

	again, err := o.Step(context.Background(), "call-1", contractx.Event{Type: contractx.EventCallStarted})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !again.NoOp || again.Text != out.Text {
		t.Fatalf("duplicate call_started should replay the greeting, got %+v", again)
	}

	st, err := store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(st.Transcript) != 2 || st.Transcript[0].Kind != statex.KindContext || st.Metadata["lead_id"] != "L-1" {
		t.Fatalf("unexpected session: %+v", st)
	}
	if decider.calls() != 0 {
		t.Fatalf("call_started must not consult the model")
	}
}

func TestStepTuesdayAvailability(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	decider := &fakeDecider{decide: func(n int, req contractx.DecisionRequest) (contractx.Decision, error) {
		if n == 1 {
			return invoke(contractx.ToolInvocation{ToolName: "check_availability", Arguments: map[string]any{"date_range_start": "2026-01-06"}})
		}
		return speak("Tuesday has openings at 10am, 1pm, 3pm")
	}}
	tools := &fakeTools{invoke: func(ctx context.Context, tool, callID string) (contractx.ToolResult, error) {
		return ok(`{"slots":["10:00","13:00","15:00"]}`)
	}}
	o := newTestOrchestrator(t, store, decider, tools, nil, Config{})

	out, err := o.Step(context.Background(), "call-1", utterance("what times are open Tuesday?"))
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.Text != "Tuesday has openings at 10am, 1pm, 3pm" || out.Status != statex.StatusActive || out.EndCall {
		t.Fatalf("unexpected output: %+v", out)
	}

	invoked := tools.calls()
	if len(invoked) != 1 || invoked[0].tool != "check_availability" || !strings.HasPrefix(invoked[0].callID, "call_") {
		t.Fatalf("unexpected tool calls: %+v", invoked)
	}
	if decider.calls() != 2 {
		t.Fatalf("expected two model turns, got %d", decider.calls())
	}
	second := decider.request(1)
	if results := toolResults(&statex.Session{Transcript: second.Transcript}); len(results) != 1 || results[0].IsError {
		t.Fatalf("second model turn should see the slots, got %+v", results)
	}
	if len(second.Tools) != 3 {
		t.Fatalf("model should receive the catalog, got %d tools", len(second.Tools))
	}

	st, err := store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	call := st.ToolCalls[invoked[0].callID]
	if call == nil || call.Status != statex.ToolCallSucceeded || call.AttemptCount != 1 {
		t.Fatalf("unexpected tool call record: %+v", call)
	}
	if st.TurnCount != 1 || st.LastResponse != out.Text || len(st.PendingToolCalls) != 0 {
		t.Fatalf("unexpected session: %+v", st)
	}
}

func TestStepAmbiguousBookingIsNotRetried(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	decider := &fakeDecider{decide: func(n int, req contractx.DecisionRequest) (contractx.Decision, error) {
		switch n {
		case 1:
			return invoke(contractx.ToolInvocation{ToolName: "book_meeting", Arguments: map[string]any{"datetime": "2026-01-06T10:00:00Z"}})
		case 2:
			return invoke(contractx.ToolInvocation{ToolName: "check_availability", Arguments: map[string]any{"date_range_start": "2026-01-06"}})
		default:
			return speak("Let me confirm that booking for you.")
		}
	}}
	tools := &fakeTools{invoke: func(ctx context.Context, tool, callID string) (contractx.ToolResult, error) {
		if tool == "book_meeting" {
			return contractx.ToolResult{}, &contractx.ToolError{
				Kind:     contractx.ErrAmbiguous,
				Tool:     tool,
				CallID:   callID,
				Message:  "no response after request was sent",
				Attempts: 1,
			}
		}
		return ok(`{"slots":[]}`)
	}}
	o := newTestOrchestrator(t, store, decider, tools, nil, Config{})

	out, err := o.Step(context.Background(), "call-1", utterance("book Tuesday at 10"))
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.Text != "Let me confirm that booking for you." {
		t.Fatalf("unexpected output: %+v", out)
	}

	invoked := tools.calls()
	if len(invoked) != 2 || invoked[0].tool != "book_meeting" || invoked[1].tool != "check_availability" {
		t.Fatalf("booking must be attempted exactly once, got %+v", invoked)
	}
	if invoked[0].callID == invoked[1].callID {
		t.Fatalf("follow-up call reused call id %s", invoked[0].callID)
	}

	second := decider.request(1)
	results := toolResults(&statex.Session{Transcript: second.Transcript})
	if len(results) != 1 || !results[0].IsError || !strings.Contains(results[0].Content, `"kind":"ambiguous"`) {
		t.Fatalf("model should see the ambiguous result, got %+v", results)
	}

	st, err := store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	booking := st.ToolCalls[invoked[0].callID]
	if booking.Status != statex.ToolCallFailed || booking.Error == nil || booking.Error.Kind != "ambiguous" {
		t.Fatalf("unexpected booking record: %+v", booking)
	}
}

func TestStepCallEndedWhileBookingInFlight(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	started := make(chan string, 1)
	release := make(chan struct{})
	decider := &fakeDecider{decide: func(n int, req contractx.DecisionRequest) (contractx.Decision, error) {
		if n == 1 {
			return invoke(contractx.ToolInvocation{ToolName: "book_meeting", Arguments: map[string]any{"datetime": "2026-01-06T10:00:00Z"}})
		}
		return speak("You're booked.")
	}}
	var finished sync.WaitGroup
	finished.Add(1)
	tools := &fakeTools{invoke: func(ctx context.Context, tool, callID string) (contractx.ToolResult, error) {
		defer finished.Done()
		started <- callID
		<-release
		if ctx.Err() != nil {
			return contractx.ToolResult{}, ctx.Err()
		}
		return ok(`{"meeting_id":"m-1"}`)
	}}
	workflow := &fakeWorkflow{}
	o := newTestOrchestrator(t, store, decider, tools, workflow, Config{})

	type stepResult struct {
		out contractx.StepOutput
		err error
	}
	stepDone := make(chan stepResult, 1)
	go func() {
		out, err := o.Step(context.Background(), "call-1", utterance("book Tuesday at 10"))
		stepDone <- stepResult{out: out, err: err}
	}()
	callID := <-started

	hold, err := o.Step(context.Background(), "call-1", utterance("hello? are you there?"))
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if hold.Text != "One moment while I check on that." || hold.Status != statex.StatusAwaitingTool {
		t.Fatalf("expected holding utterance, got %+v", hold)
	}

	ended, err := o.Step(context.Background(), "call-1", contractx.Event{Type: contractx.EventCallEnded, Reason: "customer-ended-call"})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if ended.Status != statex.StatusCompleted || !ended.EndCall {
		t.Fatalf("session should complete immediately, got %+v", ended)
	}

	close(release)
	finished.Wait()
	res := <-stepDone
	if res.err != nil {
		t.Fatalf("in-flight Step() error = %v", res.err)
	}
	if !res.out.NoOp || res.out.Status != statex.StatusCompleted {
		t.Fatalf("in-flight step should resolve as a no-op, got %+v", res.out)
	}
	o.Wait()

	st, err := store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if st.Status != statex.StatusCompleted {
		t.Fatalf("status = %s, want completed", st.Status)
	}
	if got := toolResults(st); len(got) != 0 {
		t.Fatalf("late booking result must not be delivered, got %+v", got)
	}
	if st.ToolCalls[callID].Status != statex.ToolCallInFlight {
		t.Fatalf("booking record = %s, want in_flight", st.ToolCalls[callID].Status)
	}
	if decider.calls() != 1 {
		t.Fatalf("model consulted %d times, want 1", decider.calls())
	}

	outcomes := workflow.triggered()
	if len(outcomes) != 1 || outcomes[0].SessionID != "call-1" || outcomes[0].Reason != "customer-ended-call" {
		t.Fatalf("unexpected post-call triggers: %+v", outcomes)
	}
}

func TestStepBatchWithOneFailureFoldsAll(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	decider := &fakeDecider{decide: func(n int, req contractx.DecisionRequest) (contractx.Decision, error) {
		if n == 1 {
			return invoke(
				contractx.ToolInvocation{ToolName: "get_lead", Arguments: map[string]any{"lead_id": "L-1"}},
				contractx.ToolInvocation{ToolName: "check_availability", Arguments: map[string]any{"date_range_start": "2026-01-06"}},
				contractx.ToolInvocation{ToolName: "get_lead_history", Arguments: map[string]any{"lead_id": "L-1"}},
			)
		}
		return speak("I found a few options.")
	}}

	// Completion order: check_availability, get_lead_history, get_lead.
	completion := map[string]int{"check_availability": 0, "get_lead_history": 1, "get_lead": 2}
	tools := &fakeTools{invoke: func(ctx context.Context, tool, callID string) (contractx.ToolResult, error) {
		waitForResults(t, store, "call-1", completion[tool])
		if tool == "get_lead_history" {
			return contractx.ToolResult{}, &contractx.ToolError{
				Kind:    contractx.ErrProviderRejected,
				Tool:    tool,
				CallID:  callID,
				Code:    "NOT_FOUND",
				Message: "no history for lead",
			}
		}
		return ok(`{"tool":"` + tool + `"}`)
	}}
	o := newTestOrchestrator(t, store, decider, tools, nil, Config{})

	out, err := o.Step(context.Background(), "call-1", utterance("what can you tell me?"))
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.Text != "I found a few options." || out.Status != statex.StatusActive {
		t.Fatalf("unexpected output: %+v", out)
	}
	if len(tools.calls()) != 3 {
		t.Fatalf("expected 3 tool calls, got %d", len(tools.calls()))
	}

	st, err := store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	var dispatch statex.Entry
	for _, e := range st.Transcript {
		if e.Kind == statex.KindToolDispatch {
			dispatch = e
		}
	}
	if len(dispatch.CallIDs) != 3 {
		t.Fatalf("dispatch entry = %+v", dispatch)
	}
	dispatched := []string{"get_lead", "check_availability", "get_lead_history"}
	for i, id := range dispatch.CallIDs {
		if st.ToolCalls[id].ToolName != dispatched[i] || st.ToolCalls[id].DispatchIndex != i {
			t.Fatalf("dispatch order broken at %d: %+v", i, st.ToolCalls[id])
		}
	}

	results := toolResults(st)
	completed := []string{"check_availability", "get_lead_history", "get_lead"}
	if len(results) != 3 {
		t.Fatalf("expected 3 folded results, got %d", len(results))
	}
	for i, r := range results {
		if r.ToolName != completed[i] {
			t.Fatalf("result %d is %s, want %s", i, r.ToolName, completed[i])
		}
		if r.IsError != (r.ToolName == "get_lead_history") {
			t.Fatalf("unexpected error flag on %s", r.ToolName)
		}
	}

	var failed *statex.ToolCall
	for _, c := range st.ToolCalls {
		if c.Status == statex.ToolCallFailed {
			failed = c
		}
	}
	if failed == nil || failed.ToolName != "get_lead_history" || failed.Error.Kind != "provider_rejected" {
		t.Fatalf("unexpected failed call: %+v", failed)
	}

	second := decider.request(1)
	if got := toolResults(&statex.Session{Transcript: second.Transcript}); len(got) != 3 {
		t.Fatalf("model should see all 3 results, got %d", len(got))
	}
}

// waitForResults blocks until the session holds n folded tool results.
func waitForResults(t *testing.T, store statex.Store, sessionID string, n int) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := store.Get(context.Background(), sessionID)
		if err == nil && len(toolResults(st)) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Errorf("timed out waiting for %d tool results", n)
}

func TestStepModelFailureFailsSession(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	decider := &fakeDecider{decide: func(n int, req contractx.DecisionRequest) (contractx.Decision, error) {
		return contractx.Decision{}, contractx.ErrModelInvoke
	}}
	o := newTestOrchestrator(t, store, decider, &fakeTools{}, nil, Config{ModelAttempts: 3})

	out, err := o.Step(context.Background(), "call-1", utterance("hi"))
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.Text != FallbackUtterance || out.Status != statex.StatusFailed || !out.EndCall {
		t.Fatalf("unexpected output: %+v", out)
	}
	if decider.calls() != 3 {
		t.Fatalf("model attempts = %d, want 3", decider.calls())
	}

	again, err := o.Step(context.Background(), "call-1", utterance("hello?"))
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !again.NoOp || again.Text != FallbackUtterance || again.Status != statex.StatusFailed {
		t.Fatalf("terminal session should answer with its last response, got %+v", again)
	}
	if decider.calls() != 3 {
		t.Fatalf("terminal session consulted the model")
	}
}

func TestStepModelStallFailsWithinDeadline(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	decider := &stalledDecider{}
	o := newTestOrchestrator(t, store, decider, &fakeTools{}, nil, Config{
		ModelAttempts: 3,
		ModelTimeout:  time.Minute,
		StepReserve:   200 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	out, err := o.Step(ctx, "call-1", utterance("hi"))
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("step overran its deadline")
	}
	if out.Text != FallbackUtterance || out.Status != statex.StatusFailed || !out.EndCall {
		t.Fatalf("unexpected output: %+v", out)
	}
	if decider.attempts.Load() != 1 {
		t.Fatalf("model attempts = %d, want 1", decider.attempts.Load())
	}

	st, err := store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if st.Status != statex.StatusFailed || st.LastResponse != FallbackUtterance {
		t.Fatalf("stored session = %s %q, want failed with fallback", st.Status, st.LastResponse)
	}
}

func TestStepModelRecoversWithinRetries(t *testing.T) {
	t.Parallel()

	decider := &fakeDecider{decide: func(n int, req contractx.DecisionRequest) (contractx.Decision, error) {
		if n < 3 {
			return contractx.Decision{}, contractx.ErrSchemaViolation
		}
		return speak("Sorry, could you say that again?")
	}}
	o := newTestOrchestrator(t, statex.NewMemoryStore(), decider, &fakeTools{}, nil, Config{ModelAttempts: 3})

	out, err := o.Step(context.Background(), "call-1", utterance("hi"))
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.Status != statex.StatusActive || out.Text != "Sorry, could you say that again?" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestStepToolRoundLimit(t *testing.T) {
	t.Parallel()

	decider := &fakeDecider{decide: func(n int, req contractx.DecisionRequest) (contractx.Decision, error) {
		return invoke(contractx.ToolInvocation{ToolName: "get_lead", Arguments: map[string]any{"lead_id": "L-1"}})
	}}
	tools := &fakeTools{invoke: func(ctx context.Context, tool, callID string) (contractx.ToolResult, error) {
		return ok(`{}`)
	}}
	o := newTestOrchestrator(t, statex.NewMemoryStore(), decider, tools, nil, Config{MaxToolRounds: 2})

	out, err := o.Step(context.Background(), "call-1", utterance("who am I?"))
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.Text != RetryUtterance || out.Status != statex.StatusActive {
		t.Fatalf("unexpected output: %+v", out)
	}
	if len(tools.calls()) != 2 || decider.calls() != 3 {
		t.Fatalf("tool calls = %d, model calls = %d", len(tools.calls()), decider.calls())
	}
}

func TestStepEndDecisionThenCallEnded(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	decider := &fakeDecider{decide: func(n int, req contractx.DecisionRequest) (contractx.Decision, error) {
		return contractx.Decision{Kind: contractx.DecisionEnd, Text: "Talk to you Tuesday!", Outcome: "demo_booked"}, nil
	}}
	workflow := &fakeWorkflow{}
	o := newTestOrchestrator(t, store, decider, &fakeTools{}, workflow, Config{})

	out, err := o.Step(context.Background(), "call-1", utterance("great, bye"))
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.Text != "Talk to you Tuesday!" || out.Status != statex.StatusCompleted || !out.EndCall {
		t.Fatalf("unexpected output: %+v", out)
	}

	ev := contractx.Event{Type: contractx.EventCallEnded, Reason: "assistant-ended-call", Summary: "Demo booked for Tuesday 10am."}
	if _, err := o.Step(context.Background(), "call-1", ev); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	dup, err := o.Step(context.Background(), "call-1", ev)
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !dup.NoOp {
		t.Fatalf("duplicate call_ended should be a no-op, got %+v", dup)
	}
	o.Wait()

	outcomes := workflow.triggered()
	if len(outcomes) != 1 {
		t.Fatalf("post-call triggered %d times, want 1", len(outcomes))
	}
	got := outcomes[0]
	if got.Outcome != "demo_booked" || got.Summary != "Demo booked for Tuesday 10am." {
		t.Fatalf("unexpected outcome: %+v", got)
	}
	if !strings.Contains(got.Transcript, "Lead: great, bye") || !strings.Contains(got.Transcript, "Alex: Talk to you Tuesday!") {
		t.Fatalf("unexpected transcript: %q", got.Transcript)
	}
}

func TestStepRedecidesAfterVersionConflict(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	decider := &fakeDecider{}
	decider.decide = func(n int, req contractx.DecisionRequest) (contractx.Decision, error) {
		if n == 1 {
			// A competing write lands between the snapshot and the commit.
			_, err := statex.Update(context.Background(), store, req.SessionID, func(s *statex.Session) error {
				s.Append(statex.Entry{Role: statex.RoleUser, Kind: statex.KindUtterance, Content: "actually, Wednesday"}, time.Now())
				return nil
			})
			if err != nil {
				return contractx.Decision{}, err
			}
			return speak("Tuesday works.")
		}
		return speak("Wednesday works.")
	}
	o := newTestOrchestrator(t, store, decider, &fakeTools{}, nil, Config{})

	out, err := o.Step(context.Background(), "call-1", utterance("Tuesday?"))
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.Text != "Wednesday works." {
		t.Fatalf("stale decision was committed: %+v", out)
	}
	if decider.calls() != 2 {
		t.Fatalf("model calls = %d, want 2", decider.calls())
	}
	last := decider.request(1).Transcript
	if last[len(last)-1].Content != "actually, Wednesday" {
		t.Fatalf("second decision should see the competing utterance")
	}

	st, err := store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	speeches := 0
	for _, e := range st.Transcript {
		if e.Kind == statex.KindSpeech {
			speeches++
		}
	}
	if speeches != 1 {
		t.Fatalf("expected exactly one committed speech, got %d", speeches)
	}
}

func TestStepOverlappingUtteranceHoldsForBatch(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	booking := contractx.ToolInvocation{ToolName: "book_meeting", Arguments: map[string]any{"datetime": "2026-01-06T10:00:00Z"}}
	entered := make(chan int, 4)
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})
	decider := &fakeDecider{decide: func(n int, req contractx.DecisionRequest) (contractx.Decision, error) {
		entered <- n
		switch n {
		case 1:
			<-releaseFirst
			return invoke(booking)
		case 2:
			<-releaseSecond
			return speak("Yes, I'm still here.")
		case 3:
			return invoke(booking)
		default:
			return speak("You're booked for Tuesday at 10.")
		}
	}}
	started := make(chan string, 1)
	releaseTool := make(chan struct{})
	tools := &fakeTools{invoke: func(ctx context.Context, tool, callID string) (contractx.ToolResult, error) {
		started <- callID
		<-releaseTool
		return ok(`{"meeting_id":"m-1"}`)
	}}
	o := newTestOrchestrator(t, store, decider, tools, nil, Config{})

	type stepResult struct {
		out contractx.StepOutput
		err error
	}
	run := func(text string) <-chan stepResult {
		done := make(chan stepResult, 1)
		go func() {
			out, err := o.Step(context.Background(), "call-1", utterance(text))
			done <- stepResult{out: out, err: err}
		}()
		return done
	}

	bookDone := run("book Tuesday at 10")
	if n := <-entered; n != 1 {
		t.Fatalf("first decision = %d", n)
	}
	chatterDone := run("hello?")
	if n := <-entered; n != 2 {
		t.Fatalf("second decision = %d", n)
	}

	// The booking decision loses its commit to "hello?" and is made again.
	close(releaseFirst)
	if n := <-entered; n != 3 {
		t.Fatalf("redecision = %d", n)
	}
	callID := <-started

	close(releaseSecond)
	chatter := <-chatterDone
	if chatter.err != nil {
		t.Fatalf("overlapping Step() error = %v", chatter.err)
	}
	if chatter.out.Text != nodex.HoldingUtterance || chatter.out.Status != statex.StatusAwaitingTool {
		t.Fatalf("overlapping step should hold, got %+v", chatter.out)
	}

	st, err := store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if st.Status != statex.StatusAwaitingTool || len(st.PendingToolCalls) != 1 || st.PendingToolCalls[0] != callID {
		t.Fatalf("batch should still be pending: status=%s pending=%v", st.Status, st.PendingToolCalls)
	}
	for _, e := range st.Transcript {
		if e.Content == "Yes, I'm still here." {
			t.Fatalf("stale decision was committed over the batch")
		}
	}

	close(releaseTool)
	res := <-bookDone
	if res.err != nil {
		t.Fatalf("booking Step() error = %v", res.err)
	}
	if res.out.Text != "You're booked for Tuesday at 10." || res.out.Status != statex.StatusActive {
		t.Fatalf("unexpected booking output: %+v", res.out)
	}

	st, err = store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if st.Status != statex.StatusActive || len(st.PendingToolCalls) != 0 {
		t.Fatalf("status=%s pending=%v after fold", st.Status, st.PendingToolCalls)
	}
	if got := toolResults(st); len(got) != 1 || got[0].CallID != callID {
		t.Fatalf("unexpected tool results: %+v", got)
	}
	if len(tools.calls()) != 1 {
		t.Fatalf("booking sent %d times, want 1", len(tools.calls()))
	}
	if decider.calls() != 4 {
		t.Fatalf("model calls = %d, want 4", decider.calls())
	}
}
