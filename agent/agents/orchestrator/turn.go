package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	nodex "github.com/tanpawarit/chative-voice-orchestrator/agent/nodes"
	statex "github.com/tanpawarit/chative-voice-orchestrator/agent/state"
)

// runTurn drives the model until it speaks or ends the call. Each decision is
// committed against the version it was made on; a lost race re-decides on the
// fresh session, unless another step has a tool batch in flight.
func (o *Orchestrator) runTurn(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	if in.Ended {
		o.triggerPostCall(ctx, in.Session)
	}
	if in.Done {
		return in, nil
	}

	logger := o.logger.With().Str("session_id", in.SessionID).Logger()
	snap := in.Session
	rounds, conflicts := 0, 0

	for {
		if snap.Status.IsTerminal() {
			in.Session = snap
			in.Finish(snap.LastResponse, true)
			return in, nil
		}
		if snap.Status == statex.StatusAwaitingTool && len(snap.PendingToolCalls) > 0 {
			return o.holdForTools(ctx, logger, in)
		}

		decision, err := o.decide(ctx, logger, snap)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			// The step deadline may already be gone; the apology still has to land.
			return o.failSession(context.WithoutCancel(ctx), logger, in, err)
		}
		if decision.Kind == contractx.DecisionInvoke && rounds >= o.cfg.MaxToolRounds {
			logger.Warn().Int("rounds", rounds).Msg("tool round limit reached")
			decision = contractx.Decision{Kind: contractx.DecisionSpeak, Text: RetryUtterance}
		}

		next, callIDs, err := o.commitDecision(ctx, snap, decision)
		if errors.Is(err, statex.ErrVersionConflict) {
			conflicts++
			if conflicts > o.cfg.MaxConflicts {
				return nil, err
			}
			logger.Debug().Int("conflicts", conflicts).Msg("session changed during decision; deciding again")
			if snap, err = o.store.Get(ctx, in.SessionID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		switch decision.Kind {
		case contractx.DecisionSpeak:
			in.Session = next
			in.Finish(decision.Text, false)
			return in, nil
		case contractx.DecisionEnd:
			logger.Info().Str("outcome", decision.Outcome).Msg("model ended the call")
			in.Session = next
			in.Finish(decision.Text, false)
			return in, nil
		}

		rounds++
		if snap, err = o.dispatch(ctx, logger, in.SessionID, decision.Calls, callIDs); err != nil {
			return nil, err
		}
		if !snap.Status.IsTerminal() && !snap.BatchResolved(callIDs) {
			return nil, fmt.Errorf("tool batch %v was not folded into session %s", callIDs, in.SessionID)
		}
	}
}

// holdForTools answers a step that lost its race to a tool batch. The batch owner
// consults the model once the results land.
func (o *Orchestrator) holdForTools(ctx context.Context, logger zerolog.Logger, in *nodex.GraphState) (*nodex.GraphState, error) {
	logger.Debug().Msg("tool batch in flight; holding")

	now := o.now()
	next, err := statex.Update(ctx, o.store, in.SessionID, func(s *statex.Session) error {
		if s.Status.IsTerminal() {
			return errSessionEnded
		}
		s.Append(statex.Entry{Role: statex.RoleAssistant, Kind: statex.KindSpeech, Content: nodex.HoldingUtterance}, now)
		s.LastResponse = nodex.HoldingUtterance
		return nil
	})
	if errors.Is(err, errSessionEnded) {
		return o.finishEnded(ctx, in)
	}
	if err != nil {
		return nil, err
	}
	in.Session = next
	in.Finish(nodex.HoldingUtterance, false)
	return in, nil
}

func (o *Orchestrator) finishEnded(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
	st, err := o.store.Get(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	in.Session = st
	in.Finish(st.LastResponse, true)
	return in, nil
}

// decide asks the model for the next action, retrying provider failures with
// backoff. Every attempt carries its own deadline, and the whole loop stops
// StepReserve short of the step deadline so a failure can still be answered.
func (o *Orchestrator) decide(ctx context.Context, logger zerolog.Logger, snap *statex.Session) (contractx.Decision, error) {
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline.Add(-o.cfg.StepReserve))
		defer cancel()
	}

	req := contractx.DecisionRequest{
		SessionID:  snap.SessionID,
		Metadata:   snap.Metadata,
		Transcript: snap.Transcript,
		ToolCalls:  snap.ToolCalls,
		Tools:      o.catalog.Catalog(),
		Now:        o.now().UTC(),
	}

	backoff := retry.NewExponential(o.cfg.ModelBackoff)
	backoff = retry.WithMaxRetries(uint64(o.cfg.ModelAttempts-1), backoff)

	var (
		decision contractx.Decision
		attempts int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.ModelTimeout)
		defer cancel()

		d, err := o.decider.Decide(callCtx, req)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempts).Msg("model decision failed")
			return retry.RetryableError(err)
		}
		decision = d
		return nil
	})
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: after %d attempts: %w", contractx.ErrModelUnavailable, attempts, err)
	}
	return decision, nil
}

// commitDecision writes the decision on top of the snapshot it was made on.
func (o *Orchestrator) commitDecision(ctx context.Context, snap *statex.Session, decision contractx.Decision) (*statex.Session, []string, error) {
	now := o.now()
	var callIDs []string

	var mutate statex.Mutator
	switch decision.Kind {
	case contractx.DecisionSpeak:
		mutate = func(s *statex.Session) error {
			if err := s.Transition(statex.StatusActive, now); err != nil {
				return err
			}
			s.Append(statex.Entry{Role: statex.RoleAssistant, Kind: statex.KindSpeech, Content: decision.Text}, now)
			s.LastResponse = decision.Text
			return nil
		}
	case contractx.DecisionEnd:
		mutate = func(s *statex.Session) error {
			if err := s.Transition(statex.StatusCompleted, now); err != nil {
				return err
			}
			s.Append(statex.Entry{Role: statex.RoleAssistant, Kind: statex.KindSpeech, Content: decision.Text}, now)
			s.Append(statex.Entry{Role: statex.RoleSystem, Kind: statex.KindSummary, Content: "call ended by agent: " + decision.Outcome}, now)
			s.Metadata[MetaOutcome] = decision.Outcome
			s.LastResponse = decision.Text
			return nil
		}
	case contractx.DecisionInvoke:
		if len(decision.Calls) == 0 {
			return nil, nil, fmt.Errorf("%w: invoke decision without calls", contractx.ErrSchemaViolation)
		}
		callIDs = make([]string, len(decision.Calls))
		for i := range decision.Calls {
			callIDs[i] = o.newCallID()
		}
		mutate = func(s *statex.Session) error {
			if err := s.Transition(statex.StatusAwaitingTool, now); err != nil {
				return err
			}
			batch := make([]*statex.ToolCall, len(decision.Calls))
			for i, call := range decision.Calls {
				batch[i] = &statex.ToolCall{CallID: callIDs[i], ToolName: call.ToolName, Arguments: call.Arguments}
			}
			return s.RegisterToolCalls(batch, now)
		}
	default:
		return nil, nil, fmt.Errorf("%w: unknown decision kind %q", contractx.ErrSchemaViolation, decision.Kind)
	}

	next, err := o.store.CompareAndUpdate(ctx, snap.SessionID, snap.Version, mutate)
	if err != nil {
		return nil, nil, err
	}
	return next, callIDs, nil
}

// dispatch runs a committed batch concurrently and folds each result as it lands.
// Calls run on a context detached from the step, so a caller hanging up never
// abandons a request that is already on its way to a provider.
func (o *Orchestrator) dispatch(
	ctx context.Context,
	logger zerolog.Logger,
	sessionID string,
	calls []contractx.ToolInvocation,
	callIDs []string,
) (*statex.Session, error) {
	_, err := statex.Update(ctx, o.store, sessionID, func(s *statex.Session) error {
		if s.Status.IsTerminal() {
			return errSessionEnded
		}
		return s.MarkInFlight(callIDs, o.now())
	})
	if errors.Is(err, errSessionEnded) {
		logger.Info().Strs("call_ids", callIDs).Msg("call ended before dispatch; batch not sent")
		return o.store.Get(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	detached := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		o.background.Add(1)
		go func() {
			defer o.background.Done()
			defer wg.Done()
			o.runCall(detached, logger, sessionID, callIDs[i], call)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return o.store.Get(ctx, sessionID)
}

func (o *Orchestrator) runCall(ctx context.Context, logger zerolog.Logger, sessionID, callID string, call contractx.ToolInvocation) {
	logger = logger.With().Str("call_id", callID).Str("tool_name", call.ToolName).Logger()

	res, err := o.tools.Invoke(ctx, call.ToolName, callID, call.Arguments)
	attempts := res.Attempts
	var callErr *statex.ToolCallError
	if err != nil {
		var toolErr *contractx.ToolError
		if errors.As(err, &toolErr) && toolErr.Attempts > 0 {
			attempts = toolErr.Attempts
		}
		callErr = toolCallError(err)
	}

	_, foldErr := statex.Update(ctx, o.store, sessionID, func(s *statex.Session) error {
		if s.Status.IsTerminal() {
			return errSessionEnded
		}
		now := o.now()
		if err := s.ResolveToolCall(callID, attempts, res.Payload, callErr, now); err != nil {
			return err
		}
		if len(s.PendingToolCalls) == 0 && s.Status == statex.StatusAwaitingTool {
			return s.Transition(statex.StatusActive, now)
		}
		return nil
	})

	switch {
	case errors.Is(foldErr, errSessionEnded):
		ev := logger.Info()
		if callErr != nil {
			ev = logger.Warn().Str("error_kind", callErr.Kind).Str("error", callErr.Message)
		}
		ev.RawJSON("result", nonEmptyJSON(res.Payload)).
			Bool("duplicate", res.Duplicate).
			Msg("tool finished after call ended; outcome not delivered")
	case foldErr != nil:
		logger.Error().Err(foldErr).Msg("fold tool result")
	}
}

// toolCallError turns a tool failure into the error payload the model reads.
func toolCallError(err error) *statex.ToolCallError {
	msg := err.Error()
	var toolErr *contractx.ToolError
	if errors.As(err, &toolErr) && toolErr.Message != "" {
		msg = toolErr.Message
		if toolErr.Code != "" {
			msg = toolErr.Code + ": " + msg
		}
	}
	if errors.Is(err, contractx.ErrAmbiguous) {
		msg += ". The request reached the provider but its outcome is unknown; check the current state before trying again."
	}
	return &statex.ToolCallError{Kind: contractx.KindName(err), Message: strings.TrimSpace(msg)}
}

func nonEmptyJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

// failSession moves the session to failed and answers with the fallback apology.
func (o *Orchestrator) failSession(ctx context.Context, logger zerolog.Logger, in *nodex.GraphState, cause error) (*nodex.GraphState, error) {
	logger.Error().Err(cause).Msg("model unavailable; failing session")

	now := o.now()
	next, err := statex.Update(ctx, o.store, in.SessionID, func(s *statex.Session) error {
		if s.Status.IsTerminal() {
			return errSessionEnded
		}
		if err := s.Transition(statex.StatusFailed, now); err != nil {
			return err
		}
		s.Append(statex.Entry{Role: statex.RoleSystem, Kind: statex.KindEvent, Content: "model unavailable: " + cause.Error()}, now)
		s.Append(statex.Entry{Role: statex.RoleAssistant, Kind: statex.KindSpeech, Content: FallbackUtterance}, now)
		s.LastResponse = FallbackUtterance
		return nil
	})
	if errors.Is(err, errSessionEnded) {
		return o.finishEnded(ctx, in)
	}
	if err != nil {
		return nil, err
	}
	in.Session = next
	in.Finish(FallbackUtterance, false)
	return in, nil
}
