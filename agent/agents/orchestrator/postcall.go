package orchestrator

import (
	"context"
	"strings"

	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	nodex "github.com/tanpawarit/chative-voice-orchestrator/agent/nodes"
	statex "github.com/tanpawarit/chative-voice-orchestrator/agent/state"
)

// triggerPostCall hands the finished call to the post-call workflow in the
// background. Failures are logged only; the caller is already gone.
func (o *Orchestrator) triggerPostCall(ctx context.Context, st *statex.Session) {
	outcome := CallOutcome(st)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PostCallTimeout)
		defer cancel()

		logger := o.logger.With().Str("session_id", outcome.SessionID).Str("outcome", outcome.Outcome).Logger()
		if err := o.workflow.TriggerPostCall(ctx, outcome); err != nil {
			logger.Error().Err(err).Msg("post-call workflow trigger failed")
			return
		}
		logger.Info().Msg("post-call workflow triggered")
	}()
}

// CallOutcome summarises a finished session for the post-call workflow.
func CallOutcome(st *statex.Session) contractx.CallOutcome {
	out := contractx.CallOutcome{
		SessionID: st.SessionID,
		LeadID:    st.Metadata["lead_id"],
		Outcome:   st.Metadata[MetaOutcome],
		Reason:    st.Metadata[nodex.MetaEndedReason],
		Metadata:  st.Metadata,
		EndedAt:   st.LastActivityAt,
	}
	if out.Outcome == "" {
		if st.Status == statex.StatusFailed {
			out.Outcome = "failed"
		} else {
			out.Outcome = "completed"
		}
	}
	if d := st.LastActivityAt.Sub(st.CreatedAt); d > 0 {
		out.DurationS = int64(d.Seconds())
	}

	var lines []string
	for _, e := range st.Transcript {
		switch e.Kind {
		case statex.KindUtterance:
			lines = append(lines, "Lead: "+e.Content)
		case statex.KindSpeech:
			lines = append(lines, "Alex: "+e.Content)
		case statex.KindSummary:
			out.Summary = e.Content
		}
	}
	out.Transcript = strings.Join(lines, "\n")
	return out
}
