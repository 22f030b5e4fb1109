package orchestratornode

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
)

func FinalizeOutput(in *GraphState) (contractx.StepOutput, error) {
	if in == nil {
		return contractx.StepOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if !in.Done {
		return contractx.StepOutput{}, fmt.Errorf("%w: step finished without a response", contractx.ErrValidation)
	}

	out := in.Output
	out.SessionID = in.SessionID
	out.Text = strings.TrimSpace(out.Text)
	return out, nil
}
