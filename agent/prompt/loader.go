package prompt

import (
	_ "embed"
	"strings"
	"time"
)

//go:embed template/voice_agent.txt
var voiceAgentRaw string

// PromptSet holds loaded prompt content.
type PromptSet struct {
	VoiceAgent string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
func LoadPromptSet() PromptSet {
	return PromptSet{
		VoiceAgent: strings.TrimSpace(voiceAgentRaw),
	}
}

// Variables returns the template values for the voice agent prompt. Every
// placeholder gets a value so rendering never fails on a sparse call context.
func Variables(metadata map[string]string, now time.Time) map[string]any {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(metadata[key]); v != "" {
			return v
		}
		return fallback
	}
	return map[string]any{
		"lead_name":    get("lead_name", "the lead"),
		"company_name": get("company_name", "their company"),
		"lead_id":      get("lead_id", "unknown"),
		"now":          now.UTC().Format(time.RFC1123),
	}
}
