package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	openrouterx "github.com/tanpawarit/chative-voice-orchestrator/pkg/openrouter"
)

const (
	BackendEino   = "eino"
	BackendOpenAI = "openai"
)

type Config struct {
	Backend            string        `envconfig:"BACKEND" split_words:"true" default:"eino"`
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"300"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.4"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"15s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: model is required", contractx.ErrValidation)
	}
	switch c.backend() {
	case BackendEino, BackendOpenAI:
	default:
		return fmt.Errorf("%w: unknown llm backend %q", contractx.ErrValidation, c.Backend)
	}
	return nil
}

func (c Config) backend() string {
	b := strings.ToLower(strings.TrimSpace(c.Backend))
	if b == "" {
		return BackendEino
	}
	return b
}

// OpenRouter returns the provider config. SDK retries are disabled because the
// engine owns the model retry policy.
func (c Config) OpenRouter() openrouterx.Config {
	maxCompletionToken := c.MaxCompletionToken
	noRetries := 0
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              strings.TrimSpace(c.Model),
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        c.Temperature,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
		MaxRetries:         &noRetries,
	}
}
