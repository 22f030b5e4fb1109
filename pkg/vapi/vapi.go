package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.vapi.ai"

	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
)

var ErrCallRejected = errors.New("vapi rejected the call request")

type Config struct {
	BaseURL       string        `split_words:"true" default:"https://api.vapi.ai"`
	APIKey        string        `split_words:"true"`
	PhoneNumberID string        `split_words:"true"`
	PublicURL     string        `split_words:"true" default:"http://localhost:8000"`
	Secret        string        `split_words:"true"`
	VoiceID       string        `split_words:"true" default:"21m00Tcm4TlvDq8ikWAM"`
	Timeout       time.Duration `split_words:"true" default:"10s"`
}

// ChatURL is the custom-llm endpoint Vapi calls for each caller turn.
func (c Config) ChatURL() string {
	return strings.TrimRight(strings.TrimSpace(c.PublicURL), "/") + "/vapi/chat"
}

type Assistant struct {
	Model        Model        `json:"model"`
	Voice        Voice        `json:"voice"`
	FirstMessage string       `json:"firstMessage,omitempty"`
	Transcriber  *Transcriber `json:"transcriber,omitempty"`
}

type Model struct {
	Provider string `json:"provider"`
	URL      string `json:"url"`
	Model    string `json:"model,omitempty"`
}

type Voice struct {
	Provider string `json:"provider"`
	VoiceID  string `json:"voiceId"`
}

type Transcriber struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// NewAssistant builds the inline assistant that routes every turn back to this
// service.
func (c Config) NewAssistant(firstMessage string) Assistant {
	voiceID := strings.TrimSpace(c.VoiceID)
	if voiceID == "" {
		voiceID = defaultVoiceID
	}
	return Assistant{
		Model:        Model{Provider: "custom-llm", URL: c.ChatURL()},
		Voice:        Voice{Provider: "11labs", VoiceID: voiceID},
		FirstMessage: firstMessage,
		Transcriber:  &Transcriber{Provider: "deepgram", Model: "nova-2"},
	}
}

type Customer struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type PhoneCallRequest struct {
	PhoneNumberID string            `json:"phoneNumberId"`
	Customer      Customer          `json:"customer"`
	Assistant     Assistant         `json:"assistant"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type Call struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

type Client struct {
	baseURL       string
	apiKey        string
	phoneNumberID string
	httpClient    *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        strings.TrimSpace(cfg.APIKey),
		phoneNumberID: strings.TrimSpace(cfg.PhoneNumberID),
		httpClient:    &http.Client{Timeout: timeout},
	}, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// CreatePhoneCall asks Vapi to dial the customer. It returns once Vapi has
// accepted the request; call progress arrives on the webhook.
func (c *Client) CreatePhoneCall(ctx context.Context, req PhoneCallRequest) (Call, error) {
	if c.apiKey == "" {
		return Call{}, fmt.Errorf("%w: api key is not configured", ErrCallRejected)
	}
	if req.PhoneNumberID == "" {
		req.PhoneNumberID = c.phoneNumberID
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Call{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call/phone", bytes.NewReader(body))
	if err != nil {
		return Call{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Call{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Call{}, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return Call{}, fmt.Errorf("%w: status=%d body=%s", ErrCallRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var call Call
	if err := json.Unmarshal(raw, &call); err != nil {
		return Call{}, fmt.Errorf("decode vapi call: %w", err)
	}
	return call, nil
}
