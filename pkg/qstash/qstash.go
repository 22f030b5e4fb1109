package qstash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultURL = "https://qstash.upstash.io"

type Config struct {
	URL     string        `split_words:"true" default:"https://qstash.upstash.io"`
	Token   string        `split_words:"true"`
	Retries int           `split_words:"true" default:"3"`
	Timeout time.Duration `split_words:"true" default:"10s"`
}

// Enabled reports whether post-call delivery should go through QStash.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Token) != ""
}

type Client struct {
	baseURL    string
	token      string
	retries    int
	httpClient *http.Client
}

// Message is one publish request. ForwardHeaders reach the destination with
// QStash's Upstash-Forward- prefix stripped.
type Message struct {
	Destination     string
	Body            []byte
	DeduplicationID string
	ForwardHeaders  map[string]string
}

type PublishResponse struct {
	MessageID    string `json:"messageId"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		baseURL = DefaultURL
	}

	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("qstash token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(cfg.Token),
		retries: cfg.Retries,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	return client, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// Publish hands msg to QStash, which delivers it with its own retry schedule.
func (c *Client) Publish(ctx context.Context, msg Message) (PublishResponse, error) {
	destination := strings.TrimSpace(msg.Destination)
	if destination == "" {
		return PublishResponse{}, errors.New("qstash destination is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/publish/"+destination, bytes.NewReader(msg.Body))
	if err != nil {
		return PublishResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if msg.DeduplicationID != "" {
		req.Header.Set("Upstash-Deduplication-Id", msg.DeduplicationID)
	}
	if c.retries >= 0 {
		req.Header.Set("Upstash-Retries", strconv.Itoa(c.retries))
	}
	for k, v := range msg.ForwardHeaders {
		req.Header.Set("Upstash-Forward-"+k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PublishResponse{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PublishResponse{}, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return PublishResponse{}, fmt.Errorf("qstash publish failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out PublishResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return PublishResponse{}, fmt.Errorf("decode qstash response: %w", err)
	}
	return out, nil
}
