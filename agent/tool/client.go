package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	CodeDuplicateCall = "DUPLICATE_CALL"

	maxResponseBytes = 1 << 20
	tracerName       = "github.com/tanpawarit/chative-voice-orchestrator/agent/tool"
)

type Config struct {
	RegistryFile    string        `envconfig:"REGISTRY_FILE" split_words:"true"`
	BackoffBase     time.Duration `envconfig:"BACKOFF_BASE" split_words:"true" default:"100ms"`
	BackoffCap      time.Duration `envconfig:"BACKOFF_CAP" split_words:"true" default:"2s"`
	BreakerFailures uint32        `envconfig:"BREAKER_FAILURES" split_words:"true" default:"5"`
	BreakerCooldown time.Duration `envconfig:"BREAKER_COOLDOWN" split_words:"true" default:"30s"`
}

// envelope is the uniform request and response body exchanged with providers.
type envelope struct {
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *envelopeError  `json:"error,omitempty"`
}

type envelopeError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Client invokes tools over the provider envelope protocol. One client serves
// every descriptor; breakers and concurrency limits are kept per provider.
type Client struct {
	httpClient *http.Client
	registry   *Registry
	cfg        Config
	logger     zerolog.Logger
	tracer     trace.Tracer

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limits   map[string]*semaphore.Weighted
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(registry *Registry, cfg Config, opts ...ClientOption) (*Client, error) {
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	c := &Client{
		httpClient: &http.Client{},
		registry:   registry,
		cfg:        cfg,
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer(tracerName),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		limits:     make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "tool_client").Logger()
	return c, nil
}

// Invoke performs one logical tool call, retrying per the descriptor policy. Every
// failure is a *contract.ToolError.
func (c *Client) Invoke(ctx context.Context, d Descriptor, callID string, args map[string]any) (contractx.ToolResult, error) {
	ctx, span := c.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool.name", d.Name),
		attribute.String("tool.provider", d.Provider),
		attribute.String("tool.call_id", callID),
		attribute.Bool("tool.idempotent", d.Idempotent),
	))
	defer span.End()

	result, err := c.invoke(ctx, d, callID, args)
	span.SetAttributes(attribute.Int("tool.attempts", result.Attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, contractx.KindName(err))
		return result, err
	}
	return result, nil
}

func (c *Client) invoke(ctx context.Context, d Descriptor, callID string, args map[string]any) (contractx.ToolResult, error) {
	provider, ok := c.registry.Provider(d.Provider)
	if !ok {
		return contractx.ToolResult{}, &contractx.ToolError{
			Kind:    contractx.ErrToolNotFound,
			Tool:    d.Name,
			CallID:  callID,
			Message: fmt.Sprintf("provider %q is not configured", d.Provider),
		}
	}
	body, err := json.Marshal(envelope{CallID: callID, ToolName: d.Name, Arguments: args})
	if err != nil {
		return contractx.ToolResult{}, &contractx.ToolError{
			Kind:    contractx.ErrProviderRejected,
			Tool:    d.Name,
			CallID:  callID,
			Code:    CodeInvalidArguments,
			Message: "arguments are not serialisable",
			Err:     err,
		}
	}

	limit := c.limit(provider)
	if err := limit.Acquire(ctx, 1); err != nil {
		return contractx.ToolResult{}, &contractx.ToolError{
			Kind:    contractx.ErrTransport,
			Tool:    d.Name,
			CallID:  callID,
			Message: "waiting for provider capacity",
			Err:     err,
		}
	}
	defer limit.Release(1)

	backoff := retry.NewExponential(c.cfg.BackoffBase)
	backoff = retry.WithCappedDuration(c.cfg.BackoffCap, backoff)
	backoff = retry.WithMaxRetries(uint64(d.MaxRetries), backoff)

	var (
		result   contractx.ToolResult
		attempts int
		lastErr  *contractx.ToolError
	)
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		out, retryable, err := c.attempt(ctx, d, provider, callID, body, attempts)
		if err == nil {
			result = out
			return nil
		}
		lastErr = err
		if retryable {
			return retry.RetryableError(err)
		}
		return err
	})
	result.Attempts = attempts
	if err == nil {
		return result, nil
	}

	var toolErr *contractx.ToolError
	if !errors.As(err, &toolErr) {
		// retry.Do only returns foreign errors when the context ends between attempts.
		toolErr = lastErr
		if toolErr == nil {
			toolErr = &contractx.ToolError{Kind: contractx.ErrTransport, Tool: d.Name, CallID: callID}
		}
		toolErr.Err = errors.Join(toolErr.Err, err)
	}
	toolErr.Attempts = attempts
	return result, toolErr
}

// attempt performs one HTTP exchange and classifies it. The bool reports whether
// the failure may be retried with the same call id.
func (c *Client) attempt(ctx context.Context, d Descriptor, p Provider, callID string, body []byte, n int) (contractx.ToolResult, bool, *contractx.ToolError) {
	start := time.Now()

	var (
		out       contractx.ToolResult
		retryable bool
		status    int
	)
	_, err := c.breaker(p.Name).Execute(func() (interface{}, error) {
		var err *contractx.ToolError
		out, status, retryable, err = c.send(ctx, d, p, callID, body)
		if err != nil {
			return nil, err
		}
		return nil, nil
	})

	var toolErr *contractx.ToolError
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		toolErr = &contractx.ToolError{
			Kind:    contractx.ErrTransport,
			Tool:    d.Name,
			CallID:  callID,
			Message: "provider circuit open",
			Err:     err,
		}
		retryable = true
	default:
		if !errors.As(err, &toolErr) {
			toolErr = &contractx.ToolError{Kind: contractx.ErrTransport, Tool: d.Name, CallID: callID, Err: err}
		}
	}

	ev := c.logger.Info()
	outcome := "ok"
	if out.Duplicate {
		outcome = "duplicate"
	}
	if toolErr != nil {
		ev = c.logger.Warn().Err(toolErr)
		outcome = contractx.KindName(toolErr)
	}
	ev.Str("call_id", callID).
		Str("tool_name", d.Name).
		Str("provider", p.Name).
		Int("attempt", n).
		Int("http_status", status).
		Dur("latency", time.Since(start)).
		Str("outcome", outcome).
		Bool("retryable", toolErr != nil && retryable).
		Msg("tool attempt")

	if toolErr != nil {
		return out, retryable, toolErr
	}
	return out, false, nil
}

func (c *Client) send(ctx context.Context, d Descriptor, p Provider, callID string, body []byte) (contractx.ToolResult, int, bool, *contractx.ToolError) {
	fail := func(kind error, code, msg string, cause error) *contractx.ToolError {
		return &contractx.ToolError{Kind: kind, Tool: d.Name, CallID: callID, Code: code, Message: msg, Err: cause}
	}
	// Once the request is on the wire a non-idempotent tool may have taken effect.
	afterSend := func(msg string, cause error) (bool, *contractx.ToolError) {
		if d.Idempotent {
			return true, fail(contractx.ErrTransport, "", msg, cause)
		}
		return false, fail(contractx.ErrAmbiguous, "", msg, cause)
	}

	var wrote atomic.Bool
	clientTrace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}
	attemptCtx, cancel := context.WithTimeout(httptrace.WithClientTrace(ctx, clientTrace), d.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.Endpoint, bytes.NewReader(body))
	if err != nil {
		return contractx.ToolResult{}, 0, false, fail(contractx.ErrProviderRejected, "", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", callID)
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if !wrote.Load() {
			return contractx.ToolResult{}, 0, true, fail(contractx.ErrTransport, "", "request not sent", err)
		}
		retryable, toolErr := afterSend("no response after request was sent", err)
		return contractx.ToolResult{}, 0, retryable, toolErr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		retryable, toolErr := afterSend("response interrupted", err)
		return contractx.ToolResult{}, resp.StatusCode, retryable, toolErr
	}

	var env envelope
	parsed := json.Unmarshal(raw, &env) == nil
	isEnvelope := parsed && (env.Status != "" || env.Error != nil)

	if parsed && isReplay(resp.StatusCode, env, callID) {
		return duplicateResult(env.Result), resp.StatusCode, false, nil
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return contractx.ToolResult{}, resp.StatusCode, true, fail(contractx.ErrTransport, "", "provider throttled", nil)
	case resp.StatusCode >= 500:
		if isEnvelope && env.Error != nil && env.Error.Retryable {
			return contractx.ToolResult{}, resp.StatusCode, true, fail(contractx.ErrTransport, env.Error.Code, env.Error.Message, nil)
		}
		retryable, toolErr := afterSend(fmt.Sprintf("provider returned %d", resp.StatusCode), nil)
		return contractx.ToolResult{}, resp.StatusCode, retryable, toolErr
	case resp.StatusCode >= 400:
		code, msg := "", http.StatusText(resp.StatusCode)
		if isEnvelope && env.Error != nil {
			code, msg = env.Error.Code, env.Error.Message
		}
		return contractx.ToolResult{}, resp.StatusCode, false, fail(contractx.ErrProviderRejected, code, msg, nil)
	}

	if !isEnvelope {
		return contractx.ToolResult{Payload: nonEmpty(raw)}, resp.StatusCode, false, nil
	}
	switch env.Status {
	case "retryable_error":
		code, msg := "", "provider asked for a retry"
		if env.Error != nil {
			code, msg = env.Error.Code, env.Error.Message
		}
		return contractx.ToolResult{}, resp.StatusCode, true, fail(contractx.ErrTransport, code, msg, nil)
	case "error":
		code, msg := "", "provider reported an error"
		if env.Error != nil {
			code, msg = env.Error.Code, env.Error.Message
		}
		return contractx.ToolResult{}, resp.StatusCode, false, fail(contractx.ErrProviderRejected, code, msg, nil)
	default:
		return contractx.ToolResult{Payload: nonEmpty(env.Result)}, resp.StatusCode, false, nil
	}
}

// isReplay reports whether the provider already processed this call id. An
// explicit error code decides; otherwise only a 409 echoing our call id counts,
// so a business conflict stays a rejection.
func isReplay(status int, env envelope, callID string) bool {
	if env.Error != nil && env.Error.Code != "" {
		return env.Error.Code == CodeDuplicateCall
	}
	return status == http.StatusConflict && env.CallID == callID
}

func duplicateResult(result json.RawMessage) contractx.ToolResult {
	if len(result) == 0 {
		result = json.RawMessage(`{"duplicate":true}`)
	}
	return contractx.ToolResult{Payload: result, Duplicate: true}
}

func nonEmpty(raw []byte) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

func (c *Client) breaker(provider string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[provider]; ok {
		return cb
	}
	threshold := c.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    provider,
		Timeout: c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, contractx.ErrProviderRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("tool provider breaker state changed")
		},
	})
	c.breakers[provider] = cb
	return cb
}

func (c *Client) limit(p Provider) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sem, ok := c.limits[p.Name]; ok {
		return sem
	}
	n := p.MaxConcurrency
	if n <= 0 {
		n = defaultMaxConcurrency
	}
	sem := semaphore.NewWeighted(n)
	c.limits[p.Name] = sem
	return sem
}
