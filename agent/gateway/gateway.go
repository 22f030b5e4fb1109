package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	orchestratornode "github.com/tanpawarit/chative-voice-orchestrator/agent/nodes"
	"github.com/tanpawarit/chative-voice-orchestrator/pkg/server"
	vapix "github.com/tanpawarit/chative-voice-orchestrator/pkg/vapi"
)

const (
	RepeatUtterance = "I didn't catch that. Could you repeat?"
	ErrorUtterance  = "Sorry, I'm having trouble on my end. Could you say that again?"
)

// Engine advances one session by one event.
type Engine interface {
	Step(ctx context.Context, sessionID string, ev contractx.Event) (contractx.StepOutput, error)
}

// CallPlacer dials outbound calls through the voice platform.
type CallPlacer interface {
	CreatePhoneCall(ctx context.Context, req vapix.PhoneCallRequest) (vapix.Call, error)
}

// Handler translates Vapi webhooks and custom-llm requests into engine events.
type Handler struct {
	engine  Engine
	calls   CallPlacer
	vapiCfg vapix.Config
	secret  string
	logger  zerolog.Logger
	now     func() time.Time
}

func New(engine Engine, calls CallPlacer, vapiCfg vapix.Config, logger zerolog.Logger) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	return &Handler{
		engine:  engine,
		calls:   calls,
		vapiCfg: vapiCfg,
		secret:  strings.TrimSpace(vapiCfg.Secret),
		logger:  logger.With().Str("component", "gateway").Logger(),
		now:     time.Now,
	}, nil
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.health)
	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/vapi/webhook", h.webhook)
		r.Post("/vapi/chat", h.chat)
		r.Post("/call/initiate", h.initiateCall)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "voice-orchestrator",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.fail(w, r, http.StatusBadRequest, fmt.Errorf("decode webhook: %w", err), "")
		return
	}
	msg := payload.Message
	ctx := r.Context()
	server.AddLogField(ctx, "vapi_message", msg.Type)
	server.AddLogField(ctx, "session_id", msg.Call.ID)

	switch {
	case msg.Type == MessageAssistantRequest:
		h.assistantRequest(w, r, msg)
	case msg.Type == MessageEndOfCallReport,
		msg.Type == MessageStatusUpdate && msg.Status == "ended":
		h.callEnded(w, r, msg)
	default:
		h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "received"})
	}
}

func (h *Handler) assistantRequest(w http.ResponseWriter, r *http.Request, msg webhookMessage) {
	if msg.Call.ID == "" {
		h.fail(w, r, http.StatusBadRequest, errors.New("call id is required"), "")
		return
	}
	out, err := h.engine.Step(r.Context(), msg.Call.ID, contractx.Event{
		Type:     contractx.EventCallStarted,
		Metadata: msg.Call.metadata(),
	})
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"assistant": h.vapiCfg.NewAssistant(out.Text)})
}

func (h *Handler) callEnded(w http.ResponseWriter, r *http.Request, msg webhookMessage) {
	if msg.Call.ID == "" {
		h.fail(w, r, http.StatusBadRequest, errors.New("call id is required"), "")
		return
	}
	reason := strings.TrimSpace(msg.EndedReason)
	if reason == "" {
		reason = "ended"
	}
	out, err := h.engine.Step(r.Context(), msg.Call.ID, contractx.Event{
		Type:    contractx.EventCallEnded,
		Reason:  reason,
		Summary: msg.summary(),
	})
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	if out.NoOp {
		server.AddLogField(r.Context(), "duplicate", "true")
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "received"})
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, fmt.Errorf("decode chat request: %w", err), "")
		return
	}
	ctx := r.Context()
	server.AddLogField(ctx, "session_id", req.Call.ID)
	if req.Call.ID == "" {
		h.fail(w, r, http.StatusBadRequest, errors.New("call id is required"), "")
		return
	}

	text := req.latestUserMessage()
	if text == "" {
		h.writeJSON(w, r, http.StatusOK, chatResponse{Content: RepeatUtterance})
		return
	}

	out, err := h.engine.Step(ctx, req.Call.ID, contractx.Event{
		Type:     contractx.EventUtterance,
		Text:     text,
		Metadata: req.Call.metadata(),
	})
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	server.AddLogField(ctx, "session_status", string(out.Status))
	h.writeJSON(w, r, http.StatusOK, chatResponse{Content: out.Text, EndCall: out.EndCall})
}

func (h *Handler) initiateCall(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, fmt.Errorf("decode initiate request: %w", err), "")
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.PhoneNumber == "" || strings.TrimSpace(req.LeadID) == "" {
		h.fail(w, r, http.StatusBadRequest, errors.New("lead_id and phone_number are required"), "")
		return
	}
	if h.calls == nil {
		h.fail(w, r, http.StatusServiceUnavailable, errors.New("outbound calling is not configured"), "")
		return
	}

	metadata := map[string]string{
		"lead_id":      req.LeadID,
		"lead_name":    req.LeadName,
		"company_name": req.CompanyName,
		"phone_number": req.PhoneNumber,
	}
	call, err := h.calls.CreatePhoneCall(r.Context(), vapix.PhoneCallRequest{
		Customer:  vapix.Customer{Number: req.PhoneNumber, Name: req.LeadName},
		Assistant: h.vapiCfg.NewAssistant(orchestratornode.FirstMessage(metadata)),
		Metadata:  metadata,
	})
	if err != nil {
		h.fail(w, r, http.StatusBadGateway, fmt.Errorf("create phone call: %w", err), "")
		return
	}
	server.AddLogField(r.Context(), "session_id", call.ID)
	h.writeJSON(w, r, http.StatusAccepted, map[string]string{
		"status":  "initiated",
		"call_id": call.ID,
		"lead_id": req.LeadID,
	})
}

func (h *Handler) engineError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, contractx.ErrValidation) {
		h.fail(w, r, http.StatusBadRequest, err, "")
		return
	}
	h.fail(w, r, http.StatusInternalServerError, err, ErrorUtterance)
}

// fail records err on the access log and answers with a caller-safe body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, err error, content string) {
	server.AddError(r.Context(), err)
	msg := http.StatusText(status)
	if status < http.StatusInternalServerError {
		msg = err.Error()
	}
	h.writeJSON(w, r, status, errorResponse{Error: msg, Content: content})
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("write response")
	}
}
