package gateway

import (
	"strings"
)

// Vapi server message types handled by the webhook.
const (
	MessageAssistantRequest = "assistant-request"
	MessageStatusUpdate     = "status-update"
	MessageEndOfCallReport  = "end-of-call-report"
)

type webhookPayload struct {
	Message webhookMessage `json:"message"`
}

type webhookMessage struct {
	Type        string    `json:"type"`
	Status      string    `json:"status,omitempty"`
	EndedReason string    `json:"endedReason,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Analysis    *analysis `json:"analysis,omitempty"`
	Call        vapiCall  `json:"call"`
}

type analysis struct {
	Summary string `json:"summary,omitempty"`
}

type vapiCall struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Customer *customer         `json:"customer,omitempty"`
}

type customer struct {
	Number string `json:"number,omitempty"`
	Name   string `json:"name,omitempty"`
}

// metadata merges call metadata with the customer fields Vapi reports.
func (c vapiCall) metadata() map[string]string {
	md := make(map[string]string, len(c.Metadata)+2)
	for k, v := range c.Metadata {
		md[k] = v
	}
	if c.Customer != nil {
		if c.Customer.Number != "" && md["phone_number"] == "" {
			md["phone_number"] = c.Customer.Number
		}
		if c.Customer.Name != "" && md["lead_name"] == "" {
			md["lead_name"] = c.Customer.Name
		}
	}
	return md
}

func (m webhookMessage) summary() string {
	if s := strings.TrimSpace(m.Summary); s != "" {
		return s
	}
	if m.Analysis != nil {
		return strings.TrimSpace(m.Analysis.Summary)
	}
	return ""
}

type chatRequest struct {
	Call     vapiCall      `json:"call"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// latestUserMessage returns the newest user turn, or "" when there is none.
func (r chatRequest) latestUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return strings.TrimSpace(r.Messages[i].Content)
		}
	}
	return ""
}

type chatResponse struct {
	Content string `json:"content"`
	EndCall bool   `json:"endCall,omitempty"`
}

type initiateRequest struct {
	LeadID      string `json:"lead_id"`
	PhoneNumber string `json:"phone_number"`
	LeadName    string `json:"lead_name,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Content string `json:"content,omitempty"`
}
