package vapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreatePhoneCall(t *testing.T) {
	t.Parallel()

	var got PhoneCallRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/call/phone" || r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"vapi-call-1","status":"queued"}`))
	}))
	t.Cleanup(server.Close)

	cfg := Config{BaseURL: server.URL, APIKey: "key", PhoneNumberID: "pn-1", PublicURL: "https://agent.example.com/"}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	call, err := client.CreatePhoneCall(context.Background(), PhoneCallRequest{
		Customer:  Customer{Number: "+15550100", Name: "Dana"},
		Assistant: cfg.NewAssistant("Hi Dana"),
		Metadata:  map[string]string{"lead_id": "L-1"},
	})
	if err != nil {
		t.Fatalf("CreatePhoneCall() error = %v", err)
	}
	if call.ID != "vapi-call-1" {
		t.Fatalf("call id = %q", call.ID)
	}
	if got.PhoneNumberID != "pn-1" || got.Customer.Number != "+15550100" || got.Metadata["lead_id"] != "L-1" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.Assistant.Model.Provider != "custom-llm" || got.Assistant.Model.URL != "https://agent.example.com/vapi/chat" {
		t.Fatalf("unexpected assistant model: %+v", got.Assistant.Model)
	}
	if got.Assistant.Voice.VoiceID != defaultVoiceID {
		t.Fatalf("voice id = %q", got.Assistant.Voice.VoiceID)
	}
}

func TestCreatePhoneCallRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid number"}`, http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	client := MustNew(Config{BaseURL: server.URL, APIKey: "key"})
	_, err := client.CreatePhoneCall(context.Background(), PhoneCallRequest{Customer: Customer{Number: "nope"}})
	if !errors.Is(err, ErrCallRejected) {
		t.Fatalf("CreatePhoneCall() error = %v, want ErrCallRejected", err)
	}

	unconfigured := MustNew(Config{BaseURL: server.URL})
	_, err = unconfigured.CreatePhoneCall(context.Background(), PhoneCallRequest{})
	if !errors.Is(err, ErrCallRejected) {
		t.Fatalf("CreatePhoneCall() error = %v, want ErrCallRejected", err)
	}
}
