package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kubilitics/flightlog-ai/internal/llm/types"
)

func TestNewOllamaClient(t *testing.T) {
	tests := []struct {
		name      string
		baseURL   string
		model     string
		wantURL   string
		wantModel string
		wantError bool
	}{
		{name: "Defaults", wantURL: DefaultBaseURL, wantModel: DefaultModel},
		{name: "Custom base URL", baseURL: "http://remote:11434/", model: "mistral", wantURL: "http://remote:11434", wantModel: "mistral"},
		{name: "Missing scheme", baseURL: "remote:11434", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewOllamaClient(tt.baseURL, tt.model)
			if tt.wantError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if client.baseURL != tt.wantURL {
				t.Errorf("Expected base URL %s, got %s", tt.wantURL, client.baseURL)
			}
			if client.Model() != tt.wantModel {
				t.Errorf("Expected model %s, got %s", tt.wantModel, client.Model())
			}
		})
	}
}

func TestComplete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"vibration is high"},"done":true,"prompt_eval_count":30,"eval_count":5}`))
	}))
	defer srv.Close()

	client, err := NewOllamaClient(srv.URL, "llama3")
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	resp, err := client.Complete(context.Background(), types.CompletionRequest{System: "sys", User: "q", MaxTokens: 64})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if got.Stream {
		t.Error("Expected stream=false")
	}
	if got.Options.NumPredict != 64 {
		t.Errorf("Expected num_predict 64, got %d", got.Options.NumPredict)
	}
	if len(got.Messages) != 2 {
		t.Errorf("Expected system and user messages, got %d", len(got.Messages))
	}
	if resp.Text != "vibration is high" {
		t.Errorf("Unexpected text %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 35 {
		t.Errorf("Expected 35 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestCompleteReportsModelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model 'nope' not found"}`))
	}))
	defer srv.Close()

	client, _ := NewOllamaClient(srv.URL, "nope")
	if _, err := client.Complete(context.Background(), types.CompletionRequest{User: "q"}); err == nil {
		t.Error("Expected error from Ollama error body")
	}
}
