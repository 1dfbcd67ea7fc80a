package llmport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIProvider_Decide(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		resp := chatCompletionResponse{}
		resp.Choices = append(resp.Choices, struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{})
		resp.Choices[0].Message.Content = `{"action":"device","target":"cam-1","confidence":0.92,"rationale":"matched keyword photo"}`
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(Config{Model: "gpt-4o-mini", APIKey: "sk-test", Host: server.URL})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}

	decision, err := provider.Decide(context.Background(),
		[]Message{{Role: "system", Content: "route the request"}},
		[]Candidate{{ID: "cam-1", Kind: "device", Description: "camera", Keywords: []string{"photo"}}},
		nil,
	)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if decision.Target != "cam-1" {
		t.Errorf("Decide() target = %q, want cam-1", decision.Target)
	}
	if decision.Action != "device" {
		t.Errorf("Decide() action = %q, want device", decision.Action)
	}
	if decision.Confidence != 0.92 {
		t.Errorf("Decide() confidence = %v, want 0.92", decision.Confidence)
	}
}

func TestOpenAIProvider_RequiresModel(t *testing.T) {
	if _, err := NewOpenAIProvider(Config{APIKey: "sk-test"}); err == nil {
		t.Fatal("NewOpenAIProvider() error = nil, want error for missing model")
	}
}
