package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNormalizeModelID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "already normal", input: "openai/gpt-5.1", want: "openai/gpt-5.1"},
		{name: "duplicated provider", input: "openai/openai/gpt-5.1", want: "openai/gpt-5.1"},
		{name: "triple provider", input: "x-ai/x-ai/x-ai/grok-4", want: "x-ai/grok-4"},
		{name: "no provider", input: "gpt-5.1", want: "gpt-5.1"},
		{name: "distinct segments untouched", input: "google/gemini-3-pro-preview", want: "google/gemini-3-pro-preview"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeModelID(tt.input); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQuerySuccess(t *testing.T) {
	var gotAuth, gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req OpenRouterRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": "hello"}},
			},
		})
	}))
	defer server.Close()

	client := NewOpenRouterClient(server.URL, "default-key", zap.NewNop())
	reply, err := client.Query(context.Background(), OpenRouterRequest{
		Model:    "openai/openai/gpt-5.1",
		Messages: []OpenRouterMessage{{Role: "user", Content: "hi"}},
	}, "", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Content != "hello" {
		t.Errorf("content: got %q, want %q", reply.Content, "hello")
	}
	if gotAuth != "Bearer default-key" {
		t.Errorf("authorization: got %q", gotAuth)
	}
	if gotModel != "openai/gpt-5.1" {
		t.Errorf("model not normalized on the wire: got %q", gotModel)
	}
}

func TestQueryPerRequestAPIKey(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": "ok"}},
			},
		})
	}))
	defer server.Close()

	client := NewOpenRouterClient(server.URL, "default-key", zap.NewNop())
	_, err := client.Query(context.Background(), OpenRouterRequest{Model: "m"}, "caller-key", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer caller-key" {
		t.Errorf("authorization: got %q, want caller key", gotAuth)
	}
}

func TestQueryFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-success status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		},
		{
			name: "invalid JSON body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
		},
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"choices": []}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := NewOpenRouterClient(server.URL, "key", zap.NewNop())
			if _, err := client.Query(context.Background(), OpenRouterRequest{Model: "m"}, "", 5*time.Second); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestQueryTimeoutDegradesOnlyItself(t *testing.T) {
	slow := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req OpenRouterRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "prov/slow" {
			<-slow
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": "fast answer"}},
			},
		})
	}))
	defer server.Close()
	defer close(slow)

	client := NewOpenRouterClient(server.URL, "key", zap.NewNop())
	results := client.QueryAll(context.Background(), []modelCall{
		{Model: "prov/fast1", Timeout: 5 * time.Second},
		{Model: "prov/slow", Timeout: 100 * time.Millisecond},
		{Model: "prov/fast2", Timeout: 5 * time.Second},
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Reply.Content != "fast answer" {
		t.Errorf("fast1 should succeed: %+v", results[0])
	}
	if results[1].Err == nil {
		t.Error("slow model should have timed out")
	}
	if results[2].Err != nil || results[2].Reply.Content != "fast answer" {
		t.Errorf("fast2 should succeed despite sibling timeout: %+v", results[2])
	}
}

func TestQueryAllIndexAligned(t *testing.T) {
	server := newFakeOpenRouter(t, func(model string, req OpenRouterRequest) (string, int) {
		return "answer from " + model, http.StatusOK
	})

	client := NewOpenRouterClient(server.URL, "key", zap.NewNop())
	models := []string{"prov/c", "prov/a", "prov/b"}
	calls := make([]modelCall, len(models))
	for i, m := range models {
		calls[i] = modelCall{Model: m, Timeout: 5 * time.Second}
	}

	results := client.QueryAll(context.Background(), calls)
	for i, model := range models {
		if results[i].Model != model {
			t.Errorf("slot %d: got model %q, want %q", i, results[i].Model, model)
		}
		if results[i].Reply == nil || results[i].Reply.Content != "answer from "+model {
			t.Errorf("slot %d: got %+v", i, results[i])
		}
	}
}
