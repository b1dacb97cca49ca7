package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

// TestHelper provides utilities for tests
type TestHelper struct {
	t *testing.T
}

// NewTestHelper creates a new test helper
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// AssertEqual checks if two values are equal
func (h *TestHelper) AssertEqual(got, want interface{}, message string) {
	h.t.Helper()
	if got != want {
		h.t.Errorf("%s: got %v, want %v", message, got, want)
	}
}

// AssertNoError checks if an error is nil
func (h *TestHelper) AssertNoError(err error, message string) {
	h.t.Helper()
	if err != nil {
		h.t.Errorf("%s: unexpected error: %v", message, err)
	}
}

// AssertError checks if an error is not nil
func (h *TestHelper) AssertError(err error, message string) {
	h.t.Helper()
	if err == nil {
		h.t.Errorf("%s: expected error, got nil", message)
	}
}

// newTestConfig returns a config pointed at the given fake OpenRouter
// endpoint with fast timeouts.
func newTestConfig(apiURL, dataDir string) *Config {
	return &Config{
		OpenRouterAPIKey:  "test-key",
		OpenRouterAPIURL:  apiURL,
		CouncilModels:     []string{"prov/model1", "prov/model2", "prov/model3"},
		ChairmanModel:     "prov/chairman",
		TitleModel:        "prov/title",
		ModelQueryTimeout: 5 * time.Second,
		TitleGenTimeout:   5 * time.Second,
		DataDir:           dataDir,
	}
}

// newTestStore builds a store over a temp dir backed by a disabled remote.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	replicator := NewReplicator(NewDisabledRemote(), dir, zap.NewNop())
	return NewStore(dir, replicator, zap.NewNop())
}

// modelResponder decides what a fake model answers; returning an error
// status simulates that model failing.
type modelResponder func(model string, req OpenRouterRequest) (content string, status int)

// newFakeOpenRouter runs an httptest server speaking the chat-completions
// wire shape, dispatching per model via the responder.
func newFakeOpenRouter(t *testing.T, respond modelResponder) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req OpenRouterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		content, status := respond(req.Model, req)
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error": "model unavailable"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": content}},
			},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

// newTestCouncil wires a council to a fake OpenRouter server and a local
// temp-dir store with replication disabled.
func newTestCouncil(t *testing.T, respond modelResponder) (*Council, *Store) {
	t.Helper()
	server := newFakeOpenRouter(t, respond)
	dataDir := t.TempDir()
	cfg := newTestConfig(server.URL, dataDir)
	replicator := NewReplicator(NewDisabledRemote(), dataDir, zap.NewNop())
	store := NewStore(dataDir, replicator, zap.NewNop())
	client := NewOpenRouterClient(cfg.OpenRouterAPIURL, cfg.OpenRouterAPIKey, zap.NewNop())
	return NewCouncil(client, store, cfg, zap.NewNop()), store
}

// rankingJSON builds a judge answer ranking the given labels in order.
func rankingJSON(labels ...string) string {
	items := make([]RankedItem, len(labels))
	for i, label := range labels {
		items[i] = RankedItem{Label: label, Reason: "reason " + label}
	}
	data, _ := json.Marshal(items)
	return string(data)
}
