package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OpenRouterClient is the gateway for all OpenRouter API calls.
type OpenRouterClient struct {
	apiKey string
	apiURL string
	logger *zap.Logger
}

// NewOpenRouterClient creates a client bound to the given endpoint and
// default API key.
func NewOpenRouterClient(apiURL, apiKey string, logger *zap.Logger) *OpenRouterClient {
	return &OpenRouterClient{
		apiKey: apiKey,
		apiURL: apiURL,
		logger: logger,
	}
}

// modelCall describes one model invocation for the parallel dispatcher.
type modelCall struct {
	Model    string
	Messages []OpenRouterMessage
	APIKey   string
	Timeout  time.Duration
}

// callResult is the settled outcome of one modelCall. Exactly one of Reply
// and Err is set.
type callResult struct {
	Model string
	Reply *ModelReply
	Err   error
}

// NormalizeModelID collapses duplicated provider prefixes in a model
// identifier, e.g. "openai/openai/gpt-5.1" becomes "openai/gpt-5.1".
func NormalizeModelID(model string) string {
	parts := strings.Split(model, "/")
	out := parts[:0]
	for _, p := range parts {
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "/")
}

// Query sends one chat-completions request with its own timeout. The request
// body is built by the caller; apiKey overrides the client default when set.
func (c *OpenRouterClient) Query(ctx context.Context, req OpenRouterRequest, apiKey string, timeout time.Duration) (*ModelReply, error) {
	if apiKey == "" {
		apiKey = c.apiKey
	}
	req.Model = NormalizeModelID(req.Model)

	client := &http.Client{Timeout: timeout}

	payloadBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var apiResponse openRouterAPIResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	message := apiResponse.Choices[0].Message
	return &ModelReply{
		Content:   message.Content,
		Reasoning: message.ReasoningDetails,
	}, nil
}

// QueryAll runs every call concurrently and returns the settled outcomes in
// a slice index-aligned with the input, regardless of completion order. A
// failed or timed-out call degrades only its own slot; siblings are never
// delayed or aborted.
func (c *OpenRouterClient) QueryAll(ctx context.Context, calls []modelCall) []callResult {
	results := make([]callResult, len(calls))

	g, ctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			reply, err := c.Query(ctx, OpenRouterRequest{
				Model:    call.Model,
				Messages: call.Messages,
			}, call.APIKey, call.Timeout)

			if err != nil {
				c.logger.Warn("model query failed",
					zap.String("model", call.Model),
					zap.Error(err))
			}
			// Each goroutine owns exactly one slot, no locking needed.
			results[i] = callResult{Model: call.Model, Reply: reply, Err: err}
			return nil // Don't propagate error, continue with other models
		})
	}

	// Goroutines never return errors; Wait is just the join point.
	_ = g.Wait()
	return results
}
