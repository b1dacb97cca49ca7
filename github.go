package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrRemoteNotFound = errors.New("remote object not found")
	ErrRemoteConflict = errors.New("remote revision conflict")
)

const (
	remoteStoragePath = "data/conversations"

	// Cap on how long a rate-limit wait hint is honored.
	maxRateLimitWait = 5 * time.Second

	remoteRequestTimeout   = 10 * time.Second
	remoteRateLimitRetries = 3
)

// RemoteStore is the capability interface over the version-controlled remote
// tier. Revisions are opaque content-derived tokens; a Put with a stale
// expected revision fails with ErrRemoteConflict and the caller re-fetches.
type RemoteStore interface {
	Enabled() bool
	Get(ctx context.Context, key string) (content []byte, revision string, err error)
	Put(ctx context.Context, key string, content []byte, expectedRevision, message string) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key, revision, message string) error
}

// disabledRemote is the no-op variant selected when remote sync is off.
type disabledRemote struct{}

// NewDisabledRemote returns a RemoteStore on which every read is absent and
// every write succeeds without doing anything.
func NewDisabledRemote() RemoteStore { return disabledRemote{} }

func (disabledRemote) Enabled() bool { return false }
func (disabledRemote) Get(context.Context, string) ([]byte, string, error) {
	return nil, "", ErrRemoteNotFound
}
func (disabledRemote) Put(context.Context, string, []byte, string, string) error { return nil }
func (disabledRemote) List(context.Context) ([]string, error)                    { return nil, nil }
func (disabledRemote) Delete(context.Context, string, string, string) error      { return nil }

// GitHubRemote stores one JSON object per conversation in a repository via
// the contents API. The blob sha serves as the revision token.
type GitHubRemote struct {
	apiBase string
	repo    string
	branch  string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	// sleep is swapped out in tests to avoid real waits.
	sleep func(time.Duration)
}

// NewGitHubRemote creates a remote tier client for the given repo and branch.
func NewGitHubRemote(apiBase, repo, branch, token string, logger *zap.Logger) *GitHubRemote {
	return &GitHubRemote{
		apiBase: strings.TrimRight(apiBase, "/"),
		repo:    repo,
		branch:  branch,
		token:   token,
		client:  &http.Client{Timeout: remoteRequestTimeout},
		// The GitHub contents API tolerates about one write per second per
		// repo before secondary limits kick in.
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		logger:  logger,
		sleep:   time.Sleep,
	}
}

func (g *GitHubRemote) Enabled() bool { return true }

func (g *GitHubRemote) contentURL(key string) string {
	return fmt.Sprintf("%s/repos/%s/contents/%s/%s", g.apiBase, g.repo, remoteStoragePath, key)
}

// do issues one API request, retrying after rate-limit responses. The wait
// comes from the X-RateLimit-Reset header, clamped to [1s, maxRateLimitWait].
func (g *GitHubRemote) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	for attempt := 0; attempt < remoteRateLimitRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "token "+g.token)
		req.Header.Set("Accept", "application/vnd.github.v3+json")
		req.Header.Set("User-Agent", "LLM-Council-Backend")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		wait := time.Second
		if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			if until := time.Until(time.Unix(reset, 0)); until > wait {
				wait = until
			}
		}
		if wait > maxRateLimitWait {
			wait = maxRateLimitWait
		}
		resp.Body.Close()
		g.logger.Warn("rate limited by GitHub",
			zap.Duration("wait", wait),
			zap.Int("attempt", attempt+1))
		g.sleep(wait)
	}
	return nil, fmt.Errorf("rate limited after %d attempts", remoteRateLimitRetries)
}

type contentsResponse struct {
	Name    string `json:"name"`
	SHA     string `json:"sha"`
	Content string `json:"content"`
}

// Get fetches the object and its current revision token.
func (g *GitHubRemote) Get(ctx context.Context, key string) ([]byte, string, error) {
	resp, err := g.do(ctx, "GET", g.contentURL(key)+"?ref="+g.branch, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", ErrRemoteNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("remote get returned status %d: %s", resp.StatusCode, string(body))
	}

	var contents contentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&contents); err != nil {
		return nil, "", fmt.Errorf("failed to parse contents response: %w", err)
	}
	// The contents API wraps base64 at 60 columns.
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(contents.Content, "\n", ""))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode content: %w", err)
	}
	return decoded, contents.SHA, nil
}

// Put writes the object. expectedRevision must be the current sha when the
// object already exists, or empty to create; a stale sha yields
// ErrRemoteConflict and the caller re-fetches before retrying.
func (g *GitHubRemote) Put(ctx context.Context, key string, content []byte, expectedRevision, message string) error {
	payload := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  g.branch,
	}
	if expectedRevision != "" {
		payload["sha"] = expectedRevision
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal put payload: %w", err)
	}

	resp, err := g.do(ctx, "PUT", g.contentURL(key), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return ErrRemoteConflict
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("remote put returned status %d: %s", resp.StatusCode, string(respBody))
	}
}

// List returns the JSON object keys currently stored under the logical path.
func (g *GitHubRemote) List(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/repos/%s/contents/%s?ref=%s", g.apiBase, g.repo, remoteStoragePath, g.branch)
	resp, err := g.do(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote list returned status %d: %s", resp.StatusCode, string(body))
	}

	var entries []contentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to parse list response: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name, ".json") {
			names = append(names, entry.Name)
		}
	}
	return names, nil
}

// Delete removes the object at the given revision. Deleting an absent object
// is not an error.
func (g *GitHubRemote) Delete(ctx context.Context, key, revision, message string) error {
	payload := map[string]string{
		"message": message,
		"sha":     revision,
		"branch":  g.branch,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal delete payload: %w", err)
	}

	resp, err := g.do(ctx, "DELETE", g.contentURL(key), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		return nil
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return ErrRemoteConflict
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("remote delete returned status %d: %s", resp.StatusCode, string(respBody))
	}
}
