package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults applied when the environment leaves a setting unset.
var defaultCouncilModels = []string{
	"openai/gpt-5.1",
	"google/gemini-3-pro-preview",
	"anthropic/claude-sonnet-4.5",
	"x-ai/grok-4",
}

const (
	defaultChairmanModel = "google/gemini-3-pro-preview"
	defaultTitleModel    = "google/gemini-2.5-flash"
	defaultAPIURL        = "https://openrouter.ai/api/v1/chat/completions"
	defaultDataDir       = "data/conversations"
	defaultGitHubAPIBase = "https://api.github.com"
	defaultGitHubBranch  = "main"
	defaultPort          = "8001"

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20
)

// Config holds every setting the process needs, loaded once at startup and
// injected into the components that use it.
type Config struct {
	OpenRouterAPIKey string
	OpenRouterAPIURL string

	CouncilModels []string
	ChairmanModel string
	TitleModel    string

	ModelQueryTimeout time.Duration
	TitleGenTimeout   time.Duration

	DataDir string

	GitHubEnabled bool
	GitHubToken   string
	GitHubRepo    string
	GitHubBranch  string
	GitHubAPIBase string

	CORSAllowedOrigins []string
	Port               string
}

// LoadConfig reads configuration from the environment, first loading a .env
// file from the current or parent directory if one exists.
func LoadConfig() (*Config, error) {
	// Load .env file - try multiple locations
	for _, envPath := range []string{".env", "../.env"} {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				break
			}
		}
	}

	cfg := &Config{
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterAPIURL:  envOr("OPENROUTER_API_URL", defaultAPIURL),
		CouncilModels:     splitList(os.Getenv("COUNCIL_MODELS"), defaultCouncilModels),
		ChairmanModel:     envOr("CHAIRMAN_MODEL", defaultChairmanModel),
		TitleModel:        envOr("TITLE_MODEL", defaultTitleModel),
		ModelQueryTimeout: 120 * time.Second,
		TitleGenTimeout:   30 * time.Second,
		DataDir:           envOr("DATA_DIR", defaultDataDir),
		GitHubToken:       os.Getenv("GITHUB_TOKEN"),
		GitHubRepo:        os.Getenv("GITHUB_REPO"),
		GitHubBranch:      envOr("GITHUB_BRANCH", defaultGitHubBranch),
		GitHubAPIBase:     envOr("GITHUB_API_BASE", defaultGitHubAPIBase),
		Port:              envOr("PORT", defaultPort),
	}

	if cfg.OpenRouterAPIKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY environment variable is required")
	}

	// Remote sync stays off unless explicitly enabled and fully configured.
	if strings.EqualFold(os.Getenv("ENABLE_GITHUB_SYNC"), "true") {
		if cfg.GitHubToken == "" || cfg.GitHubRepo == "" {
			return nil, fmt.Errorf("ENABLE_GITHUB_SYNC=true requires GITHUB_TOKEN and GITHUB_REPO")
		}
		cfg.GitHubEnabled = true
	}

	cfg.CORSAllowedOrigins = splitList(os.Getenv("CORS_ALLOWED_ORIGINS"), nil)

	return cfg, nil
}

// envOr returns the value of the environment variable or the fallback.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// splitList parses a comma-separated list, trimming whitespace and dropping
// empty entries. Returns fallback when the input yields nothing.
func splitList(s string, fallback []string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
