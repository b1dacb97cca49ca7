package main

import (
	"reflect"
	"testing"
)

// clearCouncilEnv resets every variable LoadConfig reads so tests do not
// inherit developer machines' settings. t.Setenv restores originals.
func clearCouncilEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPENROUTER_API_KEY", "OPENROUTER_API_URL",
		"COUNCIL_MODELS", "CHAIRMAN_MODEL", "TITLE_MODEL",
		"DATA_DIR", "PORT", "CORS_ALLOWED_ORIGINS",
		"ENABLE_GITHUB_SYNC", "GITHUB_TOKEN", "GITHUB_REPO",
		"GITHUB_BRANCH", "GITHUB_API_BASE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	h := NewTestHelper(t)
	clearCouncilEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "test-key")

	cfg, err := LoadConfig()
	h.AssertNoError(err, "load")
	h.AssertEqual(cfg.OpenRouterAPIKey, "test-key", "api key")
	h.AssertEqual(cfg.OpenRouterAPIURL, defaultAPIURL, "api url default")
	if !reflect.DeepEqual(cfg.CouncilModels, defaultCouncilModels) {
		t.Errorf("council models = %v, want defaults", cfg.CouncilModels)
	}
	h.AssertEqual(cfg.ChairmanModel, defaultChairmanModel, "chairman default")
	h.AssertEqual(cfg.TitleModel, defaultTitleModel, "title model default")
	h.AssertEqual(cfg.DataDir, defaultDataDir, "data dir default")
	h.AssertEqual(cfg.Port, defaultPort, "port default")
	h.AssertEqual(cfg.GitHubEnabled, false, "sync off by default")
}

func TestLoadConfigRequiresAPIKey(t *testing.T) {
	h := NewTestHelper(t)
	clearCouncilEnv(t)

	_, err := LoadConfig()
	h.AssertError(err, "missing OPENROUTER_API_KEY must be rejected")
}

func TestLoadConfigCouncilModelsOverride(t *testing.T) {
	h := NewTestHelper(t)
	clearCouncilEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv("COUNCIL_MODELS", " a/one, b/two ,,c/three ")

	cfg, err := LoadConfig()
	h.AssertNoError(err, "load")
	want := []string{"a/one", "b/two", "c/three"}
	if !reflect.DeepEqual(cfg.CouncilModels, want) {
		t.Errorf("council models = %v, want %v", cfg.CouncilModels, want)
	}
}

func TestLoadConfigGitHubSync(t *testing.T) {
	t.Run("incomplete settings rejected", func(t *testing.T) {
		h := NewTestHelper(t)
		clearCouncilEnv(t)
		t.Setenv("OPENROUTER_API_KEY", "test-key")
		t.Setenv("ENABLE_GITHUB_SYNC", "true")
		t.Setenv("GITHUB_TOKEN", "tok")
		// GITHUB_REPO left unset.
		_, err := LoadConfig()
		h.AssertError(err, "sync without repo must fail fast")
	})

	t.Run("fully configured", func(t *testing.T) {
		h := NewTestHelper(t)
		clearCouncilEnv(t)
		t.Setenv("OPENROUTER_API_KEY", "test-key")
		t.Setenv("ENABLE_GITHUB_SYNC", "TRUE")
		t.Setenv("GITHUB_TOKEN", "tok")
		t.Setenv("GITHUB_REPO", "owner/repo")
		t.Setenv("GITHUB_BRANCH", "replica")

		cfg, err := LoadConfig()
		h.AssertNoError(err, "load")
		h.AssertEqual(cfg.GitHubEnabled, true, "sync enabled")
		h.AssertEqual(cfg.GitHubRepo, "owner/repo", "repo")
		h.AssertEqual(cfg.GitHubBranch, "replica", "branch override")
	})

	t.Run("token without flag stays off", func(t *testing.T) {
		h := NewTestHelper(t)
		clearCouncilEnv(t)
		t.Setenv("OPENROUTER_API_KEY", "test-key")
		t.Setenv("GITHUB_TOKEN", "tok")
		t.Setenv("GITHUB_REPO", "owner/repo")

		cfg, err := LoadConfig()
		h.AssertNoError(err, "load")
		h.AssertEqual(cfg.GitHubEnabled, false, "sync requires explicit opt-in")
	})
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		fallback []string
		want     []string
	}{
		{"simple", "a,b", nil, []string{"a", "b"}},
		{"whitespace and empties", " a , ,b,", nil, []string{"a", "b"}},
		{"empty uses fallback", "", []string{"x"}, []string{"x"}},
		{"only commas uses fallback", ",,,", []string{"x"}, []string{"x"}},
		{"empty no fallback", "", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitList(tt.input, tt.fallback)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitList(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
