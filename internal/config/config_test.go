package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: ${GATEHOUSE_TEST_DATA_DIR}\n"), 0600)
	os.Setenv("GATEHOUSE_TEST_DATA_DIR", "/tmp/gatehouse-test")
	defer os.Unsetenv("GATEHOUSE_TEST_DATA_DIR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DataDir != "/tmp/gatehouse-test" {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, "/tmp/gatehouse-test")
	}
}

func TestLoad_ProvidersConfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("providers:\n  - label: local\n    base_url: http://localhost:11434\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("providers length = %d, want 1", len(cfg.Providers))
	}
	if cfg.Providers[0].Kind != "ollama" {
		t.Errorf("providers[0].kind = %q, want default %q", cfg.Providers[0].Kind, "ollama")
	}
	if !cfg.Providers[0].Configured() {
		t.Error("expected provider to be Configured()")
	}
}

func TestApplyDefaults_DefaultProvider(t *testing.T) {
	cfg := Default()
	if len(cfg.Providers) != 1 {
		t.Fatalf("expected one default provider, got %d", len(cfg.Providers))
	}
	if cfg.Providers[0].BaseURL != "http://localhost:11434" {
		t.Errorf("default provider base_url = %q, want %q", cfg.Providers[0].BaseURL, "http://localhost:11434")
	}
	if cfg.Retrieval.DefaultPolicy != "skip" {
		t.Errorf("default retrieval policy = %q, want %q", cfg.Retrieval.DefaultPolicy, "skip")
	}
}

func TestValidate_ListenPortRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range listen.port")
	}
}

func TestValidate_ProviderMissingBaseURL(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderEntry{{Label: "broken"}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for provider missing base_url")
	}
}

func TestValidate_RetrievalPolicyInvalid(t *testing.T) {
	cfg := Default()
	cfg.Retrieval.DefaultPolicy = "bogus"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid retrieval.default_policy")
	}
}

func TestValidate_RetrievalPolicyValid(t *testing.T) {
	cfg := Default()
	for _, policy := range []string{"skip", "simple", "summarizing"} {
		cfg.Retrieval.DefaultPolicy = policy
		if err := cfg.Validate(); err != nil {
			t.Errorf("policy %q: unexpected validation error: %v", policy, err)
		}
	}
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "trace"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error for valid log level: %v", err)
	}

	cfg.LogLevel = "noisy"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
