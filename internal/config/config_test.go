package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "errand.yaml")
	content := []byte(`
server:
  address: ":9090"
queue:
  driver: redis
  redis:
    address: "127.0.0.1:6379"
telephony:
  twilio:
    account_sid: AC123
    auth_token: secret
    from_number: "+15550001111"
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != filepath.Join(dir, "data", "errand.db") {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Workers != 4 {
		t.Fatalf("unexpected queue config: %+v", cfg.Queue)
	}
	if cfg.Runtime.PublicBaseURL != "http://localhost:9090" {
		t.Fatalf("unexpected public base url %q", cfg.Runtime.PublicBaseURL)
	}
	if !cfg.Telephony.Twilio.Enabled() || cfg.Telephony.Gateway.Enabled() {
		t.Fatalf("unexpected telephony enablement: %+v", cfg.Telephony)
	}
	if cfg.Telephony.Gateway.TimeoutSecs != 15 {
		t.Fatalf("gateway timeout should default to 15s, got %d", cfg.Telephony.Gateway.TimeoutSecs)
	}
}

func TestParseAcceptsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"storage":{"driver":"mysql","dsn":"root@tcp(db)/errand"}}`))
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if cfg.Storage.Driver != "mysql" {
		t.Fatalf("unexpected driver %q", cfg.Storage.Driver)
	}
}

func TestSecretsFromEnvironment(t *testing.T) {
	t.Setenv("ERRAND_TEST_HOOK", "hook-token")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Parse([]byte("telephony:\n  gateway:\n    url: http://gw\n    hook_token_env: ERRAND_TEST_HOOK\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telephony.Gateway.HookToken != "hook-token" {
		t.Fatalf("hook token not resolved: %q", cfg.Telephony.Gateway.HookToken)
	}
	if cfg.LLM.OpenAI.APIKey != "sk-test" {
		t.Fatalf("api key should default to OPENAI_API_KEY, got %q", cfg.LLM.OpenAI.APIKey)
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
