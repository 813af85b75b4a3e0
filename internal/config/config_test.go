package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := writeConfig(t, "loanhive.yaml", `
server:
  listen_addr: ":9090"
  api_keys:
    secret-1: crm-backend
  rate_limit_per_min: 30
storage:
  driver: sqlite
  sqlite:
    path: /tmp/loanhive-test.db
llm:
  api_key: file-key
  default_model: gpt-4o
agents:
  routes:
    email: coordinator
    sms: receptionist
orchestrator:
  max_concurrent: 4
  tool_timeout_s: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr() != ":9090" || cfg.Server.RateLimit() != 30 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Server.APIKeys["secret-1"] != "crm-backend" {
		t.Fatalf("api keys = %v", cfg.Server.APIKeys)
	}
	if cfg.StorageDriverName() != "sqlite" || cfg.DatabasePath() != "/tmp/loanhive-test.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.LLM.APIKey != "file-key" || cfg.LLM.Model() != "gpt-4o" {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
	routes := cfg.Agents.TypedRoutes()
	if routes["email"] != "coordinator" {
		t.Fatalf("routes = %v", routes)
	}
	if cfg.Orchestrator.Concurrency() != 4 {
		t.Fatalf("concurrency = %d", cfg.Orchestrator.Concurrency())
	}
	if cfg.Orchestrator.Replans() != 2 {
		t.Fatalf("replans default = %d", cfg.Orchestrator.Replans())
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("TWILIO_AUTH_TOKEN", "env-token")
	path := writeConfig(t, "loanhive.json", `{
  "llm": {"api_key": "file-key"},
  "twilio": {"account_sid": "AC1", "auth_token": "file-token", "from": "+15550001111"},
  "agents": {"routes": {"api": "dispatcher"}}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Fatalf("llm api key = %q, want env override", cfg.LLM.APIKey)
	}
	if cfg.Twilio.AuthToken != "env-token" {
		t.Fatalf("twilio token = %q, want env override", cfg.Twilio.AuthToken)
	}
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, "loanhive.yaml", `
storage:
  driver: oracle
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestLoad_RejectsUnknownRouteType(t *testing.T) {
	path := writeConfig(t, "loanhive.yaml", `
agents:
  routes:
    email: plumber
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown agent type error")
	}
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("LOANHIVE_DB_DSN", "")
	path := writeConfig(t, "loanhive.yaml", `
storage:
  driver: postgres
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected missing dsn error")
	}
}

func TestLoad_MailroomValidation(t *testing.T) {
	path := writeConfig(t, "loanhive.yaml", `
mailroom:
  enabled: true
  accounts:
    - mailbox: loans@acme.com
      tenant_id: t1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected missing client_id error")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr() != ":8080" || cfg.Server.RateLimit() != 60 {
		t.Fatalf("server defaults = %+v", cfg.Server)
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Fatalf("driver = %s", cfg.StorageDriverName())
	}
	if len(cfg.Agents.Routes) == 0 {
		t.Fatal("default routes empty")
	}
}
