package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
version: 1
llm:
  local:
    base_url: http://localhost:8000/v1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.LLM.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.LLM.MaxIterations)
	}
	if cfg.LLM.LocalTemperature != 0.1 {
		t.Errorf("LocalTemperature = %v, want 0.1", cfg.LLM.LocalTemperature)
	}
	if cfg.Relay.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.Relay.PollInterval)
	}
	if cfg.NATS.Subject != "conduit.tasks.runs" {
		t.Errorf("Subject = %q", cfg.NATS.Subject)
	}
	if !cfg.Observability.Metrics.On() {
		t.Error("metrics should default on")
	}
	if !cfg.LLM.HasProvider() {
		t.Error("HasProvider() = false with local.base_url set")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", cfg.Version, CurrentVersion)
	}
	if cfg.LLM.HasProvider() {
		t.Error("HasProvider() = true with nothing configured")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
version: 1
server:
  host: 0.0.0.0
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadRequiresVersion(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 9000
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "version") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestLoadReportsAllIssues(t *testing.T) {
	path := writeConfig(t, `
version: 1
database:
  url: mysql://localhost/conduit
nats:
  url: http://localhost:4222
llm:
  top_p: 3
logging:
  level: loud
tools:
  timezone: Mars/Olympus
`)

	_, err := Load(path)
	var verr *ConfigValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ConfigValidationError, got %v", err)
	}
	for _, want := range []string{"database.url", "nats.url", "llm.top_p", "logging.level", "tools.timezone"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
	if len(verr.Issues) != 5 {
		t.Errorf("len(Issues) = %d, want 5: %v", len(verr.Issues), verr.Issues)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("CONDUIT_TEST_OPENAI_KEY", "sk-test")
	path := writeConfig(t, `
version: 1
llm:
  openai:
    api_key: ${CONDUIT_TEST_OPENAI_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.OpenAI.APIKey != "sk-test" {
		t.Fatalf("APIKey = %q, want sk-test", cfg.LLM.OpenAI.APIKey)
	}
	if got := cfg.LLM.OpenAI.ModelPrefixes; len(got) == 0 || got[0] != "gpt-" {
		t.Fatalf("ModelPrefixes = %v", got)
	}
}

func TestLoadIncludesMergeUnderParent(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte(`
worker:
  concurrency: 2
  run_timeout: 1m
relay:
  probe_every: 5
`), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	main := filepath.Join(dir, "conduit.yaml")
	if err := os.WriteFile(main, []byte(`
$include: base.yaml
version: 1
worker:
  concurrency: 8
`), 0o644); err != nil {
		t.Fatalf("write main: %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Worker.Concurrency)
	}
	if cfg.Worker.RunTimeout != time.Minute {
		t.Errorf("RunTimeout = %v, want 1m", cfg.Worker.RunTimeout)
	}
	if cfg.Relay.ProbeEvery != 5 {
		t.Errorf("ProbeEvery = %d, want 5", cfg.Relay.ProbeEvery)
	}
}

func TestLoadIncludeListWithEnvReferences(t *testing.T) {
	t.Setenv("CONDUIT_TEST_NATS", "nats://bus:4222")
	t.Setenv("include", "must-not-be-substituted")
	dir := t.TempDir()
	files := map[string]string{
		"worker.yaml": "worker:\n  concurrency: 3\n",
		"nats.yaml":   "nats:\n  url: ${CONDUIT_TEST_NATS}\n",
		"conduit.yaml": `$include:
  - worker.yaml
  - nats.yaml
version: 1
relay:
  probe_every: $CONDUIT_TEST_PROBE
`,
	}
	t.Setenv("CONDUIT_TEST_PROBE", "4")
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	cfg, err := Load(filepath.Join(dir, "conduit.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", cfg.Worker.Concurrency)
	}
	if cfg.NATS.URL != "nats://bus:4222" {
		t.Errorf("NATS.URL = %q", cfg.NATS.URL)
	}
	if cfg.Relay.ProbeEvery != 4 {
		t.Errorf("ProbeEvery = %d, want 4", cfg.Relay.ProbeEvery)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\nversion: 1\n"), 0o644); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatalf("write b: %v", err)
	}

	if _, err := Load(a); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conduit.json5")
	if err := os.WriteFile(path, []byte(`{
  // comments are allowed
  version: 1,
  server: { http_port: 9090 },
}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9090 {
		t.Fatalf("HTTPPort = %d, want 9090", cfg.Server.HTTPPort)
	}
}

func TestLoadBrowseSettings(t *testing.T) {
	tests := []struct {
		name    string
		tools   string
		browse  int
		wantErr string
	}{
		{"defaults", "timezone: UTC", 3, ""},
		{"capped by search results", "search_results: 2", 2, ""},
		{"disabled", "browse_results: -1", -1, ""},
		{"too many", "search_results: 2\n  browse_results: 4", 0, "tools.browse_results"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "version: 1\ntools:\n  "+tt.tools+"\n")
			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Tools.BrowseResults != tt.browse {
				t.Errorf("BrowseResults = %d, want %d", cfg.Tools.BrowseResults, tt.browse)
			}
			if cfg.Tools.MaxPageChars != 4000 || cfg.Tools.Browser.MaxInstances != 2 {
				t.Errorf("page defaults = %d chars, %d browsers", cfg.Tools.MaxPageChars, cfg.Tools.Browser.MaxInstances)
			}
		})
	}
}

func TestToolsLocation(t *testing.T) {
	loc, err := ToolsConfig{Timezone: "Europe/Berlin"}.Location()
	if err != nil {
		t.Fatalf("Location() error = %v", err)
	}
	if loc.String() != "Europe/Berlin" {
		t.Fatalf("Location() = %s", loc)
	}
	if loc, _ := (ToolsConfig{}).Location(); loc != time.Local {
		t.Fatalf("empty timezone should be Local, got %s", loc)
	}
}

func TestJSONSchemaUsesYAMLNames(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, want := range []string{`"max_iterations"`, `"poll_interval"`, `"vector_db_url"`} {
		if !strings.Contains(string(schema), want) {
			t.Errorf("schema missing %s", want)
		}
	}
}

func TestJSONSchemaDescribesDurationsAndIncludes(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Defs       map[string]struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		} `json:"$defs"`
	}
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if _, ok := schema.Properties["$include"]; !ok {
		t.Error("schema has no $include property")
	}
	if got := schema.Defs["WorkerConfig"].Properties["run_timeout"].Type; got != "string" {
		t.Errorf("worker.run_timeout type = %q, want string", got)
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conduit.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
