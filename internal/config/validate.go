package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ConfigValidationError lists every problem found in a configuration.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Validate reports all configuration problems at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("version: %v", err)
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port must be between 0 and 65535")
	}
	if c.Database.URL != "" && !hasScheme(c.Database.URL, "postgres", "postgresql", "cockroachdb") {
		add("database.url must be a postgres:// or postgresql:// DSN")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		add("database.max_idle_conns must not exceed database.max_open_conns")
	}
	if c.NATS.URL != "" && !hasScheme(c.NATS.URL, "nats", "tls", "ws", "wss") {
		add("nats.url must use the nats:// or tls:// scheme")
	}
	if c.NATS.Subject != "" && strings.ContainsAny(c.NATS.Subject, "*> ") {
		add("nats.subject must be a literal subject")
	}

	if c.LLM.Local.BaseURL != "" && !hasScheme(c.LLM.Local.BaseURL, "http", "https") {
		add("llm.local.base_url must be an http(s) URL")
	}
	if c.LLM.MaxIterations < 0 {
		add("llm.max_iterations must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature must be between 0 and 2")
	}
	if c.LLM.TopP < 0 || c.LLM.TopP > 1 {
		add("llm.top_p must be between 0 and 1")
	}

	if c.Worker.Concurrency < 1 {
		add("worker.concurrency must be at least 1")
	}
	if c.Worker.RunTimeout < 0 {
		add("worker.run_timeout must not be negative")
	}
	if c.Relay.PollInterval <= 0 {
		add("relay.poll_interval must be positive")
	}
	if c.Relay.ProbeEvery < 0 {
		add("relay.probe_every must not be negative")
	}

	if c.Tools.VectorDBURL != "" && !hasScheme(c.Tools.VectorDBURL, "http", "https") {
		add("tools.vector_db_url must be an http(s) URL")
	}
	if c.Tools.SearXNGURL != "" && !hasScheme(c.Tools.SearXNGURL, "http", "https") {
		add("tools.searxng_url must be an http(s) URL")
	}
	if c.Tools.BrowseResults > c.Tools.SearchResults {
		add("tools.browse_results must not exceed tools.search_results")
	}
	if c.Tools.MaxPageChars < 0 {
		add("tools.max_page_chars must not be negative")
	}
	if c.Tools.Browser.MaxInstances < 0 {
		add("tools.browser.max_instances must not be negative")
	}
	if _, err := c.Tools.Location(); err != nil {
		add("tools.timezone: %v", err)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}
	if !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		add("observability.metrics.path must start with /")
	}
	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func hasScheme(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return true
		}
	}
	return false
}
