// Package config loads the conduit configuration file.
package config

import (
	"time"
)

// Config is the main configuration structure for conduit.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	NATS          NATSConfig          `yaml:"nats"`
	LLM           LLMConfig           `yaml:"llm"`
	Worker        WorkerConfig        `yaml:"worker"`
	Relay         RelayConfig         `yaml:"relay"`
	Tools         ToolsConfig         `yaml:"tools"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the CockroachDB/Postgres stores. An empty URL
// selects in-memory stores.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`

	// AutoMigrate applies pending migrations at startup.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// NATSConfig configures the message bus and run queue. An empty URL
// selects the in-process bus and queue.
type NATSConfig struct {
	URL      string        `yaml:"url"`
	Stream   string        `yaml:"stream"`
	Subject  string        `yaml:"subject"`
	Consumer string        `yaml:"consumer"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// LLMConfig configures model providers and the tool loop.
type LLMConfig struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Local     LocalConfig     `yaml:"local"`

	MaxIterations    int     `yaml:"max_iterations"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float32 `yaml:"temperature"`
	TopP             float32 `yaml:"top_p"`
	LocalTemperature float32 `yaml:"local_temperature"`

	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// HasProvider reports whether any model route is configured.
func (c LLMConfig) HasProvider() bool {
	return c.OpenAI.APIKey != "" || c.Anthropic.APIKey != "" || c.Local.Enabled()
}

// OpenAIConfig enables the native OpenAI route for models matching
// ModelPrefixes.
type OpenAIConfig struct {
	APIKey        string   `yaml:"api_key"`
	BaseURL       string   `yaml:"base_url"`
	ModelPrefixes []string `yaml:"model_prefixes"`
}

// AnthropicConfig enables the native Anthropic route for models matching
// ModelPrefixes.
type AnthropicConfig struct {
	APIKey        string   `yaml:"api_key"`
	BaseURL       string   `yaml:"base_url"`
	ModelPrefixes []string `yaml:"model_prefixes"`
}

// LocalConfig points at an OpenAI-compatible server for every other model.
type LocalConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// Model replaces the assistant's model name when set.
	Model string `yaml:"model"`
}

// Enabled reports whether a local endpoint is configured.
func (c LocalConfig) Enabled() bool {
	return c.BaseURL != ""
}

// WorkerConfig configures run execution workers.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	RunTimeout  time.Duration `yaml:"run_timeout"`
}

// RelayConfig configures client stream relays.
type RelayConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ProbeEvery   int           `yaml:"probe_every"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	VectorDBURL    string        `yaml:"vector_db_url"`
	KnowledgeTopK  int           `yaml:"knowledge_topk"`
	KnowledgeTopR  int           `yaml:"knowledge_topr"`
	SearXNGURL     string        `yaml:"searxng_url"`
	DuckDuckGoURL  string        `yaml:"duckduckgo_url"`
	SearchResults  int           `yaml:"search_results"`
	SearchCacheTTL time.Duration `yaml:"search_cache_ttl"`
	Timeout        time.Duration `yaml:"timeout"`

	// BrowseResults is how many top search results WebBrowse visits and
	// reads. Default: 3. Negative disables page visits.
	BrowseResults int `yaml:"browse_results"`
	MaxPageChars  int `yaml:"max_page_chars"`

	// Browser renders visited pages in headless Chromium instead of
	// fetching them over plain HTTP.
	Browser BrowserConfig `yaml:"browser"`

	// Timezone is the IANA zone GetDate reports in. Default: Local.
	Timezone string `yaml:"timezone"`
}

// BrowserConfig configures the headless Chromium pool.
type BrowserConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Headed       bool          `yaml:"headed"`
	Install      bool          `yaml:"install"`
	MaxInstances int           `yaml:"max_instances"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Location resolves Timezone.
func (c ToolsConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls the Prometheus endpoint on the gateway.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// On reports whether metrics are served. Default: true.
func (c MetricsConfig) On() bool {
	return c.Enabled == nil || *c.Enabled
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 2 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}

	if cfg.NATS.Stream == "" {
		cfg.NATS.Stream = "CONDUIT_RUNS"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "conduit.tasks.runs"
	}
	if cfg.NATS.Consumer == "" {
		cfg.NATS.Consumer = "conduit-workers"
	}
	if cfg.NATS.MaxAge == 0 {
		cfg.NATS.MaxAge = 24 * time.Hour
	}

	if len(cfg.LLM.OpenAI.ModelPrefixes) == 0 {
		cfg.LLM.OpenAI.ModelPrefixes = []string{"gpt-", "o1", "o3", "o4"}
	}
	if len(cfg.LLM.Anthropic.ModelPrefixes) == 0 {
		cfg.LLM.Anthropic.ModelPrefixes = []string{"claude-"}
	}
	if cfg.LLM.MaxIterations == 0 {
		cfg.LLM.MaxIterations = 10
	}
	if cfg.LLM.LocalTemperature == 0 {
		cfg.LLM.LocalTemperature = 0.1
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.RetryDelay == 0 {
		cfg.LLM.RetryDelay = time.Second
	}

	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.RunTimeout == 0 {
		cfg.Worker.RunTimeout = 10 * time.Minute
	}

	if cfg.Relay.PollInterval == 0 {
		cfg.Relay.PollInterval = time.Second
	}
	if cfg.Relay.ProbeEvery == 0 {
		cfg.Relay.ProbeEvery = 1
	}

	if cfg.Tools.KnowledgeTopK == 0 {
		cfg.Tools.KnowledgeTopK = 10
	}
	if cfg.Tools.KnowledgeTopR == 0 {
		cfg.Tools.KnowledgeTopR = 5
	}
	if cfg.Tools.SearchResults == 0 {
		cfg.Tools.SearchResults = 5
	}
	if cfg.Tools.SearchCacheTTL == 0 {
		cfg.Tools.SearchCacheTTL = 5 * time.Minute
	}
	if cfg.Tools.BrowseResults == 0 {
		cfg.Tools.BrowseResults = min(3, cfg.Tools.SearchResults)
	}
	if cfg.Tools.MaxPageChars == 0 {
		cfg.Tools.MaxPageChars = 4000
	}
	if cfg.Tools.Browser.MaxInstances == 0 {
		cfg.Tools.Browser.MaxInstances = 2
	}
	if cfg.Tools.Browser.Timeout == 0 {
		cfg.Tools.Browser.Timeout = 15 * time.Second
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Metrics.Path == "" {
		cfg.Observability.Metrics.Path = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "conduit"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}
