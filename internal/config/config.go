// Package config loads the runtime configuration for the routa binary.
//
// Settings come from three layers with increasing precedence: built-in
// defaults, an optional routa.yaml file, and ROUTA_* environment
// variables. The loaded Config is plain data; cmd/routa maps it onto the
// option sets of the packages it wires together.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"routa/internal/llm"
	"routa/internal/plan"
)

// Config is the full configuration tree. Field names mirror the YAML
// layout; every key can also be set through the environment, e.g.
// provider.api_key becomes ROUTA_PROVIDER_API_KEY.
type Config struct {
	Provider     Provider     `mapstructure:"provider" yaml:"provider"`
	Orchestrator Orchestrator `mapstructure:"orchestrator" yaml:"orchestrator"`
	Workspace    Workspace    `mapstructure:"workspace" yaml:"workspace"`
	Server       Server       `mapstructure:"server" yaml:"server"`
	Recall       Recall       `mapstructure:"recall" yaml:"recall"`
	Log          Log          `mapstructure:"log" yaml:"log"`
	Tracing      Tracing      `mapstructure:"tracing" yaml:"tracing"`
	Prompts      Prompts      `mapstructure:"prompts" yaml:"prompts"`

	// File is the config file the values were read from, empty when
	// running on defaults and environment alone.
	File string `mapstructure:"-" yaml:"-"`
}

// Provider configures the OpenAI-compatible endpoint shared by every
// agent role. SmartModel drives planning and verification, FastModel
// drives crafter execution.
type Provider struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`
	SmartModel     string `mapstructure:"smart_model" yaml:"smart_model"`
	FastModel      string `mapstructure:"fast_model" yaml:"fast_model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// ClientConfig maps the provider section onto the LLM transport config.
func (p Provider) ClientConfig() llm.Config {
	return llm.Config{
		APIKey:     p.APIKey,
		BaseURL:    p.BaseURL,
		Timeout:    p.TimeoutSeconds,
		MaxRetries: p.MaxRetries,
	}
}

// Orchestrator bounds a single run: how many model/tool iterations one
// agent may take, how many scheduling waves one request may take, and
// how many crafters may work a wave at once.
type Orchestrator struct {
	MaxIterations  int `mapstructure:"max_iterations" yaml:"max_iterations"`
	MaxWaves       int `mapstructure:"max_waves" yaml:"max_waves"`
	MaxParallelism int `mapstructure:"max_parallelism" yaml:"max_parallelism"`
	ContextBudget  int `mapstructure:"context_budget" yaml:"context_budget"`
}

// Workspace controls the file tools and task persistence. Root is the
// directory file tools are confined to (empty means the current
// directory). DataDir enables on-disk task and conversation storage;
// empty keeps everything in memory.
type Workspace struct {
	Root       string `mapstructure:"root" yaml:"root"`
	AllowWrite bool   `mapstructure:"allow_write" yaml:"allow_write"`
	DataDir    string `mapstructure:"data_dir" yaml:"data_dir"`
}

// Server configures the A2A endpoint started by routa serve.
type Server struct {
	Host         string   `mapstructure:"host" yaml:"host"`
	Port         int      `mapstructure:"port" yaml:"port"`
	AllowOrigins []string `mapstructure:"allow_origins" yaml:"allow_origins"`
	Debug        bool     `mapstructure:"debug" yaml:"debug"`
}

// Addr returns the host:port the server binds to.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Recall configures the semantic conversation index. The index only
// runs when enabled and an embeddings endpoint is reachable through
// either an API key or an explicit base URL.
type Recall struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	Model    string `mapstructure:"model" yaml:"model"`
	IndexDir string `mapstructure:"index_dir" yaml:"index_dir"`
}

// Active reports whether the recall index should be wired in.
func (r Recall) Active() bool {
	return r.Enabled && (r.APIKey != "" || r.BaseURL != "")
}

// Log selects the level and encoding of structured log output.
type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Tracing configures the OpenTelemetry exporter. Disabled by default;
// when enabled, Exporter picks between otlp and zipkin.
type Tracing struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter       string  `mapstructure:"exporter" yaml:"exporter"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint" yaml:"zipkin_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// Prompts points at an optional YAML file of role prompt overrides.
type Prompts struct {
	File string `mapstructure:"file" yaml:"file"`
}

// Default returns the built-in configuration. Every value here can be
// overridden by file or environment.
func Default() Config {
	return Config{
		Provider: Provider{
			BaseURL:        "https://api.openai.com/v1",
			SmartModel:     "gpt-4o",
			FastModel:      "gpt-4o-mini",
			TimeoutSeconds: 60,
			MaxRetries:     3,
		},
		Orchestrator: Orchestrator{
			MaxIterations:  10,
			MaxWaves:       3,
			MaxParallelism: plan.MaxParallelism,
			ContextBudget:  64000,
		},
		Server: Server{
			Host:         "127.0.0.1",
			Port:         8080,
			AllowOrigins: []string{},
		},
		Recall: Recall{
			Model: "text-embedding-3-small",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Tracing: Tracing{
			Exporter:   "otlp",
			SampleRate: 1.0,
		},
	}
}

// normalize trims whitespace from user-supplied strings and lowercases
// the enum-valued ones so Validate can compare exactly.
func (c *Config) normalize() {
	c.Provider.BaseURL = strings.TrimSpace(c.Provider.BaseURL)
	c.Provider.APIKey = strings.TrimSpace(c.Provider.APIKey)
	c.Provider.SmartModel = strings.TrimSpace(c.Provider.SmartModel)
	c.Provider.FastModel = strings.TrimSpace(c.Provider.FastModel)
	c.Workspace.Root = strings.TrimSpace(c.Workspace.Root)
	c.Workspace.DataDir = strings.TrimSpace(c.Workspace.DataDir)
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	c.Recall.BaseURL = strings.TrimSpace(c.Recall.BaseURL)
	c.Recall.APIKey = strings.TrimSpace(c.Recall.APIKey)
	c.Recall.Model = strings.TrimSpace(c.Recall.Model)
	c.Recall.IndexDir = strings.TrimSpace(c.Recall.IndexDir)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Tracing.Exporter = strings.ToLower(strings.TrimSpace(c.Tracing.Exporter))
	c.Prompts.File = strings.TrimSpace(c.Prompts.File)
}

// Validate checks ranges and enum values. It does not require an API
// key: commands that never call the model, like config show, must work
// without one, so the key check lives with the commands that run agents.
func (c *Config) Validate() error {
	if c.Provider.TimeoutSeconds < 1 {
		return fmt.Errorf("config: provider.timeout_seconds must be at least 1, got %d", c.Provider.TimeoutSeconds)
	}
	if c.Provider.MaxRetries < 0 {
		return fmt.Errorf("config: provider.max_retries must not be negative, got %d", c.Provider.MaxRetries)
	}
	if c.Provider.SmartModel == "" || c.Provider.FastModel == "" {
		return fmt.Errorf("config: provider.smart_model and provider.fast_model must be set")
	}
	if c.Orchestrator.MaxIterations < 1 {
		return fmt.Errorf("config: orchestrator.max_iterations must be at least 1, got %d", c.Orchestrator.MaxIterations)
	}
	if c.Orchestrator.MaxWaves < 1 {
		return fmt.Errorf("config: orchestrator.max_waves must be at least 1, got %d", c.Orchestrator.MaxWaves)
	}
	if p := c.Orchestrator.MaxParallelism; p < plan.MinParallelism || p > plan.MaxParallelism {
		return fmt.Errorf("config: orchestrator.max_parallelism must be between %d and %d, got %d",
			plan.MinParallelism, plan.MaxParallelism, p)
	}
	if c.Orchestrator.ContextBudget < 0 {
		return fmt.Errorf("config: orchestrator.context_budget must not be negative, got %d", c.Orchestrator.ContextBudget)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "zipkin":
		default:
			return fmt.Errorf("config: tracing.exporter must be otlp or zipkin, got %q", c.Tracing.Exporter)
		}
	}
	if r := c.Tracing.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("config: tracing.sample_rate must be between 0 and 1, got %v", r)
	}
	return nil
}

// Redacted returns a copy safe for display, with API keys masked.
func (c Config) Redacted() Config {
	c.Provider.APIKey = maskKey(c.Provider.APIKey)
	c.Recall.APIKey = maskKey(c.Recall.APIKey)
	return c
}

// maskKey hides the middle of a credential. Rune-based slicing keeps
// multi-byte keys intact.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	runes := []rune(key)
	if len(runes) < 16 {
		return "****"
	}
	return string(runes[:8]) + "..." + string(runes[len(runes)-8:])
}

// Render returns the configuration as YAML with credentials masked,
// for routa config show.
func (c Config) Render() (string, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "", fmt.Errorf("config: render: %w", err)
	}
	return string(out), nil
}

// DefaultYAML renders the built-in defaults as a starting routa.yaml.
func DefaultYAML() (string, error) {
	out, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("config: render defaults: %w", err)
	}
	var b strings.Builder
	b.WriteString("# routa configuration. Every key can be overridden with a\n")
	b.WriteString("# ROUTA_* environment variable, e.g. ROUTA_PROVIDER_API_KEY.\n\n")
	b.Write(out)
	return b.String(), nil
}
