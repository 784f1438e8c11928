package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load builds the configuration from defaults, an optional YAML file,
// and ROUTA_* environment variables, later layers winning. With an
// empty path the loader searches for routa.yaml in the current
// directory and the user's home directory and a missing file is fine;
// an explicit path that cannot be read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("routa")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	v.SetEnvPrefix("ROUTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Register every key so environment-only values survive Unmarshal:
	// viper resolves env variables only for keys it already knows.
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("provider.base_url", def.Provider.BaseURL)
	v.SetDefault("provider.api_key", def.Provider.APIKey)
	v.SetDefault("provider.smart_model", def.Provider.SmartModel)
	v.SetDefault("provider.fast_model", def.Provider.FastModel)
	v.SetDefault("provider.timeout_seconds", def.Provider.TimeoutSeconds)
	v.SetDefault("provider.max_retries", def.Provider.MaxRetries)

	v.SetDefault("orchestrator.max_iterations", def.Orchestrator.MaxIterations)
	v.SetDefault("orchestrator.max_waves", def.Orchestrator.MaxWaves)
	v.SetDefault("orchestrator.max_parallelism", def.Orchestrator.MaxParallelism)
	v.SetDefault("orchestrator.context_budget", def.Orchestrator.ContextBudget)

	v.SetDefault("workspace.root", def.Workspace.Root)
	v.SetDefault("workspace.allow_write", def.Workspace.AllowWrite)
	v.SetDefault("workspace.data_dir", def.Workspace.DataDir)

	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.allow_origins", []string{})
	v.SetDefault("server.debug", def.Server.Debug)

	v.SetDefault("recall.enabled", def.Recall.Enabled)
	v.SetDefault("recall.base_url", def.Recall.BaseURL)
	v.SetDefault("recall.api_key", def.Recall.APIKey)
	v.SetDefault("recall.model", def.Recall.Model)
	v.SetDefault("recall.index_dir", def.Recall.IndexDir)

	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)

	v.SetDefault("tracing.enabled", def.Tracing.Enabled)
	v.SetDefault("tracing.exporter", def.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", def.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.zipkin_endpoint", def.Tracing.ZipkinEndpoint)
	v.SetDefault("tracing.sample_rate", def.Tracing.SampleRate)

	v.SetDefault("prompts.file", def.Prompts.File)
}
