package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// chdir switches the working directory to dir for the duration of the
// test and restores the previous one afterwards.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

// writeConfig drops YAML content into a fresh temp dir and returns the
// file path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "https://api.openai.com/v1", cfg.Provider.BaseURL)
	require.Equal(t, "gpt-4o", cfg.Provider.SmartModel)
	require.Equal(t, "gpt-4o-mini", cfg.Provider.FastModel)
	require.Equal(t, 3, cfg.Orchestrator.MaxWaves)
	require.Equal(t, 5, cfg.Orchestrator.MaxParallelism)
	require.Equal(t, 10, cfg.Orchestrator.MaxIterations)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "info", cfg.Log.Level)
	require.False(t, cfg.Recall.Enabled)
	require.False(t, cfg.Tracing.Enabled)
	require.Empty(t, cfg.File)
}

func TestLoadReadsFile(t *testing.T) {
	path := writeConfig(t, `
provider:
  api_key: sk-test-key
  smart_model: gpt-5
orchestrator:
  max_waves: 5
workspace:
  allow_write: true
server:
  port: 9999
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sk-test-key", cfg.Provider.APIKey)
	require.Equal(t, "gpt-5", cfg.Provider.SmartModel)
	require.Equal(t, 5, cfg.Orchestrator.MaxWaves)
	require.True(t, cfg.Workspace.AllowWrite)
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, path, cfg.File)

	// Keys the file does not mention keep their defaults.
	require.Equal(t, "https://api.openai.com/v1", cfg.Provider.BaseURL)
	require.Equal(t, "gpt-4o-mini", cfg.Provider.FastModel)
}

func TestLoadEnvironmentWinsOverFile(t *testing.T) {
	path := writeConfig(t, `
provider:
  smart_model: from-file
`)
	t.Setenv("ROUTA_PROVIDER_SMART_MODEL", "from-env")
	t.Setenv("ROUTA_ORCHESTRATOR_MAX_WAVES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Provider.SmartModel)
	require.Equal(t, 7, cfg.Orchestrator.MaxWaves)
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read config file")
}

func TestLoadNormalizesValues(t *testing.T) {
	path := writeConfig(t, `
provider:
  api_key: "  sk-padded  "
log:
  level: Info
  format: TEXT
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sk-padded", cfg.Provider.APIKey)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad port",
			content: "server:\n  port: 0\n",
			wantErr: "server.port",
		},
		{
			name:    "bad log level",
			content: "log:\n  level: loud\n",
			wantErr: "log.level",
		},
		{
			name:    "parallelism above ceiling",
			content: "orchestrator:\n  max_parallelism: 9\n",
			wantErr: "orchestrator.max_parallelism",
		},
		{
			name:    "zero waves",
			content: "orchestrator:\n  max_waves: 0\n",
			wantErr: "orchestrator.max_waves",
		},
		{
			name:    "unknown tracing exporter",
			content: "tracing:\n  enabled: true\n  exporter: jaeger\n",
			wantErr: "tracing.exporter",
		},
		{
			name:    "sample rate out of range",
			content: "tracing:\n  sample_rate: 1.5\n",
			wantErr: "tracing.sample_rate",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRecallActive(t *testing.T) {
	require.False(t, Recall{}.Active())
	require.False(t, Recall{Enabled: true}.Active())
	require.False(t, Recall{APIKey: "sk-x"}.Active())
	require.True(t, Recall{Enabled: true, APIKey: "sk-x"}.Active())
	require.True(t, Recall{Enabled: true, BaseURL: "http://localhost:11434/v1"}.Active())
}

func TestMaskKey(t *testing.T) {
	require.Empty(t, maskKey(""))
	require.Equal(t, "****", maskKey("short"))
	require.Equal(t, "sk-aaaaa...bbbbbbbb", maskKey("sk-aaaaa"+strings.Repeat("x", 10)+"bbbbbbbb"))
}

func TestRedactedLeavesOriginalIntact(t *testing.T) {
	cfg := Default()
	cfg.Provider.APIKey = "sk-" + strings.Repeat("a", 30)

	masked := cfg.Redacted()
	require.Contains(t, masked.Provider.APIKey, "...")
	require.NotEqual(t, cfg.Provider.APIKey, masked.Provider.APIKey)
	require.Equal(t, "sk-"+strings.Repeat("a", 30), cfg.Provider.APIKey)
}

func TestRenderMasksCredentials(t *testing.T) {
	cfg := Default()
	cfg.Provider.APIKey = "sk-" + strings.Repeat("a", 30)

	out, err := cfg.Render()
	require.NoError(t, err)
	require.NotContains(t, out, cfg.Provider.APIKey)
	require.Contains(t, out, "...")
}

func TestDefaultYAMLRoundTrips(t *testing.T) {
	out, err := DefaultYAML()
	require.NoError(t, err)
	require.Contains(t, out, "provider:")
	require.Contains(t, out, "smart_model: gpt-4o")
	require.Contains(t, out, "ROUTA_PROVIDER_API_KEY")

	var parsed Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &parsed))
	require.Equal(t, Default(), parsed)
}

func TestClientConfigMapping(t *testing.T) {
	p := Provider{
		BaseURL:        "https://example.test/v1",
		APIKey:         "sk-map",
		TimeoutSeconds: 30,
		MaxRetries:     2,
	}

	cc := p.ClientConfig()
	require.Equal(t, "https://example.test/v1", cc.BaseURL)
	require.Equal(t, "sk-map", cc.APIKey)
	require.Equal(t, 30, cc.Timeout)
	require.Equal(t, 2, cc.MaxRetries)
}
