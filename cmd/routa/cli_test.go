package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// execute runs the root command with args and returns combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := newRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	if args == nil {
		// SetArgs(nil) falls back to os.Args, which holds test flags.
		args = []string{}
	}
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

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

// isolate points HOME and the working directory at empty temp dirs so
// no ambient routa.yaml or environment leaks into the test.
func isolate(t *testing.T) {
	t.Helper()
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ROUTA_PROVIDER_API_KEY", "")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "routa dev") {
		t.Fatalf("unexpected version output: %q", out)
	}
	if !strings.Contains(out, "platform:") {
		t.Fatalf("missing platform line: %q", out)
	}
}

func TestConfigInitWritesStarterFile(t *testing.T) {
	isolate(t)

	out, err := execute(t, "config", "init")
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(out, "Wrote routa.yaml") {
		t.Fatalf("unexpected output: %q", out)
	}

	data, err := os.ReadFile("routa.yaml")
	if err != nil {
		t.Fatalf("starter file missing: %v", err)
	}
	if !strings.Contains(string(data), "provider:") {
		t.Fatalf("starter file lacks provider section: %q", string(data))
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	isolate(t)

	if _, err := execute(t, "config", "init"); err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	if _, err := execute(t, "config", "init"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
}

func TestConfigInitExplicitPath(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "custom.yaml")
	if _, err := execute(t, "config", "init", path); err != nil {
		t.Fatalf("config init %s failed: %v", path, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("custom file missing: %v", err)
	}
}

func TestConfigShowRendersDefaults(t *testing.T) {
	isolate(t)

	out, err := execute(t, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "# defaults and environment only") {
		t.Fatalf("missing source line: %q", out)
	}
	if !strings.Contains(out, "smart_model: gpt-4o") {
		t.Fatalf("missing defaults: %q", out)
	}
}

func TestConfigShowMasksAPIKey(t *testing.T) {
	isolate(t)
	t.Setenv("ROUTA_PROVIDER_API_KEY", "sk-"+strings.Repeat("a", 30))

	out, err := execute(t, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if strings.Contains(out, strings.Repeat("a", 30)) {
		t.Fatalf("raw key leaked: %q", out)
	}
	if !strings.Contains(out, "...") {
		t.Fatalf("masked key missing: %q", out)
	}
}

func TestRunRequiresAPIKey(t *testing.T) {
	isolate(t)

	_, err := execute(t, "run", "do the thing")
	if err == nil || !strings.Contains(err.Error(), "provider.api_key") {
		t.Fatalf("expected missing-key error, got %v", err)
	}
}

func TestBareInvocationWithoutTTYShowsHelp(t *testing.T) {
	isolate(t)

	out, err := execute(t)
	if err != nil {
		t.Fatalf("bare invocation failed: %v", err)
	}
	if !strings.Contains(out, "plans a request into tasks") {
		t.Fatalf("expected help output, got %q", out)
	}
}
