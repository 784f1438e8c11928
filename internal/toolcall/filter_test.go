package toolcall

import (
	"strings"
	"testing"
)

func TestStreamFilterBasic(t *testing.T) {
	var cleanCalls, capturedCalls []string
	f := NewStreamFilter(
		func(s string) { cleanCalls = append(cleanCalls, s) },
		func(s string) { capturedCalls = append(capturedCalls, s) },
	)

	f.Feed("Hello ")
	f.Feed(`<tool_call>{"name": "read_file", "arguments": {}}</tool_call>`)
	f.Feed(" world")
	f.Flush()

	if got := f.Clean(); got != "Hello  world" {
		t.Errorf("clean = %q", got)
	}
	if got := strings.Join(cleanCalls, ""); got != "Hello  world" {
		t.Errorf("clean callbacks = %q", got)
	}
	if got := strings.Join(capturedCalls, ""); got != f.Captured() {
		t.Errorf("captured callbacks diverge from accumulator")
	}
	if calls := Extract(f.Captured()); len(calls) != 1 || calls[0].Name != "read_file" {
		t.Errorf("capture lost the call: %+v", calls)
	}
}

// Splitting the stream at every byte boundary must never leak call
// material into the clean stream or lose bytes from the capture.
func TestStreamFilterEverySplitPoint(t *testing.T) {
	full := `Hello <tool_call>{"name": "read_file", "arguments": {"path": "a.go"}}</tool_call> world`
	const wantClean = "Hello  world"

	for i := 0; i <= len(full); i++ {
		f := NewStreamFilter(nil, nil)
		f.Feed(full[:i])
		f.Feed(full[i:])
		f.Flush()

		if got := f.Clean(); got != wantClean {
			t.Fatalf("split at %d: clean = %q, want %q", i, got, wantClean)
		}
		if got := f.Captured(); got != full {
			t.Fatalf("split at %d: captured = %q", i, got)
		}
	}
}

func TestStreamFilterTokenSizedChunks(t *testing.T) {
	full := `One <tool_call>{"name": "a_tool", "arguments": {}}</tool_call> two <tool_call>{"name": "b_tool", "arguments": {}}</tool_call> three`

	f := NewStreamFilter(nil, nil)
	for i := 0; i < len(full); i += 3 {
		end := i + 3
		if end > len(full) {
			end = len(full)
		}
		f.Feed(full[i:end])
	}
	f.Flush()

	if got := f.Clean(); got != "One  two  three" {
		t.Errorf("clean = %q", got)
	}
	if calls := Extract(f.Captured()); len(calls) != 2 {
		t.Errorf("capture lost calls: %+v", calls)
	}
}

func TestStreamFilterFlushReleasesFalsePrefix(t *testing.T) {
	f := NewStreamFilter(nil, nil)
	f.Feed("compare a <tool")
	if got := f.Clean(); got != "compare a " {
		t.Errorf("prefix released early: %q", got)
	}
	f.Flush()
	if got := f.Clean(); got != "compare a <tool" {
		t.Errorf("flush did not release held text: %q", got)
	}
}

func TestStreamFilterFalsePrefixResolvedByNextChunk(t *testing.T) {
	f := NewStreamFilter(nil, nil)
	f.Feed("a < b and <tool")
	f.Feed("box> c")
	f.Flush()
	if got := f.Clean(); got != "a < b and <toolbox> c" {
		t.Errorf("clean = %q", got)
	}
}

func TestStreamFilterUnterminatedCallDropped(t *testing.T) {
	f := NewStreamFilter(nil, nil)
	f.Feed(`before <tool_call>{"name": "read_file"`)
	f.Flush()
	if got := f.Clean(); got != "before " {
		t.Errorf("clean = %q", got)
	}
	if !strings.Contains(f.Captured(), `{"name": "read_file"`) {
		t.Errorf("capture lost the open call: %q", f.Captured())
	}
}

func TestStreamFilterMultipleCallsSingleChunk(t *testing.T) {
	f := NewStreamFilter(nil, nil)
	f.Feed(`x<tool_call>{"name":"a_tool","arguments":{}}</tool_call>y<tool_call>{"name":"b_tool","arguments":{}}</tool_call>z`)
	f.Flush()
	if got := f.Clean(); got != "xyz" {
		t.Errorf("clean = %q", got)
	}
}
