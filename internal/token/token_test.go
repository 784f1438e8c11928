package token

import (
	"strings"
	"testing"
)

func TestCountTokens(t *testing.T) {
	if got := CountTokens(""); got != 0 {
		t.Errorf("CountTokens(empty) = %d, want 0", got)
	}
	if got := CountTokens("hello world"); got < 1 || got > 5 {
		t.Errorf("CountTokens(hello world) = %d, out of plausible range", got)
	}
}

func TestEstimateFast(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"whitespace", "   \n\t  ", 0},
		{"single char", "a", 1},
		{"short words dominate", "a b c d e f", 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateFast(tt.text); got != tt.want {
				t.Errorf("EstimateFast(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestTruncateToTokens(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta ", 100)

	truncated := TruncateToTokens(text, 10)
	if len(truncated) >= len(text) {
		t.Error("expected truncation for a 10 token limit")
	}
	if !strings.HasSuffix(truncated, "...") {
		t.Errorf("truncated text should end with ellipsis, got %q", truncated[len(truncated)-10:])
	}

	if got := TruncateToTokens("short", 100); got != "short" {
		t.Errorf("text under the limit should be unchanged, got %q", got)
	}
	if got := TruncateToTokens(text, 0); got != text {
		t.Error("non-positive limit should be a no-op")
	}
}

func TestFitLast(t *testing.T) {
	long := strings.Repeat("word ", 400) // well over 100 tokens

	texts := []string{long, "tiny", "tiny"}
	start := FitLast(texts, 100)
	if start != 1 {
		t.Errorf("FitLast should drop the oversized oldest entry, start = %d", start)
	}

	// The newest entry survives even when it alone exceeds the budget.
	start = FitLast([]string{"a", long}, 10)
	if start != 1 {
		t.Errorf("FitLast must keep the final entry, start = %d", start)
	}

	if got := FitLast([]string{"a", "b"}, 1000); got != 0 {
		t.Errorf("everything fits, start = %d, want 0", got)
	}
	if got := FitLast(nil, 100); got != 0 {
		t.Errorf("FitLast(nil) = %d, want 0", got)
	}
}
