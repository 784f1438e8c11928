// Package diff reports what a file edit changed. The reports feed tool
// results read by models and reviewers, so patches are plain text, line
// oriented and capped in size.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	// maxInput caps the content size diffed; bigger edits report that
	// the diff was skipped instead of burning CPU on huge buffers.
	maxInput = 10 << 20

	// binaryProbe is how many leading bytes are scanned for NUL.
	binaryProbe = 8000

	// maxPatchLines bounds the rendered patch so tool output stays
	// model sized. Counts stay exact past the cap.
	maxPatchLines = 200
)

// Report describes one file edit.
type Report struct {
	// Patch lists the added and removed lines with +/- prefixes under
	// "--- a/path" / "+++ b/path" headers. Unchanged lines are omitted.
	Patch     string
	Added     int
	Deleted   int
	Binary    bool
	Truncated bool
}

// Changed reports whether the edit touched any content.
func (r Report) Changed() bool {
	return r.Added > 0 || r.Deleted > 0 || r.Binary || r.Truncated
}

// Summary renders the one-line change count.
func (r Report) Summary() string {
	if r.Binary {
		return "binary file changed"
	}
	if r.Truncated && r.Added == 0 && r.Deleted == 0 {
		return "diff skipped"
	}
	if !r.Changed() {
		return "no changes"
	}
	return fmt.Sprintf("+%d -%d lines", r.Added, r.Deleted)
}

// Compare diffs two versions of a file line by line.
func Compare(oldContent, newContent, path string) Report {
	if oldContent == newContent {
		return Report{}
	}
	if isBinary(oldContent) || isBinary(newContent) {
		return Report{Patch: fmt.Sprintf("Binary file %s changed", path), Binary: true}
	}
	if len(oldContent) > maxInput || len(newContent) > maxInput {
		return Report{
			Patch:     fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ file too large, diff skipped @@", path, path),
			Truncated: true,
		}
	}

	dmp := diffmatchpatch.New()
	a, b, lineIndex := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineIndex)

	out := []string{"--- a/" + path, "+++ b/" + path}
	var added, deleted int
	truncated := false
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			continue
		}
		prefix := "+"
		if d.Type == diffmatchpatch.DiffDelete {
			prefix = "-"
		}
		for _, line := range splitLines(d.Text) {
			if d.Type == diffmatchpatch.DiffInsert {
				added++
			} else {
				deleted++
			}
			if len(out) >= maxPatchLines {
				truncated = true
				continue
			}
			out = append(out, prefix+line)
		}
	}
	if truncated {
		out = append(out, "... (patch truncated)")
	}
	return Report{
		Patch:     strings.Join(out, "\n"),
		Added:     added,
		Deleted:   deleted,
		Truncated: truncated,
	}
}

// splitLines splits diff text into lines, dropping the empty tail a
// trailing newline produces.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func isBinary(content string) bool {
	probe := len(content)
	if probe > binaryProbe {
		probe = binaryProbe
	}
	for i := 0; i < probe; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}
