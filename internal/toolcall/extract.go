// Package toolcall recognizes tool invocations embedded in model text.
//
// Models emit calls as <tool_call>{json}</tool_call> regions, but also
// as fenced JSON blocks or bare inline JSON objects when they drift
// off-format. The extractor accepts all three and silently skips
// anything malformed; a bad candidate never aborts extraction.
package toolcall

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ToolCall is one parsed invocation. IDs are positional within the
// extracted batch.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

var (
	toolCallRe  = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	fencedRe    = regexp.MustCompile("(?s)```(?:json)?[ \t]*\n(.*?)```")
	toolNameRe  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
	blankRunsRe = regexp.MustCompile(`\n{3,}`)
)

func isValidToolName(name string) bool {
	return toolNameRe.MatchString(name)
}

type span struct{ start, end int }

type region struct {
	span
	call ToolCall
	ok   bool
}

// Extract returns all tool calls found in text, ordered by position.
func Extract(text string) []ToolCall {
	regions := findRegions(text)
	var calls []ToolCall
	for _, r := range regions {
		if r.ok {
			calls = append(calls, r.call)
		}
	}
	for i := range calls {
		calls[i].ID = fmt.Sprintf("call_%d", i)
	}
	return calls
}

// RemoveToolCalls strips every recognized tool-call region, leaving
// the surrounding prose.
func RemoveToolCalls(text string) string {
	regions := findRegions(text)
	if len(regions) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, r := range regions {
		b.WriteString(text[last:r.start])
		last = r.end
	}
	b.WriteString(text[last:])
	return strings.TrimSpace(blankRunsRe.ReplaceAllString(b.String(), "\n\n"))
}

// findRegions locates candidate regions in priority order: explicit
// tags claim their span even when the payload is garbage, fenced and
// inline candidates claim a span only when they parse. Results come
// back sorted by position.
func findRegions(text string) []region {
	var regions []region

	for _, m := range toolCallRe.FindAllStringSubmatchIndex(text, -1) {
		r := region{span: span{m[0], m[1]}}
		r.call, r.ok = parseCall(text[m[2]:m[3]], false)
		regions = append(regions, r)
	}

	for _, m := range fencedRe.FindAllStringSubmatchIndex(text, -1) {
		if overlapsAny(regions, m[0], m[1]) {
			continue
		}
		if call, ok := parseCall(text[m[2]:m[3]], false); ok {
			regions = append(regions, region{span: span{m[0], m[1]}, call: call, ok: true})
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '{' || overlapsAny(regions, i, i+1) {
			continue
		}
		body, end, found := balancedObject(text, i)
		if !found {
			continue
		}
		if strings.Contains(body, `"name"`) && !overlapsAny(regions, i, end) {
			if call, ok := parseCall(body, true); ok {
				regions = append(regions, region{span: span{i, end}, call: call, ok: true})
				i = end - 1
			}
		}
	}

	sort.Slice(regions, func(a, b int) bool { return regions[a].start < regions[b].start })
	return regions
}

func overlapsAny(regions []region, start, end int) bool {
	for _, r := range regions {
		if start < r.end && end > r.start {
			return true
		}
	}
	return false
}

// balancedObject returns the JSON object starting at text[start] and
// the index just past its closing brace. Brace depth ignores braces
// inside string literals.
func balancedObject(text string, start int) (string, int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], i + 1, true
			}
		}
	}
	return "", 0, false
}

// parseCall decodes one candidate payload. requireArgs demands an
// explicit arguments key, which keeps bare JSON prose from being
// mistaken for a call.
func parseCall(payload string, requireArgs bool) (ToolCall, bool) {
	var raw struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
		Args      map[string]any `json:"args"`
	}
	data := strings.TrimSpace(payload)
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(data)
		if repairErr != nil {
			return ToolCall{}, false
		}
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return ToolCall{}, false
		}
	}
	if !isValidToolName(raw.Name) {
		return ToolCall{}, false
	}
	args := raw.Arguments
	if args == nil {
		args = raw.Args
	}
	if args == nil {
		if requireArgs {
			return ToolCall{}, false
		}
		args = map[string]any{}
	}
	return ToolCall{Name: raw.Name, Arguments: args}, true
}
