package toolcall

import "strings"

const (
	openTag  = "<tool_call>"
	closeTag = "</tool_call>"
)

// StreamFilter splits an incremental token stream into clean prose and
// a verbatim capture. Clean text excludes tool-call regions entirely;
// the capture keeps everything so calls can be extracted after the
// stream ends. A chunk suffix that could still grow into <tool_call>
// is held back until the next chunk settles it.
type StreamFilter struct {
	onClean    func(string)
	onCaptured func(string)

	pending  string
	inCall   bool
	clean    strings.Builder
	captured strings.Builder
}

// NewStreamFilter builds a filter. Either callback may be nil; the
// accumulated streams stay available through Clean and Captured.
func NewStreamFilter(onClean, onCaptured func(string)) *StreamFilter {
	return &StreamFilter{onClean: onClean, onCaptured: onCaptured}
}

// Feed consumes the next chunk of model output.
func (f *StreamFilter) Feed(chunk string) {
	if chunk == "" {
		return
	}
	f.captured.WriteString(chunk)
	if f.onCaptured != nil {
		f.onCaptured(chunk)
	}

	f.pending += chunk
	for {
		if f.inCall {
			idx := strings.Index(f.pending, closeTag)
			if idx == -1 {
				// Keep just enough tail to match a close tag split
				// across chunks; the call body itself is dropped.
				if tail := len(closeTag) - 1; len(f.pending) > tail {
					f.pending = f.pending[len(f.pending)-tail:]
				}
				return
			}
			f.pending = f.pending[idx+len(closeTag):]
			f.inCall = false
			continue
		}

		idx := strings.Index(f.pending, openTag)
		if idx >= 0 {
			f.emit(f.pending[:idx])
			f.pending = f.pending[idx+len(openTag):]
			f.inCall = true
			continue
		}

		hold := tagPrefixLen(f.pending)
		f.emit(f.pending[:len(f.pending)-hold])
		f.pending = f.pending[len(f.pending)-hold:]
		return
	}
}

// Flush releases any held-back text. A still-open tool call is
// discarded from the clean stream; the capture already has it.
func (f *StreamFilter) Flush() {
	if !f.inCall {
		f.emit(f.pending)
	}
	f.pending = ""
	f.inCall = false
}

// Clean returns all clean text emitted so far.
func (f *StreamFilter) Clean() string { return f.clean.String() }

// Captured returns the verbatim stream consumed so far.
func (f *StreamFilter) Captured() string { return f.captured.String() }

func (f *StreamFilter) emit(text string) {
	if text == "" {
		return
	}
	f.clean.WriteString(text)
	if f.onClean != nil {
		f.onClean(text)
	}
}

// tagPrefixLen reports the length of the longest suffix of s that is a
// proper prefix of the open tag.
func tagPrefixLen(s string) int {
	max := len(openTag) - 1
	if len(s) < max {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if s[len(s)-k:] == openTag[:k] {
			return k
		}
	}
	return 0
}
