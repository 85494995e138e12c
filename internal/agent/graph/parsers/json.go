// Package parsers turns raw LLM completions into typed pipeline values.
// Completions are untrusted: every parser bounds its input, recovers from
// panics and reports malformed output as llm.ErrParse.
package parsers

import (
	"fmt"
	"net/http"
	"strings"

	errx "github.com/chatbi-core/server/internal/core/error"
	"github.com/chatbi-core/server/internal/llm"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 64 * 1024
	maxErrSnippet = 200
)

func bound(component, content string) string {
	if len(content) > maxContentLen {
		logx.Warn().
			Str("component", component).
			Int("max_len", maxContentLen).
			Int("orig_len", len(content)).
			Msg("content truncated due to size limit")
		return content[:maxContentLen]
	}
	return content
}

// recoverParse converts a panic inside a parser into an internal error.
func recoverParse(component string, err *error) {
	if r := recover(); r != nil {
		logx.Error().Str("component", component).Msgf("panic recovered: %v", r)
		*err = errx.New(fmt.Errorf("%s panic", component), http.StatusInternalServerError, errx.SystemErrorMessage)
	}
}

func parseErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", llm.ErrParse, fmt.Sprintf(format, args...))
}

// stripFences removes a surrounding markdown code fence, with or without
// a language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// extractJSON returns the first balanced JSON value starting with open
// ('{' or '['), skipping any prose around it.
func extractJSON(s string, open byte) (string, bool) {
	close := byte('}')
	if open == '[' {
		close = ']'
	}
	start := strings.IndexByte(s, open)
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func safeSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrSnippet {
		return s
	}
	return s[:maxErrSnippet]
}
