package executor

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"

	"github.com/chatbi-core/server/internal/agent/model"
)

// Error is a classified execution failure. Message is the driver text and
// is meant for logs and LLM self-correction prompts, never for end users.
type Error struct {
	Kind    model.ExecErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	missingTablePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)table '([\w.]+)' doesn't exist`),
		regexp.MustCompile(`(?i)no such table:\s*([\w.]+)`),
		regexp.MustCompile(`(?i)relation "([\w.]+)" does not exist`),
	}
	missingColumnPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)unknown column '([\w.]+)'`),
		regexp.MustCompile(`(?i)no such column:\s*([\w.]+)`),
		regexp.MustCompile(`(?i)column "([\w.]+)" does not exist`),
	}
)

// Classify maps a driver error onto an ExecErrorKind.
func Classify(err error) model.ExecErrorKind {
	if err == nil {
		return model.ExecErrNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ExecErrTimeout
	}
	if errors.Is(err, driver.ErrBadConn) {
		return model.ExecErrConnection
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	for _, re := range missingTablePatterns {
		if re.MatchString(msg) {
			return model.ExecErrMissingTable
		}
	}
	for _, re := range missingColumnPatterns {
		if re.MatchString(msg) {
			return model.ExecErrMissingColumn
		}
	}
	switch {
	case strings.Contains(lower, "syntax error"), strings.Contains(lower, "error in your sql syntax"):
		return model.ExecErrSyntax
	case strings.Contains(lower, "maximum statement execution time exceeded"),
		strings.Contains(lower, "lock wait timeout"),
		strings.Contains(lower, "statement timeout"),
		strings.Contains(lower, "interrupted"):
		return model.ExecErrTimeout
	case strings.Contains(lower, "access denied"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "command denied"):
		return model.ExecErrPermission
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "bad connection"),
		strings.Contains(lower, "invalid connection"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "database is closed"):
		return model.ExecErrConnection
	}
	return model.ExecErrOther
}

// ParseSchemaError extracts the missing table or column from an error
// message, or returns nil when the message carries no such signature.
func ParseSchemaError(msg string) *model.SchemaErrorInfo {
	for _, re := range missingTablePatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			return &model.SchemaErrorInfo{Object: "table", Name: lastSegment(m[1]), Raw: msg}
		}
	}
	for _, re := range missingColumnPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			return &model.SchemaErrorInfo{Object: "column", Name: m[1], Raw: msg}
		}
	}
	return nil
}

func lastSegment(s string) string {
	if i := strings.LastIndex(s, "."); i >= 0 {
		return s[i+1:]
	}
	return s
}
