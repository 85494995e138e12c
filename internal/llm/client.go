package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Task labels an LLM call for model selection and metrics.
type Task string

const (
	TaskIntent    Task = "intent"
	TaskPlanner   Task = "planner"
	TaskProbe     Task = "probe"
	TaskDiagnosis Task = "diagnosis"
	TaskResponder Task = "responder"
)

// Request is one completion call.
type Request struct {
	Task   Task
	System string
	User   string
	// JSON asks for a structured object; callers decode the text themselves.
	JSON        bool
	Temperature *float32
}

// Client is the LLM collaborator. Implementations may suspend, fail with
// one of the sentinel errors below, or be retried by the caller.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

var (
	ErrRateLimited = errors.New("llm: rate limited")
	ErrTimeout     = errors.New("llm: timeout")
	ErrProvider    = errors.New("llm: provider error")
	ErrParse       = errors.New("llm: unparseable completion")
)

// Classify maps a raw provider or context error onto the sentinel set.
// Cancellation passes through untouched.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrProvider), errors.Is(err, ErrParse):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	msg := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "RESOURCE_EXHAUSTED"), strings.Contains(msg, "RATE LIMIT"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "DEADLINE_EXCEEDED"), strings.Contains(msg, "TIMEOUT"), strings.Contains(msg, "504"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
}

// Transient reports whether a classified error is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrProvider)
}

// Float32 returns a pointer to v, for Request.Temperature.
func Float32(v float32) *float32 {
	return &v
}
