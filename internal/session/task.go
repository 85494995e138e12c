package session

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Task is one in-flight user turn. It is cancelled when the user
// interrupts it, when a newer message supersedes it or when its session
// expires.
type Task struct {
	ID        string
	MessageID string
	Started   time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu      sync.Mutex
	stage   string
	partial string
}

func newTask(parent context.Context, messageID string) *Task {
	ctx, cancel := context.WithCancelCause(parent)
	return &Task{
		ID:        ulid.Make().String(),
		MessageID: messageID,
		Started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Cancel stops the task at its next stage boundary.
func (t *Task) Cancel(reason error) {
	t.cancel(reason)
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Done is closed once the task has sent its terminal event.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Stage is the last stage reported for the task.
func (t *Task) Stage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

func (t *Task) setStage(stage string) {
	t.mu.Lock()
	t.stage = stage
	t.mu.Unlock()
}

// Partial is the answer composed before the task was cancelled, if any.
func (t *Task) Partial() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partial
}

func (t *Task) setPartial(answer string) {
	t.mu.Lock()
	t.partial = answer
	t.mu.Unlock()
}
