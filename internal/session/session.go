package session

import (
	"errors"
	"sync"
	"time"

	"github.com/chatbi-core/server/internal/agent/model"
)

var (
	errSuperseded  = errors.New("superseded by a newer message")
	errInterrupted = errors.New("interrupted by the user")
	errExpired     = errors.New("session expired")
)

// Session owns one conversation's cross-turn state and its in-flight
// tasks. Turns run one at a time in arrival order.
type Session struct {
	ID        string
	CreatedAt time.Time

	// turn serialises pipeline runs so a later turn sees every earlier commit.
	turn sync.Mutex

	mu        sync.Mutex
	loaded    bool
	verified  map[string]string
	lastQuery *model.LastQueryContext
	current   *Task
	tasks     map[string]*Task
}

func newSession(id string) *Session {
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		verified:  map[string]string{},
		tasks:     map[string]*Task{},
	}
}

// snapshot copies the cross-turn fields for a new turn.
func (s *Session) snapshot() (map[string]string, *model.LastQueryContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneMappings(s.verified), s.lastQuery
}

// commit folds a completed turn back in. A task cancelled meanwhile
// leaves the session untouched.
func (s *Session) commit(t *Task, res *model.TurnResult) (model.SessionContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Cancelled() {
		return model.SessionContext{}, false
	}
	if res.VerifiedEntityMappings != nil {
		s.verified = model.CloneMappings(res.VerifiedEntityMappings)
	}
	if res.LastQueryContext != nil {
		s.lastQuery = res.LastQueryContext
	}
	return model.SessionContext{
		VerifiedEntityMappings: model.CloneMappings(s.verified),
		LastQueryContext:       s.lastQuery,
		UpdatedAt:              time.Now(),
	}, true
}

func (s *Session) restore(sc *model.SessionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	if sc == nil {
		return
	}
	if sc.VerifiedEntityMappings != nil {
		s.verified = model.CloneMappings(sc.VerifiedEntityMappings)
	}
	s.lastQuery = sc.LastQueryContext
}

func (s *Session) isLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// admit registers t as the current task, cancelling the one it replaces.
// It fails when limit tasks are already in flight.
func (s *Session) admit(t *Task, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && len(s.tasks) >= limit {
		return false
	}
	if s.current != nil {
		s.current.Cancel(errSuperseded)
	}
	s.current = t
	s.tasks[t.ID] = t
	return true
}

func (s *Session) release(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, t.ID)
	if s.current == t {
		s.current = nil
	}
}

// interrupt cancels the task for messageID, or the current task when
// messageID is empty.
func (s *Session) interrupt(messageID string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.current
	if messageID != "" {
		target = nil
		for _, t := range s.tasks {
			if t.MessageID == messageID {
				target = t
				break
			}
		}
	}
	if target == nil || target.Cancelled() {
		return nil
	}
	target.Cancel(errInterrupted)
	return target
}

func (s *Session) cancelAll(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		t.Cancel(reason)
	}
}

// InFlight returns the number of running tasks.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
