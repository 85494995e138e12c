package session

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chatbi-core/server/internal/agent/graph"
	"github.com/chatbi-core/server/internal/agent/graph/conversations"
	"github.com/chatbi-core/server/internal/agent/graph/nodes"
	"github.com/chatbi-core/server/internal/agent/graph/observers"
	"github.com/chatbi-core/server/internal/agent/model"
	errx "github.com/chatbi-core/server/internal/core/error"
	"github.com/chatbi-core/server/internal/metrics"
	logx "github.com/chatbi-core/server/pkg/logger"
)

const persistTimeout = 5 * time.Second

// Events receives the frames of one turn. Exactly one of Complete, Error
// or Interrupted is called last.
type Events interface {
	Status(stage string, progress int)
	Complete(res *model.TurnResult)
	Error(code errx.Code, message string, recoverable bool)
	Interrupted(partial, stage string)
}

// Manager owns every live session. Sessions idle for longer than the
// configured timeout are evicted and their tasks cancelled.
type Manager struct {
	cfg      model.SessionConfig
	runner   graph.Runner
	messages *conversations.MessagesManager
	contexts model.SessionContextRepository
	sessions *ttlcache.Cache[string, *Session]
	now      func() time.Time
	log      zerolog.Logger
}

func NewManager(cfg model.SessionConfig, runner graph.Runner, messages *conversations.MessagesManager, contexts model.SessionContextRepository) *Manager {
	m := &Manager{
		cfg:      cfg,
		runner:   runner,
		messages: messages,
		contexts: contexts,
		sessions: ttlcache.New(
			ttlcache.WithTTL[string, *Session](cfg.IdleTimeout),
		),
		now: time.Now,
		log: logx.Component("session"),
	}
	m.sessions.OnInsertion(func(_ context.Context, item *ttlcache.Item[string, *Session]) {
		metrics.ActiveSessions.Inc()
	})
	m.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
		metrics.ActiveSessions.Dec()
		item.Value().cancelAll(errExpired)
		m.log.Debug().Str("session_id", item.Key()).Int("reason", int(reason)).Msg("Session evicted")
	})
	return m
}

// Start runs the expiry loop until Stop is called.
func (m *Manager) Start() {
	go m.sessions.Start()
}

// Stop cancels every task and stops the expiry loop.
func (m *Manager) Stop() {
	for _, s := range m.sessions.Items() {
		s.Value().cancelAll(errExpired)
	}
	m.sessions.Stop()
}

// Sweep evicts idle sessions now and returns how many remain.
func (m *Manager) Sweep() int {
	m.sessions.DeleteExpired()
	n := m.sessions.Len()
	m.log.Debug().Int("sessions", n).Msg("Session sweep")
	return n
}

// Session returns the live session for id, creating it when absent.
// Every call counts as activity.
func (m *Manager) Session(id string) *Session {
	item, _ := m.sessions.GetOrSet(id, newSession(id))
	return item.Value()
}

// Validate applies the message rules without touching any session.
func (m *Manager) Validate(content string) error {
	if strings.TrimSpace(content) == "" {
		return errx.ErrEmptyMessage
	}
	if m.cfg.MaxMessageLength > 0 && utf8.RuneCountInString(content) > m.cfg.MaxMessageLength {
		return errx.ErrMessageTooLong
	}
	return nil
}

// Submit starts a turn for content. A message already running in the
// session is cancelled first. The turn runs in the background and reports
// through ev; the returned task can be used to wait for it.
func (m *Manager) Submit(sessionID, messageID, content string, ev Events) (*Task, error) {
	if err := m.Validate(content); err != nil {
		return nil, err
	}
	if messageID == "" {
		messageID = ulid.Make().String()
	}
	s := m.Session(sessionID)
	t := newTask(context.Background(), messageID)
	if !s.admit(t, m.cfg.MaxConcurrentRequests) {
		return nil, errx.ErrConcurrentLimit
	}
	metrics.ActiveTasks.Inc()
	go m.run(s, t, strings.TrimSpace(content), ev)
	return t, nil
}

// Interrupt cancels the task running messageID, or the current one.
// It reports whether anything was cancelled.
func (m *Manager) Interrupt(sessionID, messageID, reason string) bool {
	item := m.sessions.Get(sessionID)
	if item == nil {
		return false
	}
	t := item.Value().interrupt(messageID)
	if t == nil {
		return false
	}
	m.log.Info().Str("session_id", sessionID).Str("task_id", t.ID).Str("reason", reason).Msg("Task interrupted")
	return true
}

// History pages the session's message log, newest page first.
func (m *Manager) History(ctx context.Context, sessionID string, limit int, beforeID string) ([]model.Message, bool, error) {
	return m.messages.Page(ctx, sessionID, limit, beforeID)
}

func (m *Manager) run(s *Session, t *Task, content string, ev Events) {
	defer close(t.done)
	defer metrics.ActiveTasks.Dec()
	defer s.release(t)

	log := m.log.With().Str("session_id", s.ID).Str("task_id", t.ID).Str("message_id", t.MessageID).Logger()
	ctx := log.WithContext(t.ctx)

	s.turn.Lock()
	defer s.turn.Unlock()

	interrupted := func() {
		metrics.Turns.WithLabelValues("cancelled").Inc()
		log.Info().Str("stage", t.Stage()).AnErr("cause", context.Cause(t.ctx)).Msg("Turn cancelled")
		ev.Interrupted(t.Partial(), t.Stage())
	}
	if t.Cancelled() {
		interrupted()
		return
	}

	in, err := m.prepare(ctx, s, t, content)
	if err != nil {
		if t.Cancelled() {
			interrupted()
			return
		}
		m.fail(log, ev, err)
		return
	}

	progress := observers.NewProgressHandler(func(node string) {
		p, ok := nodes.StageOf(node)
		if !ok || t.Cancelled() {
			return
		}
		t.setStage(p.Stage)
		ev.Status(p.Stage, p.Percent)
	})
	res, err := m.runner.Invoke(ctx, in, progress, observers.NewAnswerHandler(t.setPartial))
	if res != nil && res.Answer != "" {
		t.setPartial(res.Answer)
	}
	if t.Cancelled() {
		interrupted()
		return
	}
	if err != nil {
		m.fail(log, ev, err)
		return
	}

	sc, ok := s.commit(t, res)
	if !ok {
		interrupted()
		return
	}
	m.persist(log, s.ID, sc, in, res)

	outcome := "completed"
	if res.Failed {
		outcome = "failed"
	}
	metrics.Turns.WithLabelValues(outcome).Inc()
	log.Info().Bool("failed", res.Failed).Bool("cache_hit", res.CacheHit).Dur("took", time.Since(t.Started)).Msg("Turn complete")
	ev.Complete(res)
}

// prepare loads the history and, once per session, the persisted
// cross-turn context.
func (m *Manager) prepare(ctx context.Context, s *Session, t *Task, content string) (model.TurnInput, error) {
	if !s.isLoaded() && m.contexts != nil {
		sc, err := m.contexts.LoadContext(ctx, s.ID)
		if err != nil {
			return model.TurnInput{}, err
		}
		s.restore(sc)
	}
	history, err := m.messages.LoadRecent(ctx, s.ID)
	if err != nil {
		return model.TurnInput{}, err
	}
	verified, last := s.snapshot()
	return model.TurnInput{
		SessionID:              s.ID,
		MessageID:              t.MessageID,
		Query:                  content,
		History:                history,
		VerifiedEntityMappings: verified,
		LastQueryContext:       last,
		Today:                  m.now(),
	}, nil
}

// persist writes the committed turn. The turn already succeeded, so
// storage failures are only logged.
func (m *Manager) persist(log zerolog.Logger, sessionID string, sc model.SessionContext, in model.TurnInput, res *model.TurnResult) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if m.contexts != nil {
		if err := m.contexts.SaveContext(ctx, sessionID, sc); err != nil {
			log.Warn().Err(err).Msg("Failed to save session context")
		}
	}
	user := model.Message{ID: in.MessageID, Role: model.RoleUser, Content: in.Query, CreatedAt: in.Today}
	assistant := model.Message{
		ID:        ulid.Make().String(),
		Role:      model.RoleAssistant,
		Content:   res.Answer,
		SQL:       res.SQL,
		CreatedAt: m.now(),
	}
	if !res.Failed && res.SQL != "" {
		chart := res.Chart
		assistant.Chart = &chart
	}
	if err := m.messages.SaveTurn(ctx, sessionID, user, assistant); err != nil {
		log.Warn().Err(err).Msg("Failed to save conversation turn")
	}
}

func (m *Manager) fail(log zerolog.Logger, ev Events, err error) {
	metrics.Turns.WithLabelValues("error").Inc()
	log.Error().Err(err).Msg("Turn failed")
	code := errx.CodeOf(err)
	recoverable := !errors.Is(err, context.DeadlineExceeded)
	ev.Error(code, errx.UserMessage(code), recoverable)
}
