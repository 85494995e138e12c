package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chatbi-core/server/internal/agent/model"
	errx "github.com/chatbi-core/server/internal/core/error"
	"github.com/chatbi-core/server/internal/metrics"
	"github.com/chatbi-core/server/internal/session"
	logx "github.com/chatbi-core/server/pkg/logger"
)

const (
	writeTimeout   = 5 * time.Second
	maxFrameBytes  = 64 << 10
	defaultHistory = 20
)

// Sessions is the session manager as seen by the transport.
type Sessions interface {
	Submit(sessionID, messageID, content string, ev session.Events) (*session.Task, error)
	Interrupt(sessionID, messageID, reason string) bool
	History(ctx context.Context, sessionID string, limit int, beforeID string) ([]model.Message, bool, error)
}

// ChatHandler serves the chat protocol over WebSocket. One connection
// speaks for one session; the session id comes from the query string or
// is generated.
type ChatHandler struct {
	sessions Sessions
	origins  []string
	log      zerolog.Logger
}

func NewChatHandler(sessions Sessions, allowedOrigins []string) *ChatHandler {
	return &ChatHandler{sessions: sessions, origins: allowedOrigins, log: logx.Component("ws")}
}

type wsConn struct {
	conn      *websocket.Conn
	sessionID string
	mu        sync.Mutex
	log       zerolog.Logger
}

func (c *wsConn) send(f ServerFrame) {
	f.SessionID = c.sessionID
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error().Err(err).Str("type", f.Type).Msg("Failed to encode frame")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug().Err(err).Str("type", f.Type).Msg("Failed to write frame")
	}
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.origins,
		InsecureSkipVerify: len(h.origins) == 0,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c := &wsConn{conn: conn, sessionID: sessionID, log: h.log.With().Str("session_id", sessionID).Logger()}
	metrics.WSConnections.Inc()
	c.log.Info().Msg("Client connected")
	defer func() {
		metrics.WSConnections.Dec()
		conn.CloseNow()
		c.log.Info().Msg("Client disconnected")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				c.log.Debug().Err(err).Msg("Read failed")
			}
			return
		}
		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.send(errorFrame("", errx.CodeValidation, "malformed frame", true))
			continue
		}
		h.dispatch(ctx, c, f)
	}
}

func (h *ChatHandler) dispatch(ctx context.Context, c *wsConn, f ClientFrame) {
	switch f.Type {
	case TypeUserMessage:
		if f.MessageID == "" {
			f.MessageID = ulid.Make().String()
		}
		ev := &turnEvents{conn: c, messageID: f.MessageID}
		if _, err := h.sessions.Submit(c.sessionID, f.MessageID, f.Content, ev); err != nil {
			code := errx.CodeOf(err)
			c.send(errorFrame(f.MessageID, code, errx.UserMessage(code), true))
		}
	case TypeInterrupt:
		if !h.sessions.Interrupt(c.sessionID, f.MessageID, f.Reason) {
			c.log.Debug().Str("message_id", f.MessageID).Msg("Nothing to interrupt")
		}
	case TypeGetHistory:
		limit := f.Limit
		if limit <= 0 {
			limit = defaultHistory
		}
		msgs, more, err := h.sessions.History(ctx, c.sessionID, limit, f.BeforeID)
		if err != nil {
			c.log.Error().Err(err).Msg("History lookup failed")
			c.send(errorFrame("", errx.CodeInternal, errx.UserMessage(errx.CodeInternal), true))
			return
		}
		c.send(ServerFrame{Type: TypeHistory, Messages: msgs, HasMore: more})
	case TypePing:
		c.send(ServerFrame{Type: TypePong})
	default:
		c.send(errorFrame("", errx.CodeValidation, "unknown frame type "+f.Type, true))
	}
}

func errorFrame(messageID string, code errx.Code, msg string, recoverable bool) ServerFrame {
	return ServerFrame{Type: TypeError, MessageID: messageID, Code: string(code), Message: msg, Recoverable: recoverable}
}

// turnEvents turns session events into frames for one request.
type turnEvents struct {
	conn      *wsConn
	messageID string
}

func (e *turnEvents) Status(stage string, progress int) {
	e.conn.send(ServerFrame{Type: TypeStatus, MessageID: e.messageID, Stage: stage, Progress: progress})
}

func (e *turnEvents) Complete(res *model.TurnResult) {
	parts := chunks(res.Answer)
	for i, p := range parts {
		e.conn.send(ServerFrame{
			Type:      TypeTextChunk,
			MessageID: e.messageID,
			Content:   p,
			Index:     i,
			IsFirst:   i == 0,
			IsLast:    i == len(parts)-1,
		})
	}
	e.conn.send(ServerFrame{Type: TypeComplete, MessageID: e.messageID, Result: res})
}

func (e *turnEvents) Error(code errx.Code, message string, recoverable bool) {
	e.conn.send(errorFrame(e.messageID, code, message, recoverable))
}

func (e *turnEvents) Interrupted(partial, stage string) {
	e.conn.send(ServerFrame{Type: TypeInterrupted, MessageID: e.messageID, PartialAnswer: partial, Stage: stage})
}
