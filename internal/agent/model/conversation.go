package model

import (
	"context"
	"time"
)

type ConversationRepository interface {
	// AddMessage appends a message to the session's log
	AddMessage(ctx context.Context, sessionID string, message Message) error

	// LoadHistory retrieves the full message log for a session
	LoadHistory(ctx context.Context, sessionID string) (*ConversationHistory, error)

	// ClearHistory removes the message log for a session
	ClearHistory(ctx context.Context, sessionID string) error

	// GetMessageCount returns the number of logged messages
	GetMessageCount(ctx context.Context, sessionID string) (int, error)
}

// ConversationHistory represents a loaded message log.
type ConversationHistory struct {
	SessionID string
	Messages  []Message
}

// SessionContext is the durable cross-turn state of a session.
type SessionContext struct {
	VerifiedEntityMappings map[string]string `json:"verified_entity_mappings"`
	LastQueryContext       *LastQueryContext `json:"last_query_context,omitempty"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

type SessionContextRepository interface {
	SaveContext(ctx context.Context, sessionID string, sc SessionContext) error
	// LoadContext returns (nil, nil) when nothing was stored.
	LoadContext(ctx context.Context, sessionID string) (*SessionContext, error)
	DeleteContext(ctx context.Context, sessionID string) error
}
