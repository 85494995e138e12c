package conversations

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatbi-core/server/internal/agent/model"
)

const DefaultWindow = 40

// MessagesManager reads and appends the session message log and renders
// the bounded history window the intent prompt sees.
type MessagesManager struct {
	conversationRepo model.ConversationRepository
	window           int
}

func NewMessagesManager(conversationRepo model.ConversationRepository, window int) *MessagesManager {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MessagesManager{
		conversationRepo: conversationRepo,
		window:           window,
	}
}

// LoadRecent returns the last window messages of the session.
func (cm *MessagesManager) LoadRecent(ctx context.Context, sessionID string) ([]model.Message, error) {
	history, err := cm.conversationRepo.LoadHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return trimTail(history.Messages, cm.window), nil
}

// SaveTurn appends the user message and the assistant answer, in that order.
func (cm *MessagesManager) SaveTurn(ctx context.Context, sessionID string, user, assistant model.Message) error {
	if err := cm.conversationRepo.AddMessage(ctx, sessionID, user); err != nil {
		return fmt.Errorf("save user message: %w", err)
	}
	if err := cm.conversationRepo.AddMessage(ctx, sessionID, assistant); err != nil {
		return fmt.Errorf("save assistant message: %w", err)
	}
	return nil
}

// Page returns up to limit messages older than beforeID (or the newest when
// beforeID is empty), oldest first, and whether older messages remain.
// An unknown beforeID yields an empty page.
func (cm *MessagesManager) Page(ctx context.Context, sessionID string, limit int, beforeID string) ([]model.Message, bool, error) {
	history, err := cm.conversationRepo.LoadHistory(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	msgs := history.Messages
	end := len(msgs)
	if beforeID != "" {
		end = -1
		for i, m := range msgs {
			if m.ID == beforeID {
				end = i
				break
			}
		}
		if end < 0 {
			return []model.Message{}, false, nil
		}
	}
	if limit <= 0 {
		limit = 20
	}
	start := max(0, end-limit)
	page := make([]model.Message, end-start)
	copy(page, msgs[start:end])
	return page, start > 0, nil
}

// FormatHistory renders messages as the context block of the intent prompt.
func FormatHistory(messages []model.Message) string {
	if len(messages) == 0 {
		return "<conversation_context>\n(empty)\n</conversation_context>"
	}
	var b strings.Builder
	b.WriteString("<conversation_context>\n")
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case model.RoleUser:
			b.WriteString("UserMessage(" + msg.Content + ")\n")
		case model.RoleAssistant:
			b.WriteString("AssistantMessage(" + msg.Content)
			if msg.SQL != "" {
				b.WriteString(" | SQL: " + msg.SQL)
			}
			b.WriteString(")\n")
		}
	}
	b.WriteString("</conversation_context>")
	return b.String()
}

func trimTail(messages []model.Message, maxMessages int) []model.Message {
	if len(messages) <= maxMessages {
		result := make([]model.Message, len(messages))
		copy(result, messages)
		return result
	}
	source := messages[len(messages)-maxMessages:]
	result := make([]model.Message, len(source))
	copy(result, source)
	return result
}
