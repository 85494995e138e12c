package conversations

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbi-core/server/internal/agent/model"
)

type memRepo struct {
	msgs map[string][]model.Message
}

func newMemRepo() *memRepo {
	return &memRepo{msgs: map[string][]model.Message{}}
}

func (r *memRepo) AddMessage(_ context.Context, id string, m model.Message) error {
	r.msgs[id] = append(r.msgs[id], m)
	return nil
}

func (r *memRepo) LoadHistory(_ context.Context, id string) (*model.ConversationHistory, error) {
	return &model.ConversationHistory{SessionID: id, Messages: r.msgs[id]}, nil
}

func (r *memRepo) ClearHistory(_ context.Context, id string) error {
	delete(r.msgs, id)
	return nil
}

func (r *memRepo) GetMessageCount(_ context.Context, id string) (int, error) {
	return len(r.msgs[id]), nil
}

func seed(t *testing.T, mm *MessagesManager, turns int) {
	t.Helper()
	for i := 0; i < turns; i++ {
		require.NoError(t, mm.SaveTurn(context.Background(), "s",
			model.Message{ID: fmt.Sprintf("u%d", i), Role: model.RoleUser, Content: "q"},
			model.Message{ID: fmt.Sprintf("a%d", i), Role: model.RoleAssistant, Content: "a"},
		))
	}
}

func TestLoadRecentKeepsWindow(t *testing.T) {
	mm := NewMessagesManager(newMemRepo(), 4)
	seed(t, mm, 5)

	msgs, err := mm.LoadRecent(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "u3", msgs[0].ID)
	assert.Equal(t, "a4", msgs[3].ID)
}

func TestLoadRecentDefaultWindow(t *testing.T) {
	mm := NewMessagesManager(newMemRepo(), 0)
	seed(t, mm, 25)

	msgs, err := mm.LoadRecent(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, msgs, DefaultWindow)
	assert.Equal(t, "u5", msgs[0].ID)
	assert.Equal(t, "a24", msgs[len(msgs)-1].ID)
}

func TestPage(t *testing.T) {
	mm := NewMessagesManager(newMemRepo(), 0)
	seed(t, mm, 3) // u0 a0 u1 a1 u2 a2
	ctx := context.Background()

	page, more, err := mm.Page(ctx, "s", 2, "")
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []string{"u2", "a2"}, ids(page))

	page, more, err = mm.Page(ctx, "s", 10, "u1")
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []string{"u0", "a0"}, ids(page))

	page, more, err = mm.Page(ctx, "s", 10, "missing")
	require.NoError(t, err)
	assert.False(t, more)
	assert.Empty(t, page)
}

func TestFormatHistory(t *testing.T) {
	out := FormatHistory([]model.Message{
		{Role: model.RoleUser, Content: "今年销售额多少"},
		{Role: model.RoleAssistant, Content: "12345", SQL: "SELECT SUM(amount) FROM orders"},
	})
	assert.Contains(t, out, "UserMessage(今年销售额多少)")
	assert.Contains(t, out, "AssistantMessage(12345 | SQL: SELECT SUM(amount) FROM orders)")
	assert.Contains(t, FormatHistory(nil), "(empty)")
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
