package repo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbi-core/server/internal/agent/model"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestConversationRepositoryRoundTrip(t *testing.T) {
	mr, rdb := newRedis(t)
	r := NewRedisConversationRepository(rdb, time.Hour)
	ctx := context.Background()

	h, err := r.LoadHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, h.Messages)

	require.NoError(t, r.AddMessage(ctx, "s1", model.Message{ID: "m1", Role: model.RoleUser, Content: "今年销售额多少"}))
	require.NoError(t, r.AddMessage(ctx, "s1", model.Message{
		ID: "m2", Role: model.RoleAssistant, Content: "100", SQL: "SELECT SUM(amount) FROM orders",
		Chart: &model.ChartRecommendation{Type: model.ChartNone},
	}))

	n, err := r.GetMessageCount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	h, err = r.LoadHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, h.Messages, 2)
	assert.Equal(t, "m1", h.Messages[0].ID)
	assert.Equal(t, "SELECT SUM(amount) FROM orders", h.Messages[1].SQL)
	require.NotNil(t, h.Messages[1].Chart)
	assert.Equal(t, model.ChartNone, h.Messages[1].Chart.Type)

	assert.Greater(t, mr.TTL("chatbi:session:s1:messages"), time.Duration(0))

	require.NoError(t, r.ClearHistory(ctx, "s1"))
	n, err = r.GetMessageCount(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConversationRepositoryRejectsCorruptRows(t *testing.T) {
	mr, rdb := newRedis(t)
	r := NewRedisConversationRepository(rdb, 0)

	_, err := mr.Push("chatbi:session:s1:messages", "{not json")
	require.NoError(t, err)

	_, err = r.LoadHistory(context.Background(), "s1")
	assert.Error(t, err)
}

func TestSessionContextRepository(t *testing.T) {
	_, rdb := newRedis(t)
	r := NewRedisSessionContextRepository(rdb, time.Hour)
	ctx := context.Background()

	sc, err := r.LoadContext(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, sc)

	require.NoError(t, r.SaveContext(ctx, "s1", model.SessionContext{
		VerifiedEntityMappings: map[string]string{"顺丰": "顺丰速运"},
		LastQueryContext:       &model.LastQueryContext{Query: "q", SQL: "SELECT 1", RowCount: 1},
	}))

	sc, err = r.LoadContext(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, "顺丰速运", sc.VerifiedEntityMappings["顺丰"])
	assert.Equal(t, "SELECT 1", sc.LastQueryContext.SQL)
	assert.False(t, sc.UpdatedAt.IsZero())

	require.NoError(t, r.DeleteContext(ctx, "s1"))
	sc, err = r.LoadContext(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, sc)
}
