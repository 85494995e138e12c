package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/chatbi-core/server/internal/agent/model"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file:executor_"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	for _, stmt := range []string{
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, city TEXT, amount REAL)`,
		`INSERT INTO orders (id, city, amount) VALUES (1, '上海', 10.5), (2, '北京', 20), (3, NULL, 5)`,
	} {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

func TestCheckReadOnly(t *testing.T) {
	ok := []string{
		"SELECT 1",
		"  select * from orders;",
		"-- comment\nSELECT city FROM orders WHERE city = 'a;b'",
		"WITH t AS (SELECT 1 AS x) SELECT x FROM t",
		"/* hint */ SELECT 1",
	}
	for _, s := range ok {
		assert.NoError(t, CheckReadOnly(s), s)
	}

	bad := []string{
		"",
		"DELETE FROM orders",
		"SELECT 1; DROP TABLE orders",
		"WITH t AS (DELETE FROM orders RETURNING id) SELECT * FROM t",
		"update orders set city = 'x'",
	}
	for _, s := range bad {
		assert.Error(t, CheckReadOnly(s), s)
	}
}

func TestExecutePreservesColumnOrder(t *testing.T) {
	e := New(openTestDB(t), model.ExecutorConfig{Timeout: time.Second, MaxRows: 100})

	res, err := e.Execute(context.Background(), "SELECT amount, city, id FROM orders ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []string{"amount", "city", "id"}, res.Columns)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "上海", res.Rows[0]["city"])
	assert.EqualValues(t, 10.5, res.Rows[0]["amount"])
	assert.Nil(t, res.Rows[2]["city"])
}

func TestExecuteKeepsRepeatedColumnNames(t *testing.T) {
	e := New(openTestDB(t), model.ExecutorConfig{Timeout: time.Second, MaxRows: 100})

	res, err := e.Execute(context.Background(), "SELECT a.city, b.city FROM orders a JOIN orders b ON b.id = a.id + 1 WHERE a.id = 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"city", "city_2"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "上海", res.Rows[0]["city"])
	assert.Equal(t, "北京", res.Rows[0]["city_2"])
}

func TestUniqueLabels(t *testing.T) {
	assert.Equal(t, []string{"id", "name"}, uniqueLabels([]string{"id", "name"}))
	assert.Equal(t, []string{"name", "name_3", "name_2"}, uniqueLabels([]string{"name", "name", "name_2"}))
	assert.Equal(t, []string{"n", "n_2", "n_3"}, uniqueLabels([]string{"n", "n", "n"}))
}

func TestExecuteCapsRows(t *testing.T) {
	e := New(openTestDB(t), model.ExecutorConfig{MaxRows: 2})

	res, err := e.Execute(context.Background(), "SELECT id FROM orders")
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	assert.True(t, res.Truncated)
}

func TestExecuteClassifiesErrors(t *testing.T) {
	e := New(openTestDB(t), model.ExecutorConfig{})

	cases := []struct {
		sql  string
		kind model.ExecErrorKind
	}{
		{"SELECT * FROM missing_table", model.ExecErrMissingTable},
		{"SELECT nope FROM orders", model.ExecErrMissingColumn},
		{"SELECT FROM WHERE", model.ExecErrSyntax},
		{"DROP TABLE orders", model.ExecErrRejected},
	}
	for _, tc := range cases {
		_, err := e.Execute(context.Background(), tc.sql)
		var execErr *Error
		require.True(t, errors.As(err, &execErr), tc.sql)
		assert.Equal(t, tc.kind, execErr.Kind, tc.sql)
	}
}

func TestQueryStrings(t *testing.T) {
	e := New(openTestDB(t), model.ExecutorConfig{})

	vals, err := e.QueryStrings(context.Background(), "SELECT DISTINCT city FROM orders WHERE city LIKE ? ORDER BY city", "%海%")
	require.NoError(t, err)
	assert.Equal(t, []string{"上海"}, vals)
}

func TestParseSchemaError(t *testing.T) {
	info := ParseSchemaError("Error 1146 (42S02): Table 'shop.dim_region' doesn't exist")
	require.NotNil(t, info)
	assert.Equal(t, "table", info.Object)
	assert.Equal(t, "dim_region", info.Name)

	info = ParseSchemaError("SQL logic error: no such column: o.region (1)")
	require.NotNil(t, info)
	assert.Equal(t, "column", info.Object)
	assert.Equal(t, "o.region", info.Name)

	info = ParseSchemaError("Error 1054 (42S22): Unknown column 'orders.regoin' in 'field list'")
	require.NotNil(t, info)
	assert.Equal(t, "orders.regoin", info.Name)

	assert.Nil(t, ParseSchemaError("syntax error"))
}

func TestClassifyDriverErrors(t *testing.T) {
	assert.Equal(t, model.ExecErrTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, model.ExecErrPermission, Classify(errors.New("Error 1142: SELECT command denied to user")))
	assert.Equal(t, model.ExecErrConnection, Classify(errors.New("dial tcp: connection refused")))
	assert.Equal(t, model.ExecErrOther, Classify(errors.New("weird")))
	assert.True(t, model.ExecErrTimeout.Fatal())
	assert.False(t, model.ExecErrSyntax.Fatal())
}
