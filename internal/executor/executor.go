package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/metrics"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// Executor runs read-only statements against the business database.
type Executor struct {
	db      *gorm.DB
	timeout time.Duration
	maxRows int
}

func New(db *gorm.DB, cfg model.ExecutorConfig) *Executor {
	return &Executor{db: db, timeout: cfg.Timeout, maxRows: cfg.MaxRows}
}

var (
	lineComment  = regexp.MustCompile(`(?m)--[^\n]*$`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	quoted       = regexp.MustCompile(`'(?:[^'\\]|\\.|'')*'|"(?:[^"\\]|\\.)*"`)
	writeKeyword = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|replace|grant|revoke|merge|call)\b`)
)

// CheckReadOnly validates that stmt is exactly one SELECT or WITH statement.
func CheckReadOnly(stmt string) error {
	stripped := strings.TrimSpace(blockComment.ReplaceAllString(lineComment.ReplaceAllString(stmt, ""), ""))
	if stripped == "" {
		return errors.New("empty statement")
	}
	head := strings.ToLower(strings.Fields(stripped)[0])
	if head != "select" && head != "with" {
		return fmt.Errorf("only SELECT or WITH statements are allowed, got %q", head)
	}
	literalFree := quoted.ReplaceAllString(stripped, "''")
	body := strings.TrimRight(strings.TrimSpace(literalFree), ";")
	if strings.Contains(body, ";") {
		return errors.New("multiple statements are not allowed")
	}
	if head == "with" && writeKeyword.MatchString(body) {
		return errors.New("data-modifying CTE is not allowed")
	}
	return nil
}

// Execute runs one read-only statement. Failures come back as *Error;
// cancellation of ctx is returned unwrapped.
func (e *Executor) Execute(ctx context.Context, query string) (*model.QueryResult, error) {
	query = strings.TrimSpace(query)
	if err := CheckReadOnly(query); err != nil {
		metrics.SQLExecutions.WithLabelValues(string(model.ExecErrRejected)).Inc()
		return nil, &Error{Kind: model.ExecErrRejected, Message: err.Error(), Err: err}
	}
	query = strings.TrimRight(query, "; \n\t")

	execCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := e.run(execCtx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind := Classify(err)
		metrics.SQLExecutions.WithLabelValues(string(kind)).Inc()
		logx.Warn().Err(err).Str("kind", string(kind)).Str("sql", query).Msg("SQL execution failed")
		return nil, &Error{Kind: kind, Message: err.Error(), Err: err}
	}
	metrics.SQLExecutions.WithLabelValues("ok").Inc()
	logx.Debug().Int("rows", len(res.Rows)).Dur("elapsed", time.Since(start)).Msg("SQL executed")
	return res, nil
}

func (e *Executor) run(ctx context.Context, query string) (*model.QueryResult, error) {
	rows, err := e.db.WithContext(ctx).Raw(query).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	cols = uniqueLabels(cols)
	res := &model.QueryResult{SQL: query, Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		if e.maxRows > 0 && len(res.Rows) >= e.maxRows {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(vals[i], types[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// uniqueLabels suffixes repeated column names (name, name_2, ...) so no
// value is lost when rows are keyed by column.
func uniqueLabels(cols []string) []string {
	taken := make(map[string]bool, len(cols))
	for _, c := range cols {
		taken[c] = true
	}
	seen := make(map[string]bool, len(cols))
	out := make([]string, len(cols))
	for i, c := range cols {
		label := c
		for n := 2; seen[label]; n++ {
			if next := fmt.Sprintf("%s_%d", c, n); !seen[next] && !taken[next] {
				label = next
			}
		}
		seen[label] = true
		out[i] = label
	}
	return out
}

// QueryStrings runs a single-column discovery query and returns its
// non-null values as strings.
func (e *Executor) QueryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	if err := CheckReadOnly(query); err != nil {
		return nil, &Error{Kind: model.ExecErrRejected, Message: err.Error(), Err: err}
	}
	execCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	vals, err := e.scanStrings(execCtx, query, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: Classify(err), Message: err.Error(), Err: err}
	}
	return vals, nil
}

func (e *Executor) scanStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := e.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vals []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v.Valid {
			vals = append(vals, v.String)
		}
	}
	return vals, rows.Err()
}

var numericTypes = map[string]bool{
	"DECIMAL": true, "NUMERIC": true, "FLOAT": true, "DOUBLE": true, "REAL": true,
	"INT": true, "INTEGER": true, "BIGINT": true, "SMALLINT": true, "TINYINT": true, "MEDIUMINT": true,
	"UNSIGNED INT": true, "UNSIGNED BIGINT": true,
}

// normalizeValue turns driver values into JSON-friendly Go values.
func normalizeValue(v any, ct *sql.ColumnType) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		s := string(x)
		if ct != nil && numericTypes[strings.ToUpper(ct.DatabaseTypeName())] {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
		return s
	case time.Time:
		return x.Format(time.DateTime)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return x
	}
}
