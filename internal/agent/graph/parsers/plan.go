package parsers

import (
	"encoding/json"
	"strings"

	"github.com/chatbi-core/server/internal/executor"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// Plan is the planner's decision: exactly one of SQL or Clarification is set.
type Plan struct {
	SQL           string
	Clarification string
	Explanation   string
	Tables        []string
}

type planJSON struct {
	SQL           string   `json:"sql"`
	Clarification string   `json:"clarification"`
	Explanation   string   `json:"explanation"`
	Tables        []string `json:"tables"`
}

// ParsePlan accepts a JSON object, a fenced SQL block or bare SQL. Any
// other prose is taken as a clarification request. SQL must be a single
// read-only statement; a trailing semicolon is dropped.
func ParsePlan(content string) (plan *Plan, err error) {
	defer recoverParse("plan_parser", &err)

	content = stripFences(bound("plan_parser", content))
	if content == "" {
		return nil, parseErr("empty planner completion")
	}

	var p planJSON
	if looksLikeSQL(content) {
		p.SQL = content
	} else if raw, ok := extractJSON(content, '{'); ok {
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, parseErr("decode plan: %v", err)
		}
	} else {
		p.Clarification = content
	}

	plan = &Plan{
		SQL:           normalizeSQL(p.SQL),
		Clarification: strings.TrimSpace(p.Clarification),
		Explanation:   strings.TrimSpace(p.Explanation),
		Tables:        p.Tables,
	}
	if plan.SQL == "" {
		if plan.Clarification == "" {
			return nil, parseErr("plan has neither sql nor clarification: %s", safeSnippet(content))
		}
		return plan, nil
	}
	if err := executor.CheckReadOnly(plan.SQL); err != nil {
		logx.Warn().Err(err).Str("sql", safeSnippet(plan.SQL)).Msg("Planner produced a rejected statement")
		return nil, parseErr("invalid sql: %v", err)
	}
	plan.Clarification = ""
	return plan, nil
}

func looksLikeSQL(s string) bool {
	f := strings.Fields(s)
	if len(f) == 0 {
		return false
	}
	head := strings.ToUpper(f[0])
	return head == "SELECT" || head == "WITH"
}

func normalizeSQL(s string) string {
	s = stripFences(s)
	s = strings.TrimSpace(s)
	for strings.HasSuffix(s, ";") {
		s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	}
	return s
}
