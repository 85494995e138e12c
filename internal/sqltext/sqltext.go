// Package sqltext pulls tables, aliases and filter literals out of
// generated SQL text. It is deliberately shallow: the statements come from
// our own planner and only the FROM/JOIN/WHERE shapes matter.
package sqltext

import (
	"regexp"
	"strings"
)

var (
	fromTable  = regexp.MustCompile(`(?i)\bFROM\s+` + "`?" + `(\w+)`)
	joinTable  = regexp.MustCompile(`(?i)\bJOIN\s+` + "`?" + `(\w+)`)
	aliasDecl  = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+` + "`?" + `(\w+)` + "`?" + `\s+(?:AS\s+)?(\w+)`)
	eqFilter   = regexp.MustCompile(`(?i)(?:(\w+)\.)?(\w+)\s*=\s*'([^']+)'`)
	inFilter   = regexp.MustCompile(`(?i)(?:(\w+)\.)?(\w+)\s+IN\s*\(([^)]+)\)`)
	likeFilter = regexp.MustCompile(`(?i)(?:(\w+)\.)?(\w+)\s+LIKE\s+'%?([^'%]+)%?'`)
	quotedVal  = regexp.MustCompile(`'([^']+)'`)
	whereKw    = regexp.MustCompile(`(?i)\bWHERE\b`)
	condSplit  = regexp.MustCompile(`(?i)\s+(?:AND|OR)\s+`)
)

var aliasStopWords = map[string]bool{
	"ON": true, "WHERE": true, "AND": true, "OR": true, "LEFT": true, "RIGHT": true,
	"INNER": true, "OUTER": true, "JOIN": true, "GROUP": true, "ORDER": true, "LIMIT": true,
	"CROSS": true, "FULL": true, "HAVING": true, "UNION": true, "USING": true,
}

// TablesUsed returns the distinct lower-cased tables named after FROM or JOIN.
func TablesUsed(sql string) []string {
	seen := map[string]bool{}
	var out []string
	for _, re := range []*regexp.Regexp{fromTable, joinTable} {
		for _, m := range re.FindAllStringSubmatch(sql, -1) {
			t := strings.ToLower(m[1])
			if t == "select" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Aliases maps lower-cased aliases to their table, e.g. "o" -> "orders".
func Aliases(sql string) map[string]string {
	out := map[string]string{}
	for _, m := range aliasDecl.FindAllStringSubmatch(sql, -1) {
		if aliasStopWords[strings.ToUpper(m[2])] {
			continue
		}
		out[strings.ToLower(m[2])] = m[1]
	}
	return out
}

// Literal is one string literal compared against table.column in WHERE.
type Literal struct {
	Table  string
	Column string
	Value  string
}

var ignoredValues = map[string]bool{"NULL": true, "TRUE": true, "FALSE": true, "1": true, "0": true}

// WhereLiterals returns the string literals of =, IN and LIKE predicates
// in the WHERE clause, with aliases resolved to table names. Unqualified
// columns are attributed to the FROM table of single-table statements and
// dropped otherwise.
func WhereLiterals(sql string) []Literal {
	loc := whereKw.FindStringIndex(sql)
	if loc == nil {
		return nil
	}
	where := sql[loc[0]:]
	aliases := Aliases(sql)
	resolve := func(t string) string {
		if real, ok := aliases[strings.ToLower(t)]; ok {
			return real
		}
		return t
	}
	only := soleTable(sql)

	var out []Literal
	seen := map[string]bool{}
	add := func(t, c, v string) {
		v = strings.TrimSpace(v)
		if v == "" || ignoredValues[strings.ToUpper(v)] {
			return
		}
		if t == "" {
			if only == "" || aliasStopWords[strings.ToUpper(c)] || strings.EqualFold(c, "NOT") {
				return
			}
			t = only
		}
		l := Literal{Table: resolve(t), Column: c, Value: v}
		key := strings.ToLower(l.Table + "." + l.Column + "=" + l.Value)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, l)
	}
	for _, m := range eqFilter.FindAllStringSubmatch(where, -1) {
		add(m[1], m[2], m[3])
	}
	for _, m := range inFilter.FindAllStringSubmatch(where, -1) {
		for _, v := range quotedVal.FindAllStringSubmatch(m[3], -1) {
			add(m[1], m[2], v[1])
		}
	}
	for _, m := range likeFilter.FindAllStringSubmatch(where, -1) {
		add(m[1], m[2], m[3])
	}
	return out
}

// soleTable returns the FROM table of a statement that reads exactly one
// table, or "" when it joins or nests several.
func soleTable(sql string) string {
	if joinTable.MatchString(sql) {
		return ""
	}
	froms := fromTable.FindAllStringSubmatch(sql, -1)
	if len(froms) != 1 {
		return ""
	}
	return froms[0][1]
}

// WhereConditionCount counts AND/OR separated predicates in the WHERE clause.
func WhereConditionCount(sql string) int {
	loc := whereKw.FindStringIndex(sql)
	if loc == nil {
		return 0
	}
	where := sql[loc[1]:]
	upper := strings.ToUpper(where)
	for _, kw := range []string{" GROUP BY", " ORDER BY", " LIMIT", " HAVING"} {
		if i := strings.Index(upper, kw); i >= 0 {
			where = where[:i]
			upper = upper[:i]
		}
	}
	if strings.TrimSpace(where) == "" {
		return 0
	}
	return len(condSplit.Split(where, -1))
}
