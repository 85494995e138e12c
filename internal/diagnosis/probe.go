package diagnosis

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/metrics"
	"github.com/chatbi-core/server/internal/retrieval"
	logx "github.com/chatbi-core/server/pkg/logger"
)

const maxProbeVariants = 5

var identifier = regexp.MustCompile(`^\w+$`)

// likeEscaper makes a literal match itself under LIKE ... ESCAPE '!'. The
// escape character needs no quoting in either MySQL or SQLite.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// Querier runs a single-column discovery query. *executor.Executor
// satisfies it.
type Querier interface {
	QueryStrings(ctx context.Context, query string, args ...any) ([]string, error)
}

// VariantFunc proposes lexical or translation variants of a literal for a
// column, driven by the column's schema description.
type VariantFunc func(ctx context.Context, target model.ProbeTarget, columnDescription string) ([]string, error)

// ProbeOutcome is the result of probing one literal.
type ProbeOutcome struct {
	Key      string
	Original string
	Found    []string
	Matched  bool
	Mapping  string
	SQL      string
	Evidence []string
}

// ProbeReport aggregates the outcomes of one probe run.
type ProbeReport struct {
	// Success is true when any literal matched, or when nothing needed probing.
	Success    bool
	Outcomes   []ProbeOutcome
	Mappings   map[string]string
	Candidates map[string][]string
	Evidence   []string
	Suggestion string
}

// EntityProbe looks up the real stored values behind user-supplied literals.
type EntityProbe struct {
	db       Querier
	catalog  *retrieval.Catalog
	variants VariantFunc
	limit    int
}

func NewEntityProbe(db Querier, c *retrieval.Catalog, variants VariantFunc, limit int) *EntityProbe {
	if limit <= 0 {
		limit = 20
	}
	return &EntityProbe{db: db, catalog: c, variants: variants, limit: limit}
}

// Probe probes every literal of targets that is not already a key of
// verified. verified is read only; new mappings are returned in the report.
func (p *EntityProbe) Probe(ctx context.Context, targets []model.ProbeTarget, verified map[string]string) (*ProbeReport, error) {
	report := &ProbeReport{Mappings: map[string]string{}, Candidates: map[string][]string{}}

	for _, t := range targets {
		for _, lit := range t.Literals() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if mapped, ok := verified[lit]; ok {
				metrics.ProbeQueries.WithLabelValues("skipped").Inc()
				report.Evidence = append(report.Evidence, fmt.Sprintf("skipped %q, already verified as %q", lit, mapped))
				continue
			}
			if _, done := report.Mappings[lit]; done {
				continue
			}
			out, err := p.probeLiteral(ctx, t, lit)
			if err != nil {
				return nil, err
			}
			report.Outcomes = append(report.Outcomes, out)
			report.Evidence = append(report.Evidence, out.Evidence...)
			if out.Matched {
				report.Mappings[lit] = out.Mapping
				report.Candidates[lit] = out.Found
			}
		}
	}

	report.Success = len(report.Outcomes) == 0
	for _, o := range report.Outcomes {
		if o.Matched {
			report.Success = true
			break
		}
	}
	report.Suggestion = probeSuggestion(report.Outcomes)
	return report, nil
}

func (p *EntityProbe) probeLiteral(ctx context.Context, t model.ProbeTarget, lit string) (ProbeOutcome, error) {
	key := t.Table + "." + t.Column
	out := ProbeOutcome{Key: key, Original: lit}

	if !identifier.MatchString(t.Table) || !identifier.MatchString(t.Column) {
		out.Evidence = append(out.Evidence, fmt.Sprintf("refusing to probe invalid identifier %s", key))
		return out, nil
	}
	desc := ""
	if p.catalog != nil {
		if !p.catalog.HasColumn(t.Table, t.Column) {
			out.Evidence = append(out.Evidence, fmt.Sprintf("column %s is not in the catalog", key))
			return out, nil
		}
		for _, c := range p.catalog.ListColumns(t.Table) {
			if strings.EqualFold(c.Name, t.Column) {
				desc = c.Description
			}
		}
	}

	variants := []string{lit}
	variants = append(variants, t.Variants...)
	if p.variants != nil {
		more, err := p.variants(ctx, model.ProbeTarget{Table: t.Table, Column: t.Column, Value: lit}, desc)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			logx.Warn().Err(err).Str("key", key).Msg("Variant generation failed, probing literal only")
		}
		variants = append(variants, more...)
	}
	variants = dedupeFold(variants, maxProbeVariants)

	conds := make([]string, len(variants))
	args := make([]any, len(variants))
	for i, v := range variants {
		conds[i] = t.Column + " LIKE ? ESCAPE '!'"
		args[i] = "%" + likeEscaper.Replace(v) + "%"
	}
	out.SQL = fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s LIMIT %d", t.Column, t.Table, strings.Join(conds, " OR "), p.limit)
	out.Evidence = append(out.Evidence, fmt.Sprintf("probe %s for %q with variants %v", key, lit, variants))

	found, err := p.db.QueryStrings(ctx, out.SQL, args...)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		metrics.ProbeQueries.WithLabelValues("error").Inc()
		logx.Warn().Err(err).Str("sql", out.SQL).Msg("Probe query failed")
		out.Evidence = append(out.Evidence, "probe query failed")
		return out, nil
	}
	found = dedupeFold(found, 0)
	if len(found) == 0 {
		metrics.ProbeQueries.WithLabelValues("unmatched").Inc()
		out.Evidence = append(out.Evidence, fmt.Sprintf("no stored value resembles %q", lit))
		return out, nil
	}

	metrics.ProbeQueries.WithLabelValues("matched").Inc()
	out.Found = found
	out.Matched = true
	out.Mapping = BestMatch(lit, found)
	out.Evidence = append(out.Evidence, fmt.Sprintf("found %d candidates, best match %q", len(found), out.Mapping))
	logx.Debug().Str("key", key).Str("literal", lit).Str("mapping", out.Mapping).Msg("Entity probed")
	return out, nil
}

// BestMatch picks an exact case-insensitive match, then containment in
// either direction, then the first candidate.
func BestMatch(original string, found []string) string {
	if len(found) == 0 {
		return ""
	}
	o := strings.ToLower(original)
	for _, f := range found {
		if strings.ToLower(f) == o {
			return f
		}
	}
	for _, f := range found {
		lf := strings.ToLower(f)
		if strings.Contains(lf, o) || strings.Contains(o, lf) {
			return f
		}
	}
	return found[0]
}

func dedupeFold(values []string, limit int) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		k := strings.ToLower(v)
		if v == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func probeSuggestion(outcomes []ProbeOutcome) string {
	var matched, missed []string
	for _, o := range outcomes {
		if o.Matched {
			matched = append(matched, fmt.Sprintf("%s -> %s", o.Original, o.Mapping))
		} else {
			missed = append(missed, o.Original)
		}
	}
	var parts []string
	if len(matched) > 0 {
		parts = append(parts, "use stored values: "+strings.Join(matched, ", "))
	}
	if len(missed) > 0 {
		parts = append(parts, "no stored value for: "+strings.Join(missed, ", ")+", the data may not exist")
	}
	return strings.Join(parts, "; ")
}
