package retrieval

import (
	"context"
	"fmt"
	"strings"
)

const (
	SupplementaryHeader = "[Supplementary Tables - Auto Completed]"
	JoinHintsHeader     = "[Join Hints]"
)

// SchemaContext is the rendered schema text handed to the planner plus the
// tables it covers.
type SchemaContext struct {
	Text   string
	Tables []string
}

// RenderTable renders one table block as "[name] desc" followed by
// "  - column: description (type)" lines.
func RenderTable(t Table) string {
	var b strings.Builder
	b.WriteString("[" + t.Name + "]")
	if t.Description != "" {
		b.WriteString(" " + t.Description)
	}
	b.WriteString("\n")
	for _, c := range t.Columns {
		b.WriteString("  - " + c.Name + ": " + c.Description)
		if c.Type != "" {
			b.WriteString(" (" + c.Type + ")")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderContext renders the given tables and the join hints between them.
func (c *Catalog) RenderContext(tables []string) string {
	var b strings.Builder
	var known []string
	for _, name := range tables {
		t, ok := c.Table(name)
		if !ok {
			continue
		}
		known = append(known, t.Name)
		b.WriteString(RenderTable(t))
		b.WriteString("\n")
	}

	var hints []string
	for i := 0; i < len(known); i++ {
		for j := i + 1; j < len(known); j++ {
			if cond := c.JoinPath(known[i], known[j]); cond != "" {
				hints = append(hints, fmt.Sprintf("- %s <-> %s: %s", known[i], known[j], cond))
			}
		}
	}
	if len(hints) > 0 {
		b.WriteString(JoinHintsHeader + "\n")
		b.WriteString(strings.Join(hints, "\n"))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Service combines a Retriever with the catalog to produce planner context.
type Service struct {
	retriever Retriever
	catalog   *Catalog
}

func NewService(r Retriever, c *Catalog) *Service {
	return &Service{retriever: r, catalog: c}
}

func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// SchemaFor retrieves and renders the schema relevant to query. When the
// retriever finds nothing the first topK catalog tables are used.
func (s *Service) SchemaFor(ctx context.Context, query string, topK int) (SchemaContext, error) {
	snippets, err := s.retriever.Retrieve(ctx, query, topK)
	if err != nil {
		return SchemaContext{}, fmt.Errorf("retrieve schema: %w", err)
	}
	tables := SelectTables(snippets)
	if len(tables) == 0 {
		tables = s.catalog.TableNames()
		if topK > 0 && len(tables) > topK {
			tables = tables[:topK]
		}
	}
	return SchemaContext{Text: s.catalog.RenderContext(tables), Tables: tables}, nil
}
