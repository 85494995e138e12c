package retrieval

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

type Table struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns"`
}

// Relationship is a known join between two tables.
type Relationship struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition"`
}

// Catalog is the read-only schema knowledge base. It plays the role of the
// graph store: tables, columns, descriptions and join relationships.
type Catalog struct {
	tables        []Table
	byName        map[string]*Table
	relationships []Relationship
}

type catalogFile struct {
	Tables        []Table        `json:"tables"`
	Relationships []Relationship `json:"relationships"`
}

// LoadCatalog reads a catalog JSON document from disk.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(b)
}

// ParseCatalog decodes a catalog JSON document.
func ParseCatalog(b []byte) (*Catalog, error) {
	var f catalogFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return NewCatalog(f.Tables, f.Relationships)
}

func NewCatalog(tables []Table, rels []Relationship) (*Catalog, error) {
	c := &Catalog{
		tables:        make([]Table, len(tables)),
		byName:        make(map[string]*Table, len(tables)),
		relationships: append([]Relationship(nil), rels...),
	}
	copy(c.tables, tables)
	for i := range c.tables {
		name := strings.ToLower(strings.TrimSpace(c.tables[i].Name))
		if name == "" {
			return nil, fmt.Errorf("catalog table %d has no name", i)
		}
		if _, dup := c.byName[name]; dup {
			return nil, fmt.Errorf("duplicate catalog table %q", name)
		}
		c.byName[name] = &c.tables[i]
	}
	return c, nil
}

// TableNames returns every table name in catalog order.
func (c *Catalog) TableNames() []string {
	out := make([]string, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t.Name)
	}
	return out
}

func (c *Catalog) Table(name string) (Table, bool) {
	t, ok := c.byName[normalizeName(name)]
	if !ok {
		return Table{}, false
	}
	return *t, true
}

func (c *Catalog) HasTable(name string) bool {
	_, ok := c.byName[normalizeName(name)]
	return ok
}

// ListColumns returns the columns of a table, nil when unknown.
func (c *Catalog) ListColumns(table string) []Column {
	t, ok := c.byName[normalizeName(table)]
	if !ok {
		return nil
	}
	return append([]Column(nil), t.Columns...)
}

func (c *Catalog) HasColumn(table, column string) bool {
	for _, col := range c.ListColumns(table) {
		if strings.EqualFold(col.Name, column) {
			return true
		}
	}
	return false
}

// TablesWithColumn returns every table carrying a column of that name.
func (c *Catalog) TablesWithColumn(column string) []string {
	var out []string
	for _, t := range c.tables {
		for _, col := range t.Columns {
			if strings.EqualFold(col.Name, column) {
				out = append(out, t.Name)
				break
			}
		}
	}
	return out
}

func (c *Catalog) Relationships() []Relationship {
	return append([]Relationship(nil), c.relationships...)
}

// JoinPath returns the direct join condition between a and b, or "".
func (c *Catalog) JoinPath(a, b string) string {
	a, b = normalizeName(a), normalizeName(b)
	for _, r := range c.relationships {
		s, t := normalizeName(r.Source), normalizeName(r.Target)
		if (s == a && t == b) || (s == b && t == a) {
			return r.Condition
		}
	}
	return ""
}

// Neighbors returns relationships touching table.
func (c *Catalog) Neighbors(table string) []Relationship {
	table = normalizeName(table)
	var out []Relationship
	for _, r := range c.relationships {
		if normalizeName(r.Source) == table || normalizeName(r.Target) == table {
			out = append(out, r)
		}
	}
	return out
}

// SimilarTables ranks catalog tables by name similarity to name.
func (c *Catalog) SimilarTables(name string, limit int) []string {
	return rankSimilar(name, c.TableNames(), limit)
}

// SimilarColumns ranks table.column identifiers by similarity to column.
// When table is known only its columns are considered.
func (c *Catalog) SimilarColumns(table, column string, limit int) []string {
	var candidates []string
	if t, ok := c.byName[normalizeName(table)]; ok {
		for _, col := range t.Columns {
			candidates = append(candidates, t.Name+"."+col.Name)
		}
	} else {
		for _, t := range c.tables {
			for _, col := range t.Columns {
				candidates = append(candidates, t.Name+"."+col.Name)
			}
		}
	}
	scored := make([]scoredName, 0, len(candidates))
	for _, cand := range candidates {
		_, colName, _ := strings.Cut(cand, ".")
		scored = append(scored, scoredName{name: cand, score: similarity(column, colName)})
	}
	return topScored(scored, limit)
}

type scoredName struct {
	name  string
	score float64
}

func rankSimilar(target string, names []string, limit int) []string {
	scored := make([]scoredName, 0, len(names))
	for _, n := range names {
		scored = append(scored, scoredName{name: n, score: similarity(target, n)})
	}
	return topScored(scored, limit)
}

const minSimilarity = 0.4

func topScored(scored []scoredName, limit int) []string {
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	var out []string
	for _, s := range scored {
		if s.score < minSimilarity {
			break
		}
		out = append(out, s.name)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// similarity is a normalized Levenshtein ratio in [0,1].
func similarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	dist := prev[len(rb)]
	return 1 - float64(dist)/float64(max(len(ra), len(rb)))
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, "`\"[]")
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	return s
}
