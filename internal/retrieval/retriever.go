package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/dgraph-io/ristretto"

	"github.com/chatbi-core/server/internal/metrics"
)

// Snippet is one ranked retrieval hit. Column is empty for table-level hits.
type Snippet struct {
	Table       string  `json:"table"`
	Column      string  `json:"column,omitempty"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}

// Retriever is the schema retrieval collaborator, most relevant first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Snippet, error)
}

// KeywordRetriever ranks catalog tables and columns by term overlap with
// the query. Chinese descriptions are matched by substring since the
// query has no word boundaries.
type KeywordRetriever struct {
	catalog *Catalog
}

func NewKeywordRetriever(c *Catalog) *KeywordRetriever {
	return &KeywordRetriever{catalog: c}
}

const (
	tableNameWeight   = 3.0
	columnNameWeight  = 2.0
	descriptionWeight = 1.5
)

func (r *KeywordRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	words := asciiWords(q)

	var hits []Snippet
	for _, t := range r.catalog.tables {
		score := nameScore(t.Name, words, q)*tableNameWeight + descScore(t.Description, q)*descriptionWeight
		if score > 0 {
			hits = append(hits, Snippet{Table: t.Name, Description: t.Description, Score: score})
		}
		for _, col := range t.Columns {
			cs := nameScore(col.Name, words, q)*columnNameWeight + descScore(col.Description, q)*descriptionWeight
			if cs > 0 {
				hits = append(hits, Snippet{Table: t.Name, Column: col.Name, Description: col.Description, Score: cs})
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func asciiWords(q string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(q, func(r rune) bool {
		return !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
	}) {
		if len(w) > 1 {
			out[w] = true
		}
	}
	return out
}

// nameScore counts identifier parts (split on '_') mentioned in the query.
func nameScore(name string, words map[string]bool, q string) float64 {
	var s float64
	for _, part := range strings.Split(strings.ToLower(name), "_") {
		if len(part) < 2 || part == "id" || part == "dim" {
			continue
		}
		if words[part] || words[strings.TrimSuffix(part, "s")] {
			s++
		}
	}
	if words[strings.ToLower(name)] || strings.Contains(q, strings.ToLower(name)) {
		s++
	}
	return s
}

// descScore counts description terms (split on punctuation and spaces)
// contained in the query.
func descScore(desc string, q string) float64 {
	if desc == "" {
		return 0
	}
	var s float64
	for _, term := range strings.FieldsFunc(strings.ToLower(desc), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || strings.ContainsRune("，。、；：（）/|", r)
	}) {
		if len([]rune(term)) < 2 {
			continue
		}
		if strings.Contains(q, term) {
			s++
		}
	}
	return s
}

// SelectTables returns the distinct tables of the snippets in rank order.
func SelectTables(snippets []Snippet) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range snippets {
		key := strings.ToLower(s.Table)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s.Table)
	}
	return out
}

// CachedRetriever memoizes retrieval results per normalized query and topK.
type CachedRetriever struct {
	next  Retriever
	cache *ristretto.Cache
}

func NewCachedRetriever(next Retriever, maxEntries int64) (*CachedRetriever, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval cache: %w", err)
	}
	return &CachedRetriever{next: next, cache: cache}, nil
}

func (r *CachedRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Snippet, error) {
	key := fmt.Sprintf("%d|%s", topK, strings.ToLower(strings.TrimSpace(query)))
	if v, ok := r.cache.Get(key); ok {
		if snippets, ok := v.([]Snippet); ok {
			metrics.RetrievalCache.WithLabelValues("hit").Inc()
			return append([]Snippet(nil), snippets...), nil
		}
	}
	metrics.RetrievalCache.WithLabelValues("miss").Inc()

	snippets, err := r.next.Retrieve(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, append([]Snippet(nil), snippets...), 1)
	return snippets, nil
}

// Wait blocks until buffered cache writes are applied.
func (r *CachedRetriever) Wait() {
	r.cache.Wait()
}

func (r *CachedRetriever) Close() {
	r.cache.Close()
}
