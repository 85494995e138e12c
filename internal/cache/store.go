package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/chatbi-core/server/internal/agent/model"
	errx "github.com/chatbi-core/server/internal/core/error"
	"github.com/chatbi-core/server/internal/metrics"
	"github.com/chatbi-core/server/internal/sqltext"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidStatus     = errx.New(errors.New("invalid cache status"), http.StatusBadRequest, "status must be one of active, invalid, deprecated").WithCode(errx.CodeValidation)
	ErrInvalidTransition = errx.New(errors.New("invalid cache status transition"), http.StatusConflict, "only active and invalid entries can be switched").WithCode(errx.CodeValidation)
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Store persists the query cache through gorm.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the query_cache table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Entry{})
}

// Check returns the active entry for the question and counts the hit.
// A miss is (nil, nil).
func (s *Store) Check(ctx context.Context, query string) (*model.CacheHit, error) {
	hash := Hash(query)

	var e Entry
	err := s.db.WithContext(ctx).
		Where("query_hash = ? AND status = ?", hash, StatusActive).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, errx.WrapDB(err)
	}

	if err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("id = ?", e.ID).
		UpdateColumn("hit_count", gorm.Expr("hit_count + ?", 1)).Error; err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, errx.WrapDB(err)
	}
	e.HitCount++

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return e.Hit(), nil
}

// SaveInput is a successful turn offered to the cache.
type SaveInput struct {
	OriginalQuery  string
	RewrittenQuery string
	SQL            string
	// TablesUsed is derived from SQL when empty.
	TablesUsed []string
	Score      int
}

// Save upserts the entry for the question. Entries that an operator
// invalidated or that were deprecated by a table change are left alone;
// saved reports whether a row was written.
func (s *Store) Save(ctx context.Context, in SaveInput) (saved bool, err error) {
	if strings.TrimSpace(in.OriginalQuery) == "" || strings.TrimSpace(in.SQL) == "" {
		return false, nil
	}
	tables := in.TablesUsed
	if len(tables) == 0 {
		tables = sqltext.TablesUsed(in.SQL)
	}
	hash := Hash(in.OriginalQuery)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Entry
		err := tx.Where("query_hash = ?", hash).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			e := Entry{
				QueryHash:      hash,
				OriginalQuery:  strings.TrimSpace(in.OriginalQuery),
				RewrittenQuery: in.RewrittenQuery,
				SQL:            in.SQL,
				TablesUsed:     encodeTables(tables),
				Score:          in.Score,
				Status:         StatusActive,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&e)
			if res.Error != nil {
				return res.Error
			}
			saved = res.RowsAffected > 0
			return nil
		}
		if err != nil {
			return err
		}
		if existing.Status != StatusActive {
			return nil
		}
		if err := tx.Model(&existing).Updates(map[string]any{
			"rewritten_query": in.RewrittenQuery,
			"sql_text":        in.SQL,
			"tables_used":     encodeTables(tables),
			"score":           in.Score,
		}).Error; err != nil {
			return err
		}
		saved = true
		return nil
	})
	switch {
	case err != nil:
		metrics.CacheSaves.WithLabelValues("error").Inc()
		return false, errx.WrapDB(err)
	case saved:
		metrics.CacheSaves.WithLabelValues("saved").Inc()
	default:
		metrics.CacheSaves.WithLabelValues("skipped").Inc()
	}
	return saved, nil
}

// ListFilter narrows the admin listing. Zero values mean no filter.
type ListFilter struct {
	Status   Status
	Keyword  string
	Page     int
	PageSize int
}

type ListPage struct {
	Items    []Entry `json:"items"`
	Total    int64   `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

func (s *Store) List(ctx context.Context, f ListFilter) (*ListPage, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}

	q := s.db.WithContext(ctx).Model(&Entry{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		like := "%" + kw + "%"
		q = q.Where("original_query LIKE ? OR rewritten_query LIKE ?", like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, errx.WrapDB(err)
	}

	var items []Entry
	if err := q.Order("id DESC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&items).Error; err != nil {
		return nil, errx.WrapDB(err)
	}
	return &ListPage{Items: items, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}

func (s *Store) Get(ctx context.Context, id uint64) (*Entry, error) {
	var e Entry
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, errx.WrapDB(err)
	}
	return &e, nil
}

// UpdateStatus switches an entry between active and invalid.
// Deprecated entries stay deprecated.
func (s *Store) UpdateStatus(ctx context.Context, id uint64, status Status) (*Entry, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == status {
		return e, nil
	}
	if !allowedTransition(e.Status, status) {
		return nil, ErrInvalidTransition
	}
	if err := s.db.WithContext(ctx).Model(e).Update("status", status).Error; err != nil {
		return nil, errx.WrapDB(err)
	}
	e.Status = status
	return e, nil
}

func allowedTransition(from, to Status) bool {
	return (from == StatusActive && to == StatusInvalid) ||
		(from == StatusInvalid && to == StatusActive)
}

func (s *Store) Delete(ctx context.Context, id uint64) error {
	res := s.db.WithContext(ctx).Delete(&Entry{}, "id = ?", id)
	if res.Error != nil {
		return errx.WrapDB(res.Error)
	}
	if res.RowsAffected == 0 {
		return errx.WrapDB(gorm.ErrRecordNotFound)
	}
	return nil
}

// InvalidateByTables deprecates every active entry that reads any of tables.
func (s *Store) InvalidateByTables(ctx context.Context, tables []string) (int64, error) {
	var (
		conds []string
		args  []any
	)
	for _, t := range tables {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		conds = append(conds, "tables_used LIKE ?")
		args = append(args, "%,"+t+",%")
	}
	if len(conds) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("status = ?", StatusActive).
		Where(strings.Join(conds, " OR "), args...).
		Update("status", StatusDeprecated)
	if res.Error != nil {
		return 0, errx.WrapDB(res.Error)
	}
	return res.RowsAffected, nil
}

type Stats struct {
	Total      int64   `json:"total"`
	Active     int64   `json:"active"`
	Invalid    int64   `json:"invalid"`
	Deprecated int64   `json:"deprecated"`
	TotalHits  int64   `json:"total_hits"`
	AvgScore   float64 `json:"avg_score"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var counts []struct {
		Status Status
		N      int64
	}
	if err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, errx.WrapDB(err)
	}

	var agg struct {
		TotalHits int64
		AvgScore  float64
	}
	if err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Select("COALESCE(SUM(hit_count), 0) AS total_hits, COALESCE(AVG(score), 0) AS avg_score").
		Scan(&agg).Error; err != nil {
		return nil, errx.WrapDB(err)
	}

	st := &Stats{TotalHits: agg.TotalHits, AvgScore: math.Round(agg.AvgScore*100) / 100}
	for _, c := range counts {
		st.Total += c.N
		switch c.Status {
		case StatusActive:
			st.Active = c.N
		case StatusInvalid:
			st.Invalid = c.N
		case StatusDeprecated:
			st.Deprecated = c.N
		}
	}
	return st, nil
}

// ReportMetrics refreshes the per-status entry gauge.
func (s *Store) ReportMetrics(ctx context.Context) (*Stats, error) {
	st, err := s.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	metrics.CacheEntries.WithLabelValues(string(StatusActive)).Set(float64(st.Active))
	metrics.CacheEntries.WithLabelValues(string(StatusInvalid)).Set(float64(st.Invalid))
	metrics.CacheEntries.WithLabelValues(string(StatusDeprecated)).Set(float64(st.Deprecated))
	return st, nil
}
