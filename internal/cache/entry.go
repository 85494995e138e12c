package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/chatbi-core/server/internal/agent/model"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusInvalid    Status = "invalid"
	StatusDeprecated Status = "deprecated"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInvalid, StatusDeprecated:
		return true
	}
	return false
}

// Entry is one cached question → SQL mapping.
//
// TablesUsed is stored comma-delimited with leading and trailing commas
// (",orders,users,") so a single LIKE pattern matches a whole table name.
type Entry struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	QueryHash      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"query_hash"`
	OriginalQuery  string    `gorm:"type:text;not null" json:"original_query"`
	RewrittenQuery string    `gorm:"type:text" json:"rewritten_query"`
	SQL            string    `gorm:"column:sql_text;type:text;not null" json:"sql"`
	TablesUsed     string    `gorm:"type:varchar(1024)" json:"-"`
	Score          int       `gorm:"not null;default:0" json:"score"`
	HitCount       int       `gorm:"not null;default:0" json:"hit_count"`
	Status         Status    `gorm:"type:varchar(16);index;not null;default:active" json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Entry) TableName() string { return "query_cache" }

// Tables returns the decoded table list.
func (e Entry) Tables() []string {
	var out []string
	for _, t := range strings.Split(e.TablesUsed, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Hit converts the entry to the pipeline's cache hit record.
func (e Entry) Hit() *model.CacheHit {
	return &model.CacheHit{
		ID:             e.ID,
		QueryHash:      e.QueryHash,
		OriginalQuery:  e.OriginalQuery,
		RewrittenQuery: e.RewrittenQuery,
		SQL:            e.SQL,
		TablesUsed:     e.Tables(),
		Score:          e.Score,
		HitCount:       e.HitCount,
	}
}

func encodeTables(tables []string) string {
	seen := make(map[string]bool, len(tables))
	var parts []string
	for _, t := range tables {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		parts = append(parts, t)
	}
	if len(parts) == 0 {
		return ""
	}
	return "," + strings.Join(parts, ",") + ","
}

// Normalize trims and lower-cases a question before hashing.
func Normalize(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// Hash is the stable cache key of a question.
func Hash(q string) string {
	sum := sha256.Sum256([]byte(Normalize(q)))
	return hex.EncodeToString(sum[:])
}

// ScoreInput collects the signals that make a turn's SQL reusable.
// A validator with nothing to check counts as passed.
type ScoreInput struct {
	SQLSucceeded       bool
	NonEmpty           bool
	ResultValidated    bool
	CompletenessPassed bool
	PathValidated      bool
}

// Score returns the 0-100 cache confidence of a turn.
func Score(in ScoreInput) int {
	score := 0
	if in.SQLSucceeded {
		score += 30
	}
	if in.NonEmpty {
		score += 20
	}
	if in.ResultValidated {
		score += 20
	}
	if in.CompletenessPassed {
		score += 20
	}
	if in.PathValidated {
		score += 10
	}
	return score
}
