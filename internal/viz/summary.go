package viz

import (
	"math"

	"github.com/chatbi-core/server/internal/agent/model"
)

const previewRows = 10

// Summarize condenses a result into row count, a short preview and
// min/max/sum/avg for every numeric column.
func Summarize(res *model.QueryResult) *model.DataSummary {
	s := &model.DataSummary{RowCount: res.RowCount()}
	if res == nil {
		return s
	}
	s.Columns = res.Columns
	n := min(previewRows, len(res.Rows))
	s.Preview = res.Rows[:n]

	for _, col := range NumericColumns(res) {
		var (
			st    model.ColumnStats
			count int
		)
		for _, row := range res.Rows {
			f, ok := toFloat(row[col])
			if !ok {
				continue
			}
			if count == 0 || f < st.Min {
				st.Min = f
			}
			if count == 0 || f > st.Max {
				st.Max = f
			}
			st.Sum += f
			count++
		}
		if count == 0 {
			continue
		}
		st.Avg = round2(st.Sum / float64(count))
		st.Sum = round2(st.Sum)
		if s.Numeric == nil {
			s.Numeric = make(map[string]model.ColumnStats)
		}
		s.Numeric[col] = st
	}
	return s
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
