package usage

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Bucket summarizes every record that falls on one calendar day.
type Bucket struct {
	Date        time.Time       `json:"date"`
	Count       int             `json:"count"`
	CostSum     decimal.Decimal `json:"cost_sum"`
	QuantitySum decimal.Decimal `json:"quantity_sum"`
}

// SameTotals reports whether b and o carry the same count, cost sum and
// quantity sum. Decimal comparison ignores scale, so 15 equals 15.00.
func (b Bucket) SameTotals(o Bucket) bool {
	return b.Count == o.Count &&
		b.CostSum.Equal(o.CostSum) &&
		b.QuantitySum.Equal(o.QuantitySum)
}

// Aggregate groups records by day and returns one bucket per distinct day,
// sorted by ascending date. The result does not depend on input order.
func Aggregate(records []Record) []Bucket {
	index := make(map[time.Time]int, len(records))
	buckets := make([]Bucket, 0)

	for _, r := range records {
		day := NormalizeDate(r.Date)
		i, ok := index[day]
		if !ok {
			i = len(buckets)
			index[day] = i
			buckets = append(buckets, Bucket{
				Date:        day,
				CostSum:     decimal.Zero,
				QuantitySum: decimal.Zero,
			})
		}
		b := &buckets[i]
		b.Count++
		b.CostSum = b.CostSum.Add(r.Cost)
		b.QuantitySum = b.QuantitySum.Add(r.Quantity)
	}

	sortBuckets(buckets)
	return buckets
}

func sortBuckets(buckets []Bucket) {
	slices.SortFunc(buckets, func(a, b Bucket) int {
		return a.Date.Compare(b.Date)
	})
}
