package feed

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/triarb/pkg/models"
)

const (
	DefaultMAPeriod      = 20
	DefaultMAGranularity = "12h"
)

// SimpleMovingAverage averages the closes of the most recent period candles.
// The result is invalid when fewer than period candles are available.
func SimpleMovingAverage(candles []models.Candle, period int) decimal.NullDecimal {
	if period <= 0 || len(candles) < period {
		return decimal.NullDecimal{}
	}

	sorted := make([]models.Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenTime.Before(sorted[j].OpenTime) })

	sum := decimal.Zero
	for _, c := range sorted[len(sorted)-period:] {
		if !c.Close.IsPositive() {
			return decimal.NullDecimal{}
		}
		sum = sum.Add(c.Close)
	}
	return decimal.NewNullDecimal(sum.Div(decimal.NewFromInt(int64(period))))
}
