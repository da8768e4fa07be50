package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ChannelPerformance summarizes one channel over a past period.
type ChannelPerformance struct {
	Channel         Channel         `json:"channel"`
	UtilizationRate decimal.Decimal `json:"utilizationRate"`
	Revenue         decimal.Decimal `json:"revenue"`
}

// Performance derives channel performance from the recorded days in [from, to].
// Revenue is sold rooms times the channel rate of each day.
func (ledger *Ledger) Performance(ctx context.Context, hotelID string, roomTypeID string, from time.Time, to time.Time) ([]ChannelPerformance, error) {
	days, err := ledger.Days(ctx, hotelID, roomTypeID, from, to)
	if err != nil {
		return nil, err
	}
	type accumulator struct {
		utilization decimal.Decimal
		samples     int64
		revenue     decimal.Decimal
	}
	totals := make(map[Channel]*accumulator)
	var order []Channel
	for _, day := range days {
		for _, channel := range day.Channels() {
			bucket := day.Buckets[channel]
			entry, ok := totals[channel]
			if !ok {
				entry = &accumulator{utilization: decimal.Zero, revenue: decimal.Zero}
				totals[channel] = entry
				order = append(order, channel)
			}
			entry.revenue = entry.revenue.Add(bucket.Rate.Mul(decimal.NewFromInt(int64(bucket.Sold))))
			if bucket.Allocated > 0 {
				ratio := decimal.NewFromInt(int64(bucket.Sold)).Mul(hundred).Div(decimal.NewFromInt(int64(bucket.Allocated)))
				entry.utilization = entry.utilization.Add(ratio)
				entry.samples++
			}
		}
	}
	performance := make([]ChannelPerformance, 0, len(order))
	for _, channel := range order {
		entry := totals[channel]
		utilization := decimal.NewFromInt(defaultUtilization)
		if entry.samples > 0 {
			utilization = entry.utilization.Div(decimal.NewFromInt(entry.samples))
		}
		performance = append(performance, ChannelPerformance{Channel: channel, UtilizationRate: utilization, Revenue: entry.revenue})
	}
	return performance, nil
}

// ProposePercentages turns channel performance into a percentage split summing to 100.
// The best earner gets 30-50%, the runner-up 25-35%, the rest share what is left.
func ProposePercentages(performance []ChannelPerformance) map[Channel]decimal.Decimal {
	ranked := append([]ChannelPerformance(nil), performance...)
	sort.SliceStable(ranked, func(left, right int) bool {
		if !ranked[left].Revenue.Equal(ranked[right].Revenue) {
			return ranked[left].Revenue.GreaterThan(ranked[right].Revenue)
		}
		return ranked[left].UtilizationRate.GreaterThan(ranked[right].UtilizationRate)
	})

	shares := make(map[Channel]decimal.Decimal, len(ranked))
	if len(ranked) == 0 {
		return shares
	}
	assigned := decimal.Zero
	for index, entry := range ranked {
		utilization := decimal.Min(decimal.Max(entry.UtilizationRate, decimal.Zero), hundred)
		switch index {
		case 0:
			shares[entry.Channel] = decimal.NewFromInt(30).Add(decimal.NewFromInt(20).Mul(utilization).Div(hundred))
		case 1:
			shares[entry.Channel] = decimal.NewFromInt(25).Add(decimal.NewFromInt(10).Mul(utilization).Div(hundred))
		default:
			continue
		}
		assigned = assigned.Add(shares[entry.Channel])
	}
	if others := len(ranked) - 2; others > 0 {
		each := hundred.Sub(assigned).Div(decimal.NewFromInt(int64(others)))
		for _, entry := range ranked[2:] {
			shares[entry.Channel] = each
			assigned = assigned.Add(each)
		}
	}
	if assigned.IsPositive() && !assigned.Equal(hundred) {
		for channel, share := range shares {
			shares[channel] = share.Mul(hundred).Div(assigned).Round(2)
		}
	}
	return shares
}

// Optimize proposes a percentage rule from past performance and stores it inactive.
func (engine *RuleEngine) Optimize(ctx context.Context, hotelID string, roomTypeID string, performance []ChannelPerformance) (AllocationRule, error) {
	if len(performance) == 0 {
		return AllocationRule{}, fmt.Errorf("%w: no channel performance", ErrInvalidRule)
	}
	now := engine.ledger.clock.Now()
	rule := AllocationRule{
		ID:          fmt.Sprintf("optimized-%d", now.UnixMilli()),
		Name:        "Optimized " + now.Format(dateLayout),
		Type:        RulePercentage,
		Active:      false,
		Percentages: ProposePercentages(performance),
		CreatedAt:   now,
	}
	if err := engine.AddRule(ctx, hotelID, roomTypeID, rule); err != nil {
		return AllocationRule{}, err
	}
	return rule, nil
}
