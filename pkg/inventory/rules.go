package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	hundred = decimal.NewFromInt(100)

	defaultBaseScores = map[Channel]decimal.Decimal{
		ChannelDirect:     decimal.NewFromFloat(1.0),
		ChannelBookingCom: decimal.NewFromFloat(0.9),
		ChannelExpedia:    decimal.NewFromFloat(0.8),
		ChannelAirbnb:     decimal.NewFromFloat(0.7),
	}
	defaultBaseScore     = decimal.NewFromFloat(0.5)
	defaultWeekendFactor = decimal.NewFromFloat(1.2)

	fallbackDistribution = map[Channel]decimal.Decimal{
		ChannelDirect:     decimal.NewFromInt(40),
		ChannelBookingCom: decimal.NewFromInt(35),
		ChannelExpedia:    decimal.NewFromInt(25),
	}
)

// DayError records a failed day of a rule application.
type DayError struct {
	Date time.Time
	Err  error
}

// ApplyResult summarizes a rule application over a date range.
type ApplyResult struct {
	DaysProcessed int
	Errors        []DayError
}

// RuleEngine evaluates allocation rules into channel allocations.
type RuleEngine struct {
	ledger *Ledger
}

// ApplyRules recomputes every day in [from, to] that an active rule matches.
// Per-day failures are collected and do not stop the range.
func (engine *RuleEngine) ApplyRules(ctx context.Context, hotelID string, roomTypeID string, from time.Time, to time.Time) (ApplyResult, error) {
	config, err := engine.ledger.store.GetAllotmentConfig(ctx, hotelID, roomTypeID)
	if err != nil {
		return ApplyResult{}, err
	}
	return engine.applyRange(ctx, config, from, to, config.RuleFor)
}

// ApplyRule applies one rule, active or not, to the matching days in [from, to].
func (engine *RuleEngine) ApplyRule(ctx context.Context, hotelID string, roomTypeID string, ruleID string, from time.Time, to time.Time) (ApplyResult, error) {
	config, err := engine.ledger.store.GetAllotmentConfig(ctx, hotelID, roomTypeID)
	if err != nil {
		return ApplyResult{}, err
	}
	rule, ok := config.Rule(ruleID)
	if !ok {
		return ApplyResult{}, fmt.Errorf("%w: unknown rule %s", ErrInvalidRule, ruleID)
	}
	return engine.applyRange(ctx, config, from, to, func(date time.Time) (AllocationRule, bool) {
		return rule, rule.Matches(date)
	})
}

// AddRule appends a rule to the allotment configuration.
func (engine *RuleEngine) AddRule(ctx context.Context, hotelID string, roomTypeID string, rule AllocationRule) error {
	config, err := engine.ledger.store.GetAllotmentConfig(ctx, hotelID, roomTypeID)
	if err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = engine.ledger.clock.Now()
	}
	config.Rules = append(config.Rules, rule)
	return engine.ledger.ConfigureAllotment(ctx, config)
}

// ActivateRule marks a stored rule active. Optimized rules wait here for operator approval.
func (engine *RuleEngine) ActivateRule(ctx context.Context, hotelID string, roomTypeID string, ruleID string) error {
	config, err := engine.ledger.store.GetAllotmentConfig(ctx, hotelID, roomTypeID)
	if err != nil {
		return err
	}
	found := false
	for index := range config.Rules {
		if config.Rules[index].ID == ruleID {
			config.Rules[index].Active = true
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: unknown rule %s", ErrInvalidRule, ruleID)
	}
	return engine.ledger.ConfigureAllotment(ctx, config)
}

func (engine *RuleEngine) applyRange(ctx context.Context, config AllotmentConfig, from time.Time, to time.Time, pick func(time.Time) (AllocationRule, bool)) (ApplyResult, error) {
	start := TruncateDate(from)
	end := TruncateDate(to)
	if end.Before(start) {
		return ApplyResult{}, fmt.Errorf("%w: range ends before it starts", ErrInvalidDate)
	}
	var result ApplyResult
	for date := start; !date.After(end); date = date.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rule, ok := pick(date)
		if !ok {
			continue
		}
		key := NewDayKey(config.HotelID, config.RoomTypeID, date)
		_, err := engine.ledger.mutate(ctx, key, func(day *Day) error {
			allocations, err := engine.allocations(ctx, rule, *day)
			if err != nil {
				return err
			}
			return day.SetAllocations(allocations, engine.ledger.clock.Now())
		})
		if err != nil {
			result.Errors = append(result.Errors, DayError{Date: date, Err: err})
			continue
		}
		result.DaysProcessed++
	}
	return result, nil
}

// materialize builds a day that has never been written from the allotment defaults.
func (engine *RuleEngine) materialize(ctx context.Context, config AllotmentConfig, key DayKey) (Day, error) {
	day := NewDay(key, config.Defaults.TotalInventory, config.Defaults.OverbookingAllowed, config.Defaults.OverbookingLimit, config.EnabledChannels())
	rule, ok := config.RuleFor(key.Date)
	if !ok {
		return day, nil
	}
	allocations, err := engine.allocations(ctx, rule, day)
	if err == nil {
		err = day.SetAllocations(allocations, engine.ledger.clock.Now())
	}
	if err != nil {
		engine.ledger.logger.Warn("materialize day without allocations",
			zap.String("day", key.String()),
			zap.String("rule_id", rule.ID),
			zap.Error(err))
		return NewDay(key, config.Defaults.TotalInventory, config.Defaults.OverbookingAllowed, config.Defaults.OverbookingLimit, config.EnabledChannels()), nil
	}
	return day, nil
}

func (engine *RuleEngine) allocations(ctx context.Context, rule AllocationRule, day Day) (map[Channel]int, error) {
	switch rule.Type {
	case RuleFixed:
		return fixedAllocations(rule, day), nil
	case RulePercentage:
		return percentageAllocations(rule.Percentages, day), nil
	case RulePriority:
		return engine.priorityAllocations(ctx, rule, day)
	case RuleDynamic:
		allocations, err := engine.dynamicAllocations(ctx, rule, day)
		if err != nil {
			engine.ledger.logger.Warn("dynamic rule fell back to default distribution",
				zap.String("day", day.Key.String()),
				zap.String("rule_id", rule.ID),
				zap.Error(err))
			return percentageAllocations(fallbackDistribution, day), nil
		}
		return allocations, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}
}

func fixedAllocations(rule AllocationRule, day Day) map[Channel]int {
	allocations := make(map[Channel]int, len(day.Buckets))
	for _, channel := range day.Channels() {
		allocations[channel] = rule.Fixed[channel]
	}
	return allocations
}

// percentageAllocations floors each share; a sum above 100 is scaled down to 100.
func percentageAllocations(percentages map[Channel]decimal.Decimal, day Day) map[Channel]int {
	sum := decimal.Zero
	for _, channel := range day.Channels() {
		sum = sum.Add(percentages[channel])
	}
	scale := decimal.NewFromInt(1)
	if sum.GreaterThan(hundred) {
		scale = hundred.Div(sum)
	}
	total := decimal.NewFromInt(int64(day.TotalInventory))
	allocations := make(map[Channel]int, len(day.Buckets))
	for _, channel := range day.Channels() {
		share := total.Mul(percentages[channel]).Mul(scale).Div(hundred)
		allocations[channel] = int(share.Floor().IntPart())
	}
	return allocations
}

func (engine *RuleEngine) priorityAllocations(ctx context.Context, rule AllocationRule, day Day) (map[Channel]int, error) {
	allocations := make(map[Channel]int, len(day.Buckets))
	remaining := day.TotalInventory
	for _, tier := range rule.Tiers {
		if _, ok := day.Buckets[tier.Channel]; !ok {
			continue
		}
		utilization, err := engine.ledger.Utilization(ctx, day.Key.HotelID, day.Key.RoomTypeID, tier.Channel, day.Key.Date)
		if err != nil {
			return nil, err
		}
		utilization = decimal.Min(decimal.Max(utilization, decimal.Zero), hundred)
		span := decimal.NewFromInt(int64(tier.Max - tier.Min))
		quantity := tier.Min + int(span.Mul(utilization).Div(hundred).Floor().IntPart())
		quantity = min(quantity, remaining)
		allocations[tier.Channel] = quantity
		remaining -= quantity
	}
	return allocations, nil
}

func (engine *RuleEngine) dynamicAllocations(ctx context.Context, rule AllocationRule, day Day) (map[Channel]int, error) {
	settings := DynamicSettings{WeekendFactor: defaultWeekendFactor}
	if rule.Dynamic != nil {
		settings = *rule.Dynamic
		if settings.WeekendFactor.IsZero() {
			settings.WeekendFactor = defaultWeekendFactor
		}
	}
	weekend := day.Key.Date.Weekday() == time.Friday || day.Key.Date.Weekday() == time.Saturday

	scores := make(map[Channel]decimal.Decimal, len(day.Buckets))
	sum := decimal.Zero
	for _, channel := range day.Channels() {
		base, ok := settings.BaseScores[channel]
		if !ok {
			base, ok = defaultBaseScores[channel]
		}
		if !ok {
			base = defaultBaseScore
		}
		if weekend {
			base = base.Mul(settings.WeekendFactor)
		}
		utilization, err := engine.ledger.Utilization(ctx, day.Key.HotelID, day.Key.RoomTypeID, channel, day.Key.Date)
		if err != nil {
			return nil, err
		}
		score := base.Mul(decimal.NewFromInt(1).Add(utilization.Sub(decimal.NewFromInt(50)).Div(hundred)))
		if score.IsNegative() {
			score = decimal.Zero
		}
		scores[channel] = score
		sum = sum.Add(score)
	}
	if !sum.IsPositive() {
		return nil, errors.New("no positive demand score")
	}
	total := decimal.NewFromInt(int64(day.TotalInventory))
	allocations := make(map[Channel]int, len(scores))
	for channel, score := range scores {
		allocations[channel] = int(total.Mul(score).Div(sum).Floor().IntPart())
	}
	return allocations, nil
}
