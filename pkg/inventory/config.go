package inventory

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ChannelRestrictions limit which stays a channel may sell. ClosedToArrival and
// ClosedToDeparture list the calendar dates on which a stay may not start or end.
type ChannelRestrictions struct {
	MinStay           int         `json:"minStay,omitempty"`
	MaxStay           int         `json:"maxStay,omitempty"`
	ClosedToArrival   []time.Time `json:"closedToArrival,omitempty"`
	ClosedToDeparture []time.Time `json:"closedToDeparture,omitempty"`
	StopSell          bool        `json:"stopSell,omitempty"`
}

func closedOn(dates []time.Time, date time.Time) bool {
	day := TruncateDate(date)
	return slices.ContainsFunc(dates, func(closed time.Time) bool { return TruncateDate(closed).Equal(day) })
}

// ChannelConfig configures one channel of an allotment.
type ChannelConfig struct {
	Channel      Channel             `json:"channel"`
	Enabled      bool                `json:"enabled"`
	Priority     int                 `json:"priority"`
	Commission   decimal.Decimal     `json:"commission"`
	Markup       decimal.Decimal     `json:"markup"`
	Restrictions ChannelRestrictions `json:"restrictions"`
}

// DefaultSettings seed inventory days that have not been written yet.
type DefaultSettings struct {
	TotalInventory     int  `json:"totalInventory"`
	OverbookingAllowed bool `json:"overbookingAllowed"`
	OverbookingLimit   int  `json:"overbookingLimit"`
}

// AllotmentConfig is the per (hotel, room type) channel setup.
type AllotmentConfig struct {
	HotelID    string           `json:"hotelId"`
	RoomTypeID string           `json:"roomTypeId"`
	Channels   []ChannelConfig  `json:"channels"`
	Rules      []AllocationRule `json:"rules"`
	Defaults   DefaultSettings  `json:"defaults"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Validate checks the configuration for obvious mistakes.
func (config AllotmentConfig) Validate() error {
	if strings.TrimSpace(config.HotelID) == "" || strings.TrimSpace(config.RoomTypeID) == "" {
		return fmt.Errorf("%w: hotel and room type are required", ErrInvalidLedgerConfig)
	}
	if config.Defaults.TotalInventory < 0 || config.Defaults.OverbookingLimit < 0 {
		return fmt.Errorf("%w: negative defaults", ErrInvalidLedgerConfig)
	}
	seen := make(map[Channel]bool, len(config.Channels))
	for _, channelConfig := range config.Channels {
		if channelConfig.Channel == "" {
			return fmt.Errorf("%w: empty channel", ErrInvalidLedgerConfig)
		}
		if seen[channelConfig.Channel] {
			return fmt.Errorf("%w: duplicate channel %s", ErrInvalidLedgerConfig, channelConfig.Channel)
		}
		seen[channelConfig.Channel] = true
	}
	ruleIDs := make(map[string]bool, len(config.Rules))
	for _, rule := range config.Rules {
		if err := rule.Validate(); err != nil {
			return err
		}
		if ruleIDs[rule.ID] {
			return fmt.Errorf("%w: duplicate rule id %s", ErrInvalidRule, rule.ID)
		}
		ruleIDs[rule.ID] = true
	}
	return nil
}

// EnabledChannels returns enabled channels ordered by priority (highest first).
func (config AllotmentConfig) EnabledChannels() []Channel {
	enabled := make([]ChannelConfig, 0, len(config.Channels))
	for _, channelConfig := range config.Channels {
		if channelConfig.Enabled {
			enabled = append(enabled, channelConfig)
		}
	}
	sort.SliceStable(enabled, func(left, right int) bool {
		return enabled[left].Priority > enabled[right].Priority
	})
	channels := make([]Channel, 0, len(enabled))
	for _, channelConfig := range enabled {
		channels = append(channels, channelConfig.Channel)
	}
	return channels
}

// ChannelConfig looks up a channel by name.
func (config AllotmentConfig) ChannelConfig(channel Channel) (ChannelConfig, bool) {
	for _, channelConfig := range config.Channels {
		if channelConfig.Channel == channel {
			return channelConfig, true
		}
	}
	return ChannelConfig{}, false
}

// ActiveRules returns active rules by priority, ties kept in insertion order.
func (config AllotmentConfig) ActiveRules() []AllocationRule {
	active := make([]AllocationRule, 0, len(config.Rules))
	for _, rule := range config.Rules {
		if rule.Active {
			active = append(active, rule)
		}
	}
	sort.SliceStable(active, func(left, right int) bool {
		return active[left].Priority > active[right].Priority
	})
	return active
}

// RuleFor returns the first active rule matching the date.
func (config AllotmentConfig) RuleFor(date time.Time) (AllocationRule, bool) {
	for _, rule := range config.ActiveRules() {
		if rule.Matches(date) {
			return rule, true
		}
	}
	return AllocationRule{}, false
}

// Rule looks up a rule by id.
func (config AllotmentConfig) Rule(ruleID string) (AllocationRule, bool) {
	index := slices.IndexFunc(config.Rules, func(rule AllocationRule) bool { return rule.ID == ruleID })
	if index < 0 {
		return AllocationRule{}, false
	}
	return config.Rules[index], true
}

// CheckStay applies the channel restrictions to a stay.
func (config AllotmentConfig) CheckStay(stay Stay) error {
	channelConfig, ok := config.ChannelConfig(stay.Channel)
	if !ok {
		return nil
	}
	restrictions := channelConfig.Restrictions
	nights := len(stay.Nights())
	switch {
	case restrictions.StopSell:
		return RestrictionError{Restriction: RestrictionStopSell, Channel: stay.Channel}
	case closedOn(restrictions.ClosedToArrival, stay.CheckIn):
		return RestrictionError{Restriction: RestrictionClosedToArrival, Channel: stay.Channel}
	case closedOn(restrictions.ClosedToDeparture, stay.CheckOut):
		return RestrictionError{Restriction: RestrictionClosedToDeparture, Channel: stay.Channel}
	case restrictions.MinStay > 0 && nights < restrictions.MinStay:
		return RestrictionError{Restriction: RestrictionMinStay, Channel: stay.Channel}
	case restrictions.MaxStay > 0 && nights > restrictions.MaxStay:
		return RestrictionError{Restriction: RestrictionMaxStay, Channel: stay.Channel}
	}
	return nil
}

// RuleType enumerates allocation rule kinds.
type RuleType string

const (
	RuleFixed      RuleType = "fixed"
	RulePercentage RuleType = "percentage"
	RulePriority   RuleType = "priority"
	RuleDynamic    RuleType = "dynamic"
)

// RuleCondition restricts the days a rule applies to.
type RuleCondition struct {
	From     *time.Time     `json:"from,omitempty"`
	To       *time.Time     `json:"to,omitempty"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
}

// PriorityTier is one step of a priority rule.
type PriorityTier struct {
	Channel Channel `json:"channel"`
	Min     int     `json:"min"`
	Max     int     `json:"max"`
}

// DynamicSettings tune the demand score of a dynamic rule.
type DynamicSettings struct {
	BaseScores    map[Channel]decimal.Decimal `json:"baseScores,omitempty"`
	WeekendFactor decimal.Decimal             `json:"weekendFactor"`
}

// AllocationRule fills channel buckets for matching days.
type AllocationRule struct {
	ID          string                      `json:"id"`
	Name        string                      `json:"name"`
	Type        RuleType                    `json:"type"`
	Priority    int                         `json:"priority"`
	Active      bool                        `json:"active"`
	Condition   RuleCondition               `json:"condition"`
	Fixed       map[Channel]int             `json:"fixed,omitempty"`
	Percentages map[Channel]decimal.Decimal `json:"percentages,omitempty"`
	Tiers       []PriorityTier              `json:"tiers,omitempty"`
	Dynamic     *DynamicSettings            `json:"dynamic,omitempty"`
	CreatedAt   time.Time                   `json:"createdAt"`
}

// Validate checks that the rule carries the parameters its type needs.
func (rule AllocationRule) Validate() error {
	if strings.TrimSpace(rule.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRule)
	}
	switch rule.Type {
	case RuleFixed:
		for channel, quantity := range rule.Fixed {
			if quantity < 0 {
				return fmt.Errorf("%w: negative quantity for %s", ErrInvalidRule, channel)
			}
		}
	case RulePercentage:
		for channel, percentage := range rule.Percentages {
			if percentage.IsNegative() {
				return fmt.Errorf("%w: negative percentage for %s", ErrInvalidRule, channel)
			}
		}
	case RulePriority:
		for _, tier := range rule.Tiers {
			if tier.Min < 0 || tier.Max < tier.Min {
				return fmt.Errorf("%w: bad tier for %s", ErrInvalidRule, tier.Channel)
			}
		}
	case RuleDynamic:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}
	return nil
}

// Matches reports whether the rule applies on date.
func (rule AllocationRule) Matches(date time.Time) bool {
	day := TruncateDate(date)
	if rule.Condition.From != nil && day.Before(TruncateDate(*rule.Condition.From)) {
		return false
	}
	if rule.Condition.To != nil && day.After(TruncateDate(*rule.Condition.To)) {
		return false
	}
	if len(rule.Condition.Weekdays) > 0 && !slices.Contains(rule.Condition.Weekdays, day.Weekday()) {
		return false
	}
	return true
}
