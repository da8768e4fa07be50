// Package workflow drives automatic reservation transitions from committed events
// and periodic scans.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/channelsync"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/clock"
	"go.uber.org/zap"
)

const (
	defaultBatchSize = 100
	maxEventDepth    = 8
)

// Trigger selects when a rule runs.
type Trigger string

const (
	TriggerStatusChange        Trigger = "status_change"
	TriggerPaymentStatusChange Trigger = "payment_status_change"
	TriggerAmendmentResolved   Trigger = "amendment_resolved"
	TriggerScheduled           Trigger = "scheduled"
)

var (
	// ErrInvalidEngineConfig reports an engine built without its dependencies.
	ErrInvalidEngineConfig = errors.New("invalid workflow engine config")
	// ErrInvalidRule reports a rule that cannot be registered.
	ErrInvalidRule = errors.New("invalid workflow rule")
	// ErrRuleNotFound reports an unknown rule id.
	ErrRuleNotFound = errors.New("workflow rule not found")
)

// Rule is one automation. Event rules use Condition and Action; scheduled
// rules use Interval and Scheduled.
type Rule struct {
	ID        string
	Trigger   Trigger
	Interval  time.Duration
	Enabled   bool
	Condition func(event booking.Event) bool
	Action    func(ctx context.Context, event booking.Event) error
	Scheduled func(ctx context.Context, tick time.Time) error
}

func (rule Rule) validate() error {
	if rule.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	switch rule.Trigger {
	case TriggerScheduled:
		if rule.Scheduled == nil || rule.Interval <= 0 {
			return fmt.Errorf("%w: %s needs an interval and a task", ErrInvalidRule, rule.ID)
		}
	case TriggerStatusChange, TriggerPaymentStatusChange, TriggerAmendmentResolved:
		if rule.Action == nil {
			return fmt.Errorf("%w: %s needs an action", ErrInvalidRule, rule.ID)
		}
	default:
		return fmt.Errorf("%w: %s has unknown trigger %q", ErrInvalidRule, rule.ID, rule.Trigger)
	}
	return nil
}

func (rule Rule) matches(event booking.Event) bool {
	if !rule.Enabled || triggerOf(event) != rule.Trigger {
		return false
	}
	return rule.Condition == nil || rule.Condition(event)
}

func triggerOf(event booking.Event) Trigger {
	switch event.Kind() {
	case booking.EventStatusChanged:
		return TriggerStatusChange
	case booking.EventPaymentStatusChanged:
		return TriggerPaymentStatusChange
	case booking.EventAmendmentResolved:
		return TriggerAmendmentResolved
	}
	return ""
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(engine *Engine) {
		if logger != nil {
			engine.logger = logger
		}
	}
}

// WithBatchSize caps the records one scheduled tick processes.
func WithBatchSize(size int) Option {
	return func(engine *Engine) {
		if size > 0 {
			engine.batchSize = size
		}
	}
}

// WithSyncQueue sets the queue auto_sync_ota enqueues outbound pushes on.
func WithSyncQueue(queue channelsync.Queue) Option {
	return func(engine *Engine) {
		engine.syncQueue = queue
	}
}

// Engine evaluates rules in insertion order. It subscribes to the reservation
// service when built.
type Engine struct {
	service   *booking.Service
	clock     clock.Clock
	logger    *zap.Logger
	batchSize int
	syncQueue channelsync.Queue

	rulesMu sync.RWMutex
	rules   []Rule

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewEngine registers the canonical rules and subscribes to service events.
func NewEngine(service *booking.Service, clk clock.Clock, options ...Option) (*Engine, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: booking service is nil", ErrInvalidEngineConfig)
	}
	if clk == nil {
		return nil, fmt.Errorf("%w: clock is nil", ErrInvalidEngineConfig)
	}
	engine := &Engine{
		service:   service,
		clock:     clk,
		logger:    zap.NewNop(),
		batchSize: defaultBatchSize,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	for _, rule := range engine.canonicalRules() {
		if err := engine.AddRule(rule); err != nil {
			return nil, err
		}
	}
	service.Subscribe(engine)
	return engine, nil
}

// AddRule appends a rule. Ids are unique.
func (engine *Engine) AddRule(rule Rule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	engine.rulesMu.Lock()
	defer engine.rulesMu.Unlock()
	for _, existing := range engine.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidRule, rule.ID)
		}
	}
	engine.rules = append(engine.rules, rule)
	return nil
}

// SetEnabled toggles a rule.
func (engine *Engine) SetEnabled(ruleID string, enabled bool) error {
	engine.rulesMu.Lock()
	defer engine.rulesMu.Unlock()
	for index := range engine.rules {
		if engine.rules[index].ID == ruleID {
			engine.rules[index].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
}

// Rules returns the registered rules in evaluation order.
func (engine *Engine) Rules() []Rule {
	engine.rulesMu.RLock()
	defer engine.rulesMu.RUnlock()
	return append([]Rule(nil), engine.rules...)
}

type depthKey struct{}

// OnEvent runs every matching rule. A failing rule is logged and the remaining
// rules still run. Events nested deeper than maxEventDepth are dropped.
func (engine *Engine) OnEvent(ctx context.Context, event booking.Event) {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= maxEventDepth {
		engine.logger.Error("workflow event depth exceeded",
			zap.String("event", string(event.Kind())),
			zap.String("reservation_id", event.Snapshot().ID),
			zap.Int("depth", depth))
		return
	}
	nested := context.WithValue(ctx, depthKey{}, depth+1)
	for _, rule := range engine.Rules() {
		if !rule.matches(event) {
			continue
		}
		if err := rule.Action(nested, event); err != nil {
			engine.logger.Warn("workflow rule failed",
				zap.String("rule", rule.ID),
				zap.String("event", string(event.Kind())),
				zap.String("reservation_id", event.Snapshot().ID),
				zap.Error(err))
		}
	}
}

// RunScheduled runs one tick of a scheduled rule.
func (engine *Engine) RunScheduled(ctx context.Context, ruleID string, tick time.Time) error {
	rule, ok := engine.rule(ruleID)
	if !ok || rule.Trigger != TriggerScheduled {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	if !rule.Enabled {
		return nil
	}
	return rule.Scheduled(ctx, tick)
}

// Start runs every scheduled rule once and then on its interval until Stop.
func (engine *Engine) Start(ctx context.Context) {
	engine.lifecycleMu.Lock()
	defer engine.lifecycleMu.Unlock()
	if engine.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	engine.cancel = cancel
	for _, rule := range engine.Rules() {
		if rule.Trigger != TriggerScheduled {
			continue
		}
		engine.wg.Add(1)
		go func(ruleID string, interval time.Duration) {
			defer engine.wg.Done()
			engine.loop(runCtx, ruleID, interval)
		}(rule.ID, rule.Interval)
	}
	engine.logger.Info("workflow engine started")
}

// Stop ends the scheduled loops and waits for in-flight ticks.
func (engine *Engine) Stop() {
	engine.lifecycleMu.Lock()
	cancel := engine.cancel
	engine.cancel = nil
	engine.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	engine.wg.Wait()
	engine.logger.Info("workflow engine stopped")
}

func (engine *Engine) loop(ctx context.Context, ruleID string, interval time.Duration) {
	for {
		tick := engine.clock.Now()
		if err := engine.RunScheduled(ctx, ruleID, tick); err != nil && ctx.Err() == nil {
			engine.logger.Warn("scheduled rule skipped tick",
				zap.String("rule", ruleID),
				zap.Time("tick", tick),
				zap.Error(err))
		}
		if err := engine.clock.SleepUntil(ctx, tick.Add(interval)); err != nil {
			return
		}
	}
}

func (engine *Engine) rule(ruleID string) (Rule, bool) {
	engine.rulesMu.RLock()
	defer engine.rulesMu.RUnlock()
	for _, rule := range engine.rules {
		if rule.ID == ruleID {
			return rule, true
		}
	}
	return Rule{}, false
}
