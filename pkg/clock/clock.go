// Package clock is the single source of "now" for the reservation core.
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock allows injecting time in domain services and workers.
type Clock interface {
	Now() time.Time
	SleepUntil(ctx context.Context, at time.Time) error
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now in UTC.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (clock systemClock) SleepUntil(ctx context.Context, at time.Time) error {
	wait := at.Sub(clock.Now())
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manual is a clock that only moves when told to. Sleepers wake when Set or
// Advance reaches their deadline.
type Manual struct {
	mu       sync.Mutex
	now      time.Time
	sleepers []manualSleeper
}

type manualSleeper struct {
	at   time.Time
	wake chan struct{}
}

// NewManual returns a manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual instant.
func (clock *Manual) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

// Set moves the clock to the given instant.
func (clock *Manual) Set(at time.Time) {
	clock.mu.Lock()
	clock.now = at.UTC()
	woken := clock.collectLocked()
	clock.mu.Unlock()
	for _, wake := range woken {
		close(wake)
	}
}

// Advance moves the clock forward by delta.
func (clock *Manual) Advance(delta time.Duration) {
	clock.Set(clock.Now().Add(delta))
}

// SleepUntil blocks until the manual clock reaches at or ctx is done.
func (clock *Manual) SleepUntil(ctx context.Context, at time.Time) error {
	clock.mu.Lock()
	if !clock.now.Before(at) {
		clock.mu.Unlock()
		return ctx.Err()
	}
	wake := make(chan struct{})
	clock.sleepers = append(clock.sleepers, manualSleeper{at: at, wake: wake})
	clock.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	}
}

func (clock *Manual) collectLocked() []chan struct{} {
	sort.Slice(clock.sleepers, func(left, right int) bool {
		return clock.sleepers[left].at.Before(clock.sleepers[right].at)
	})
	var woken []chan struct{}
	remaining := clock.sleepers[:0]
	for _, sleeper := range clock.sleepers {
		if !clock.now.Before(sleeper.at) {
			woken = append(woken, sleeper.wake)
			continue
		}
		remaining = append(remaining, sleeper)
	}
	clock.sleepers = remaining
	return woken
}
