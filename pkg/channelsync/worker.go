package channelsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPushTimeout  = 30 * time.Second
	defaultBaseBackoff  = 5 * time.Second
	defaultMaxAttempts  = 3
	defaultPollInterval = time.Second
)

// ErrInvalidWorkerConfig reports a worker built without its dependencies.
var ErrInvalidWorkerConfig = errors.New("invalid channel sync worker config")

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(logger *zap.Logger) WorkerOption {
	return func(worker *Worker) {
		if logger != nil {
			worker.logger = logger
		}
	}
}

// WithAdapter routes pushes for channel to adapter.
func WithAdapter(channel string, adapter Adapter) WorkerOption {
	return func(worker *Worker) {
		if adapter != nil {
			worker.adapters[channel] = adapter
		}
	}
}

// WithRetryPolicy overrides the attempt budget and first backoff.
func WithRetryPolicy(maxAttempts int, baseBackoff time.Duration) WorkerOption {
	return func(worker *Worker) {
		if maxAttempts > 0 {
			worker.maxAttempts = maxAttempts
		}
		if baseBackoff > 0 {
			worker.baseBackoff = baseBackoff
		}
	}
}

// WithPushTimeout bounds one adapter call.
func WithPushTimeout(timeout time.Duration) WorkerOption {
	return func(worker *Worker) {
		if timeout > 0 {
			worker.pushTimeout = timeout
		}
	}
}

// WithPollInterval sets how long an idle worker waits before polling again.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(worker *Worker) {
		if interval > 0 {
			worker.pollInterval = interval
		}
	}
}

// Worker drains a Queue and pushes reservation statuses to channel adapters.
type Worker struct {
	service      *booking.Service
	queue        Queue
	clock        clock.Clock
	logger       *zap.Logger
	adapters     map[string]Adapter
	pushTimeout  time.Duration
	baseBackoff  time.Duration
	maxAttempts  int
	pollInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker wires a worker over service and queue.
func NewWorker(service *booking.Service, queue Queue, clk clock.Clock, options ...WorkerOption) (*Worker, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: booking service is nil", ErrInvalidWorkerConfig)
	}
	if queue == nil {
		return nil, fmt.Errorf("%w: queue is nil", ErrInvalidWorkerConfig)
	}
	if clk == nil {
		return nil, fmt.Errorf("%w: clock is nil", ErrInvalidWorkerConfig)
	}
	worker := &Worker{
		service:      service,
		queue:        queue,
		clock:        clk,
		logger:       zap.NewNop(),
		adapters:     make(map[string]Adapter),
		pushTimeout:  defaultPushTimeout,
		baseBackoff:  defaultBaseBackoff,
		maxAttempts:  defaultMaxAttempts,
		pollInterval: defaultPollInterval,
	}
	for _, option := range options {
		if option != nil {
			option(worker)
		}
	}
	return worker, nil
}

// Enqueue schedules a push of reservation's current status to channel, ready at
// the current instant plus delay.
func Enqueue(ctx context.Context, queue Queue, reservation booking.Reservation, channel string, now time.Time, delay time.Duration) error {
	return queue.Enqueue(ctx, Item{
		ID:            uuid.NewString(),
		ReservationID: reservation.ID,
		Channel:       channel,
		TargetStatus:  reservation.Status,
		Priority:      PriorityFor(reservation.Status),
		ReadyAt:       now.Add(delay),
		EnqueuedAt:    now,
	})
}

// Recover re-enqueues reservations still flagged for sync, for example after a
// restart lost an in-memory queue. Channels that were abandoned get a fresh
// attempt budget.
func (worker *Worker) Recover(ctx context.Context, limit int) (int, error) {
	pending, err := worker.service.PendingSync(ctx, limit)
	if err != nil {
		return 0, err
	}
	now := worker.clock.Now()
	queued := 0
	for _, reservation := range pending {
		if reservation.Source.IsDirect() {
			continue
		}
		channel := string(reservation.Source)
		if channelCurrent(reservation, channel) {
			continue
		}
		if err := Enqueue(ctx, worker.queue, reservation, channel, now, 0); err != nil {
			return queued, err
		}
		queued++
	}
	if queued > 0 {
		worker.logger.Info("channel sync recovered", zap.Int("queued", queued))
	}
	return queued, nil
}

// ProcessNext handles one ready item. It reports false when nothing was ready.
func (worker *Worker) ProcessNext(ctx context.Context) (bool, error) {
	item, ok, err := worker.queue.Dequeue(ctx, worker.clock.Now())
	if err != nil || !ok {
		return false, err
	}
	return true, worker.process(ctx, item)
}

// Drain processes ready items until none remain.
func (worker *Worker) Drain(ctx context.Context) error {
	for {
		processed, err := worker.ProcessNext(ctx)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
}

// Start runs the worker loop until Stop or ctx cancellation.
func (worker *Worker) Start(ctx context.Context) {
	worker.mu.Lock()
	defer worker.mu.Unlock()
	if worker.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	worker.cancel = cancel
	worker.wg.Add(1)
	go func() {
		defer worker.wg.Done()
		worker.run(runCtx)
	}()
}

// Stop ends the loop and waits for the in-flight item.
func (worker *Worker) Stop() {
	worker.mu.Lock()
	cancel := worker.cancel
	worker.cancel = nil
	worker.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	worker.wg.Wait()
}

func (worker *Worker) run(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := worker.ProcessNext(ctx)
		if err != nil {
			worker.logger.Error("channel sync failed", zap.Error(err))
		}
		if processed {
			continue
		}
		if err := worker.clock.SleepUntil(ctx, worker.clock.Now().Add(worker.pollInterval)); err != nil {
			return
		}
	}
}

func (worker *Worker) process(ctx context.Context, item Item) error {
	reservation, err := worker.service.Get(ctx, item.ReservationID)
	if errors.Is(err, booking.ErrReservationNotFound) {
		worker.logger.Warn("sync item for missing reservation dropped", zap.String("reservation_id", item.ReservationID))
		return nil
	}
	if err != nil {
		return err
	}
	if !reservation.Sync.NeedsSync || channelCurrent(reservation, item.Channel) {
		return nil
	}

	attempts := item.Attempt + 1
	status := reservation.Status
	pushErr := worker.push(ctx, item.Channel, reservation, status)
	if pushErr == nil {
		_, err := worker.service.RecordChannelSync(ctx, reservation.ID, item.Channel, status, booking.SyncOutcome{Attempts: attempts})
		if err == nil {
			worker.logger.Info("channel sync succeeded",
				zap.String("reservation_id", reservation.ID),
				zap.String("channel", item.Channel),
				zap.String("status", string(status)),
				zap.Int("attempts", attempts))
		}
		return err
	}

	permanent := errors.Is(pushErr, booking.ErrChannelSyncPermanent) || attempts >= worker.maxAttempts
	if permanent && !errors.Is(pushErr, booking.ErrChannelSyncPermanent) {
		pushErr = fmt.Errorf("%w: %d attempts: %v", booking.ErrChannelSyncPermanent, attempts, pushErr)
	}
	updated, err := worker.service.RecordChannelSync(ctx, reservation.ID, item.Channel, status, booking.SyncOutcome{
		Attempts:  attempts,
		Err:       pushErr,
		Permanent: permanent,
	})
	if err != nil {
		return err
	}
	if permanent {
		worker.logger.Error("channel sync abandoned",
			zap.String("reservation_id", reservation.ID),
			zap.String("channel", item.Channel),
			zap.Int("attempts", attempts),
			zap.Error(pushErr))
		alert := booking.NewIntent(booking.IntentSyncFailureAlert, updated, worker.clock.Now())
		alert.Channel = item.Channel
		alert.Message = pushErr.Error()
		worker.service.Dispatch(ctx, alert)
		return nil
	}

	delay := worker.baseBackoff << item.Attempt
	worker.logger.Warn("channel sync retry scheduled",
		zap.String("reservation_id", reservation.ID),
		zap.String("channel", item.Channel),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(pushErr))
	retry := item
	retry.Attempt = attempts
	retry.TargetStatus = status
	retry.Priority = PriorityFor(status)
	retry.ReadyAt = worker.clock.Now().Add(delay)
	return worker.queue.Enqueue(ctx, retry)
}

func (worker *Worker) push(ctx context.Context, channel string, reservation booking.Reservation, status booking.Status) error {
	adapter, ok := worker.adapters[channel]
	if !ok {
		return fmt.Errorf("%w: no adapter for channel %s", booking.ErrChannelSyncPermanent, channel)
	}
	pushCtx, cancel := context.WithTimeout(ctx, worker.pushTimeout)
	defer cancel()
	err := adapter.PushStatus(pushCtx, reservation, status)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, booking.ErrChannelSyncTransient) {
		err = errors.Join(booking.ErrChannelSyncTransient, err)
	}
	return err
}

func channelCurrent(reservation booking.Reservation, channel string) bool {
	state, ok := reservation.Sync.Channels[channel]
	return ok && state.Status == booking.SyncSuccess && state.TargetStatus == reservation.Status
}
