package booking

import (
	"context"
	"time"
)

// SyncOutcome is the result of one push to a channel.
type SyncOutcome struct {
	Attempts  int
	Err       error
	Permanent bool
}

// MarkNeedsSync flags the reservation for an outbound push to channel.
func (service *Service) MarkNeedsSync(ctx context.Context, reservationID string, channel string) (Reservation, error) {
	after, err := service.mutateSync(ctx, reservationID, operationMarkNeedsSync, func(reservation *Reservation, _ time.Time) error {
		reservation.Sync.NeedsSync = true
		if reservation.Sync.Channels == nil {
			reservation.Sync.Channels = make(map[string]ChannelSyncState)
		}
		state := reservation.Sync.Channels[channel]
		state.Status = SyncPending
		state.TargetStatus = reservation.Status
		state.Error = ""
		reservation.Sync.Channels[channel] = state
		return nil
	})
	return after, err
}

// RecordChannelSync stores the outcome of a push. NeedsSync clears once every
// channel has acknowledged the current status.
func (service *Service) RecordChannelSync(ctx context.Context, reservationID string, channel string, target Status, outcome SyncOutcome) (Reservation, error) {
	return service.mutateSync(ctx, reservationID, operationRecordChannelSync, func(reservation *Reservation, now time.Time) error {
		if reservation.Sync.Channels == nil {
			reservation.Sync.Channels = make(map[string]ChannelSyncState)
		}
		state := ChannelSyncState{TargetStatus: target, Attempts: outcome.Attempts}
		if outcome.Err == nil {
			syncedAt := now
			state.Status = SyncSuccess
			state.SyncedAt = &syncedAt
		} else {
			state.Status = SyncFailed
			state.Error = outcome.Err.Error()
			if previous, ok := reservation.Sync.Channels[channel]; ok {
				state.SyncedAt = cloneTime(previous.SyncedAt)
			}
		}
		reservation.Sync.Channels[channel] = state
		reservation.Sync.NeedsSync = !channelsCurrent(*reservation)
		return nil
	})
}

func (service *Service) mutateSync(ctx context.Context, reservationID string, operation string, apply func(reservation *Reservation, now time.Time) error) (Reservation, error) {
	_, after, err := service.commit(ctx, reservationID, apply, nil)
	service.logOperation(ctx, OperationLog{
		Operation:     operation,
		ReservationID: reservationID,
		BookingNumber: after.BookingNumber,
		To:            after.Status,
		Error:         err,
	})
	return after, err
}

func channelsCurrent(reservation Reservation) bool {
	for _, state := range reservation.Sync.Channels {
		if state.Status != SyncSuccess || state.TargetStatus != reservation.Status {
			return false
		}
	}
	return true
}

// ExpiredHolds lists pending reservations whose hold ended before now.
func (service *Service) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	return service.store.ListReservations(ctx, ReservationFilter{
		Statuses:            []Status{StatusPending},
		ReservedUntilBefore: &now,
		Limit:               limit,
	})
}

// OverdueArrivals lists confirmed reservations whose check-in is before cutoff.
func (service *Service) OverdueArrivals(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error) {
	return service.store.ListReservations(ctx, ReservationFilter{
		Statuses:      []Status{StatusConfirmed},
		CheckInBefore: &cutoff,
		Limit:         limit,
	})
}

// OverdueDepartures lists checked-in reservations whose check-out is before cutoff.
func (service *Service) OverdueDepartures(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error) {
	return service.store.ListReservations(ctx, ReservationFilter{
		Statuses:       []Status{StatusCheckedIn},
		CheckOutBefore: &cutoff,
		Limit:          limit,
	})
}

// PendingSync lists reservations still waiting for an outbound push.
func (service *Service) PendingSync(ctx context.Context, limit int) ([]Reservation, error) {
	needsSync := true
	return service.store.ListReservations(ctx, ReservationFilter{NeedsSync: &needsSync, Limit: limit})
}
