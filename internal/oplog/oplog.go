// Package oplog writes booking operation records to zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger implements booking.OperationLogger.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger writing to logger, or a no-op logger when nil.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("booking")}
}

// LogOperation writes one entry. Failures log at warn, except invalid input and
// policy refusals which are expected traffic and log at info.
func (logger *Logger) LogOperation(_ context.Context, entry booking.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("reservation_id", entry.ReservationID),
	}
	if entry.BookingNumber != "" {
		fields = append(fields, zap.String("booking_number", entry.BookingNumber))
	}
	if entry.From != "" {
		fields = append(fields, zap.String("from", string(entry.From)))
	}
	if entry.To != "" {
		fields = append(fields, zap.String("to", string(entry.To)))
	}
	if entry.Actor.Source != "" {
		fields = append(fields, zap.String("actor", string(entry.Actor.Source)), zap.String("actor_id", entry.Actor.UserID))
	}
	if entry.Status != "" {
		fields = append(fields, zap.String("status", entry.Status))
	}
	if entry.Error == nil {
		logger.logger.Info("booking operation", fields...)
		return
	}

	kind := booking.ErrorKind(entry.Error)
	fields = append(fields, zap.String("error_kind", kind), zap.Error(entry.Error))
	logger.logger.Check(levelFor(kind), "booking operation failed").Write(fields...)
}

func levelFor(kind string) zapcore.Level {
	switch kind {
	case booking.KindValidation, booking.KindPolicyViolation, booking.KindInvalidTransition, booking.KindNotFound:
		return zapcore.InfoLevel
	case booking.KindInternal:
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}
