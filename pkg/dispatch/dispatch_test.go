package dispatch

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type failingDispatcher struct{ err error }

func (dispatcher failingDispatcher) Emit(context.Context, booking.Intent) error {
	return dispatcher.err
}

func TestLogDispatcherLevels(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.InfoLevel)
	dispatcher := NewLogDispatcher(zap.New(core))
	at := time.Date(2025, 1, 12, 11, 0, 0, 0, time.UTC)

	if err := dispatcher.Emit(context.Background(), booking.Intent{Kind: booking.IntentRoomCleaning, ReservationID: "r-1", RoomIDs: []string{"101"}, At: at}); err != nil {
		test.Fatalf("emit: %v", err)
	}
	if err := dispatcher.Emit(context.Background(), booking.Intent{Kind: booking.IntentOverdueAlert, ReservationID: "r-2", Message: "late", At: at}); err != nil {
		test.Fatalf("emit: %v", err)
	}

	entries := logs.All()
	if len(entries) != 2 {
		test.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.WarnLevel {
		test.Fatalf("unexpected levels %s %s", entries[0].Level, entries[1].Level)
	}
	if entries[1].ContextMap()["message"] != "late" {
		test.Fatalf("expected message field, got %v", entries[1].ContextMap())
	}
}

func TestFanoutJoinsErrors(test *testing.T) {
	test.Parallel()
	errDown := errors.New("smtp down")
	recorder := &Recorder{}
	fanout := Fanout{recorder, nil, failingDispatcher{err: errDown}}

	err := fanout.Emit(context.Background(), booking.Intent{Kind: booking.IntentRefundRequest, ReservationID: "r-1"})
	if !errors.Is(err, errDown) {
		test.Fatalf("expected joined error, got %v", err)
	}
	if !slices.Equal(recorder.Kinds(), []booking.IntentKind{booking.IntentRefundRequest}) {
		test.Fatalf("expected recorder to receive intent, got %v", recorder.Kinds())
	}
	if recorder.Count("r-1", booking.IntentRefundRequest) != 1 || recorder.Count("r-2", booking.IntentRefundRequest) != 0 {
		test.Fatalf("unexpected counts")
	}
	recorder.Reset()
	if len(recorder.Intents()) != 0 {
		test.Fatalf("expected reset to clear intents")
	}
}
