package server

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/storage"
)

// testLogger returns a logger for tests that discards all but errors.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBrokerFanOut(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[chan storage.EventNotification]uuid.UUID),
		logger:      testLogger(),
	}

	delibID := uuid.New()

	// Two subscribers on the same deliberation.
	ch1 := broker.Subscribe(delibID)
	ch2 := broker.Subscribe(delibID)

	event := storage.EventNotification{
		DeliberationID: delibID,
		EventType:      model.EventOpinionSubmitted,
		SequenceNum:    3,
	}
	broker.broadcast(event)

	for i, ch := range []chan storage.EventNotification{ch1, ch2} {
		select {
		case got := <-ch:
			if got != event {
				t.Errorf("ch%d: got %+v, want %+v", i+1, got, event)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("ch%d: timed out waiting for event", i+1)
		}
	}

	// Unsubscribe ch1, broadcast again. Only ch2 should receive.
	broker.Unsubscribe(ch1)
	event2 := storage.EventNotification{
		DeliberationID: delibID,
		EventType:      model.EventStageAdvanced,
		SequenceNum:    4,
	}
	broker.broadcast(event2)

	select {
	case got := <-ch2:
		if got != event2 {
			t.Errorf("ch2: got %+v, want %+v", got, event2)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event after ch1 unsubscribed")
	}

	broker.Unsubscribe(ch2)
}

func TestBrokerFiltersByDeliberation(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[chan storage.EventNotification]uuid.UUID),
		logger:      testLogger(),
	}

	mine := uuid.New()
	other := uuid.New()

	ch := broker.Subscribe(mine)
	defer broker.Unsubscribe(ch)

	broker.broadcast(storage.EventNotification{
		DeliberationID: other,
		EventType:      model.EventOpinionSubmitted,
		SequenceNum:    1,
	})

	select {
	case got := <-ch:
		t.Fatalf("received event for another deliberation: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}

	want := storage.EventNotification{
		DeliberationID: mine,
		EventType:      model.EventRoundCompleted,
		SequenceNum:    9,
	}
	broker.broadcast(want)

	select {
	case got := <-ch:
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for matching event")
	}
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[chan storage.EventNotification]uuid.UUID),
		logger:      testLogger(),
	}

	delibID := uuid.New()

	// A slow subscriber whose buffer we never drain must not block a fast one.
	slow := broker.Subscribe(delibID)
	fast := broker.Subscribe(delibID)

	for i := range 65 {
		broker.broadcast(storage.EventNotification{
			DeliberationID: delibID,
			EventType:      model.EventOpinionSubmitted,
			SequenceNum:    int64(i + 1),
		})
	}

	// Drain fast completely, then broadcast once more.
	for len(fast) > 0 {
		<-fast
	}
	after := storage.EventNotification{
		DeliberationID: delibID,
		EventType:      model.EventStageAdvanced,
		SequenceNum:    100,
	}
	broker.broadcast(after)

	select {
	case got := <-fast:
		if got != after {
			t.Errorf("fast subscriber: got %+v, want %+v", got, after)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should receive events even when slow subscriber is full")
	}

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("OpinionSubmitted", 7, []byte(`{"id":"123"}`)))
	want := "event: OpinionSubmitted\nid: 7\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}

	// Sequence 0 marks broadcast-only events that have no stored row.
	got = string(formatSSE("DeliberationDeleted", 0, []byte(`{}`)))
	want = "event: DeliberationDeleted\ndata: {}\n\n"
	if got != want {
		t.Errorf("formatSSE without id: got %q, want %q", got, want)
	}
}
