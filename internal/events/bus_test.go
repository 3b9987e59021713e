package events

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Type: TypeProviderStarted, Provider: "p1"})

	select {
	case evt := <-ch:
		if evt.Type != TypeProviderStarted || evt.Provider != "p1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if evt.ID == "" || evt.Timestamp.IsZero() {
			t.Fatal("event not stamped with id and timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: TypeProviderStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(Event{Type: TypeProviderStopped})
}

func TestCloseCompletesSubscribers(t *testing.T) {
	bus := NewBus(testLogger())
	ch, _ := bus.Subscribe(1)
	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatal("subscriber channel not completed on close")
	}

	// Subscribing after close yields a completed channel.
	ch2, cancel := bus.Subscribe(1)
	defer cancel()
	if _, ok := <-ch2; ok {
		t.Fatal("post-close subscription not completed")
	}
}
