package sse

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/propertyreel/backend/internal/logger"
)

func newHub(t *testing.T) *Hub {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewHub(log)
}

func TestHubDeliversToJobSubscribers(t *testing.T) {
	h := newHub(t)
	jobID := uuid.New()
	other := uuid.New()

	ch := h.Subscribe(jobID)
	defer h.Unsubscribe(jobID, ch)
	otherCh := h.Subscribe(other)
	defer h.Unsubscribe(other, otherCh)

	h.Broadcast(Event{JobID: jobID, Type: "progress", Progress: 42})

	select {
	case ev := <-ch:
		if ev.Progress != 42 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
	select {
	case ev := <-otherCh:
		t.Fatalf("foreign job received event %+v", ev)
	default:
	}
}

func TestHubSkipsSlowConsumers(t *testing.T) {
	h := newHub(t)
	jobID := uuid.New()
	ch := h.Subscribe(jobID)
	defer h.Unsubscribe(jobID, ch)

	// Overfill: the buffered channel holds 16, the rest must be dropped
	// without blocking Broadcast.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Broadcast(Event{JobID: jobID, Type: "progress", Progress: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow consumer")
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := newHub(t)
	jobID := uuid.New()
	ch := h.Subscribe(jobID)
	h.Unsubscribe(jobID, ch)

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Broadcasting after the last unsubscribe must not panic.
	h.Broadcast(Event{JobID: jobID})
}
