package sse

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/propertyreel/backend/internal/logger"
)

// Event is one job progress record, published by workers over the redis bus
// and fanned out to API subscribers.
type Event struct {
	JobID    uuid.UUID `json:"job_id"`
	UserID   uuid.UUID `json:"user_id"`
	Type     string    `json:"type"` // progress | done | failed
	Stage    string    `json:"stage,omitempty"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Hub fans events out to per-job subscriber channels on the API side.
type Hub struct {
	log *logger.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan Event]struct{}
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:  log.With("service", "SSEHub"),
		subs: make(map[uuid.UUID]map[chan Event]struct{}),
	}
}

func (h *Hub) Subscribe(jobID uuid.UUID) chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan Event]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(jobID uuid.UUID, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[jobID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, jobID)
		}
	}
	close(ch)
}

// Broadcast delivers to current subscribers of the event's job. Slow consumers
// are skipped rather than blocking the forwarder.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
