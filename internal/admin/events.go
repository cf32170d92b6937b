// Package admin exposes the daemon's operational surface: a small
// HTTP API over the workflow manager and scheduler, health and
// metrics endpoints, and a websocket stream of live orchestration
// events.
package admin

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskflow-core/taskflow/internal/flow"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
)

// EventType represents the type of a streamed event.
type EventType string

const (
	EventTaskDispatched EventType = "task.dispatched"
	EventStepTransition EventType = "step.transition"
)

// Event is one entry on the live stream.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent creates a stamped event.
func NewEvent(eventType EventType, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Hub fans events out to connected websocket clients. Slow clients
// are dropped rather than allowed to stall the broadcast.
type Hub struct {
	logger logger.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		logger:  log,
		clients: make(map[*client]struct{}),
	}
}

// Broadcast queues the event for every connected client.
func (h *Hub) Broadcast(event *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			// Client can't keep up; close it out of band.
			go h.remove(c)
		}
	}
}

// StepTransition implements flow.EventSink: step state changes become
// stream events.
func (h *Hub) StepTransition(workflowID uuid.UUID, stepName string, state flow.State, reason string) {
	data := map[string]interface{}{
		"workflow_id": workflowID.String(),
		"step":        stepName,
		"state":       string(state),
	}
	if reason != "" {
		data["reason"] = reason
	}
	h.Broadcast(NewEvent(EventStepTransition, data))
}

// TaskDispatched reports a task entering dispatch; the dispatcher's
// event hook calls this.
func (h *Hub) TaskDispatched(taskID uuid.UUID, taskType string) {
	h.Broadcast(NewEvent(EventTaskDispatched, map[string]interface{}{
		"task_id":   taskID.String(),
		"task_type": taskType,
	}))
}

// ClientCount returns how many clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return
	}
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
