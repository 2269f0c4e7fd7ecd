package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Robor-Electronics/lwgsm/internal/config"
)

// Event types published by the core.
const (
	EventReady            = "ready"
	EventHeartbeat        = "heartbeat"
	EventAttached         = "attached"
	EventDetached         = "detached"
	EventAttachFailed     = "attachFailed"
	EventDetachFailed     = "detachFailed"
	EventCommandCompleted = "commandCompleted"
	EventCommandAbandoned = "commandAbandoned"
	EventFault            = "fault"
)

var log logrus.FieldLogger = logrus.New().WithField("logger", "lwgsm/telemetry")

// SetLogger sets the package logger.
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

// Event is one telemetry message.
type Event struct {
	ID   int64          `json:"id,omitempty"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Client is one SSE subscriber.
type Client struct {
	ID      string
	Writer  http.ResponseWriter
	Context context.Context
	Cancel  context.CancelFunc
	LastID  int64
	Events  chan Event
	dropped atomic.Int64
	mu      sync.Mutex // guards Writer
}

// Hub fans events out to SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	nextID   atomic.Int64
	buffer   *EventBuffer
	cfg      config.TelemetryConfig
	snapshot func() any

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub sized by cfg.
func NewHub(cfg config.TelemetryConfig) *Hub {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 50
	}
	if cfg.ClientQueueSize <= 0 {
		cfg.ClientQueueSize = 32
	}
	return &Hub{
		clients: make(map[string]*Client),
		buffer:  NewEventBuffer(cfg.EventBufferSize),
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// SetSnapshot sets the function whose result is sent in the ready event.
func (h *Hub) SetSnapshot(fn func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// Subscribe streams events to w until ctx is done or the hub stops.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCtx, cancel := context.WithCancel(ctx)

	lastEventID := int64(0)
	if lastIDStr := r.Header.Get("Last-Event-ID"); lastIDStr != "" {
		if id, err := strconv.ParseInt(lastIDStr, 10, 64); err == nil {
			lastEventID = id
		}
	}

	client := &Client{
		ID:      "client-" + uuid.NewString(),
		Writer:  w,
		Context: clientCtx,
		Cancel:  cancel,
		LastID:  lastEventID,
		Events:  make(chan Event, h.cfg.ClientQueueSize),
	}

	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		cancel()
		return fmt.Errorf("telemetry hub stopped")
	default:
	}
	h.clients[client.ID] = client
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()
	defer h.unregisterClient(client.ID)

	if err := h.sendReadyEvent(client); err != nil {
		return fmt.Errorf("failed to send ready event: %w", err)
	}

	if lastEventID > 0 {
		for _, event := range h.buffer.GetEventsAfter(lastEventID) {
			if err := h.sendEventToClient(client, event); err != nil {
				return fmt.Errorf("failed to replay events: %w", err)
			}
		}
	}

	h.handleClient(client)
	return nil
}

// Publish assigns an ID to event, buffers it and queues it for every client.
// It never blocks. A nil hub drops the event.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	select {
	case <-h.done:
		return
	default:
	}

	if event.ID == 0 {
		event.ID = h.nextID.Add(1)
	}
	if event.Type != EventHeartbeat {
		h.buffer.AddEvent(event)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.Events <- event:
		default:
			if n := client.dropped.Add(1); n == 1 || n%100 == 0 {
				log.WithFields(logrus.Fields{"client": client.ID, "dropped": n}).Warn("slow telemetry client, dropping events")
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Buffer returns the replay buffer.
func (h *Hub) Buffer() *EventBuffer {
	return h.buffer
}

func (h *Hub) sendReadyEvent(client *Client) error {
	h.mu.RLock()
	snapshot := h.snapshot
	h.mu.RUnlock()

	data := map[string]any{}
	if snapshot != nil {
		data["snapshot"] = snapshot()
	}
	// No ID: the ready event must not move the client's resume point.
	return h.sendEventToClient(client, Event{Type: EventReady, Data: data})
}

// sendEventToClient writes one event in SSE framing.
func (h *Hub) sendEventToClient(client *Client, event Event) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if event.ID > 0 {
		if _, err := fmt.Fprintf(client.Writer, "id: %d\n", event.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(client.Writer, "event: %s\n", event.Type); err != nil {
		return fmt.Errorf("failed to write event type: %w", err)
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(client.Writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}

	if flusher, ok := client.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// handleClient delivers queued events and heartbeats until the client leaves.
func (h *Hub) handleClient(client *Client) {
	var heartbeat <-chan time.Time
	if d := h.cfg.Heartbeat(); d > 0 {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-client.Context.Done():
			return
		case <-h.done:
			return
		case <-heartbeat:
			err := h.sendEventToClient(client, Event{
				Type: EventHeartbeat,
				Data: map[string]any{"ts": time.Now().UTC().Format(time.RFC3339)},
			})
			if err != nil {
				return
			}
		case event := <-client.Events:
			if err := h.sendEventToClient(client, event); err != nil {
				return
			}
		}
	}
}

func (h *Hub) unregisterClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[clientID]; ok {
		client.Cancel()
		delete(h.clients, clientID)
	}
}

// Stop disconnects every client and waits for their handlers to return.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.RLock()
	for _, client := range h.clients {
		client.Cancel()
	}
	h.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("telemetry clients did not stop in time")
	}
}

// EventBuffer keeps the most recent events for replay.
type EventBuffer struct {
	mu       sync.RWMutex
	events   deque.Deque[Event]
	capacity int
}

// NewEventBuffer creates a buffer holding at most capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	return &EventBuffer{capacity: capacity}
}

// AddEvent appends event, evicting the oldest one when full.
func (b *EventBuffer) AddEvent(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events.PushBack(event)
	for b.events.Len() > b.capacity {
		b.events.PopFront()
	}
}

// GetEventsAfter returns buffered events with an ID above lastID, oldest first.
func (b *EventBuffer) GetEventsAfter(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var result []Event
	for i := 0; i < b.events.Len(); i++ {
		if e := b.events.At(i); e.ID > lastID {
			result = append(result, e)
		}
	}
	return result
}

// Capacity returns the buffer capacity.
func (b *EventBuffer) Capacity() int {
	return b.capacity
}

// Size returns the number of buffered events.
func (b *EventBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.events.Len()
}
