// Package live is the per-route SSE broadcast fabric: an in-process registry
// of subscriber sinks, written to on every observable state change. Delivery
// is best-effort and non-durable; disconnected subscribers receive no replay.
package live

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rutaops/dispatch/pkg/logger"
	"github.com/rutaops/dispatch/pkg/metrics"
)

// HeartbeatInterval is how often comment frames are written to defeat idle
// proxies and load-balancer timeouts.
const HeartbeatInterval = 30 * time.Second

// Sink is a write-only, closable event receiver. Send must not block
// indefinitely: implementations enforce their own write timeout and return an
// error for a stalled consumer, which removes them from the registry.
type Sink interface {
	// Send writes one named event with a pre-serialized JSON payload.
	Send(event string, data []byte) error
	// Comment writes a comment frame (heartbeat).
	Comment(text string) error
	// Close releases the sink. Idempotent.
	Close()
}

// Event names broadcast by the core.
const (
	EventConnected       = "connected"
	EventRouteLoaded     = "route.loaded"
	EventRouteSent       = "route.sent"
	EventRouteStarted    = "route.started"
	EventRouteCompleted  = "route.completed"
	EventStopStatus      = "stop.status_changed"
	EventStopInTransit   = "stop.in_transit"
	EventDriverLocation  = "driver.location_updated"
)

// Hub maps routeID → subscriber set. Broadcasts take shared access;
// subscribe/unsubscribe take exclusive access.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[Sink]struct{}
	log  *logger.Logger
}

// NewHub returns an empty registry.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("live")
	}
	return &Hub{subs: make(map[string]map[Sink]struct{}), log: log}
}

// Subscribe registers sink for the route and returns a cancel func. The hub
// sends no initial event; the caller writes its own `connected` event.
func (h *Hub) Subscribe(routeID string, sink Sink) (cancel func()) {
	h.mu.Lock()
	set, ok := h.subs[routeID]
	if !ok {
		set = make(map[Sink]struct{})
		h.subs[routeID] = set
	}
	set[sink] = struct{}{}
	h.mu.Unlock()

	metrics.SSESubscriberConnected()

	return func() { h.unsubscribe(routeID, sink) }
}

// unsubscribe removes the sink and closes it. The gauge only moves when the
// sink was actually registered, so eviction and caller cancellation cannot
// double-count.
func (h *Hub) unsubscribe(routeID string, sink Sink) {
	h.mu.Lock()
	removed := false
	if set, ok := h.subs[routeID]; ok {
		if _, present := set[sink]; present {
			delete(set, sink)
			removed = true
		}
		if len(set) == 0 {
			delete(h.subs, routeID)
		}
	}
	h.mu.Unlock()
	sink.Close()
	if removed {
		metrics.SSESubscriberDisconnected()
	}
}

// Broadcast serializes payload once and writes it to every subscriber of the
// route. A sink that errors is removed immediately so one stalled dashboard
// cannot hold up the rest.
func (h *Hub) Broadcast(routeID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("marshal SSE payload")
		return
	}

	h.mu.RLock()
	set := h.subs[routeID]
	sinks := make([]Sink, 0, len(set))
	for sink := range set {
		sinks = append(sinks, sink)
	}
	h.mu.RUnlock()

	var dead []Sink
	for _, sink := range sinks {
		if err := sink.Send(event, data); err != nil {
			dead = append(dead, sink)
		}
	}
	for _, sink := range dead {
		h.unsubscribe(routeID, sink)
	}
}

// SubscriberCount reports the live subscribers of one route.
func (h *Hub) SubscriberCount(routeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[routeID])
}

// heartbeat writes a comment frame to every sink on every route, evicting
// the dead ones.
func (h *Hub) heartbeat() {
	h.mu.RLock()
	type entry struct {
		routeID string
		sink    Sink
	}
	var all []entry
	for routeID, set := range h.subs {
		for sink := range set {
			all = append(all, entry{routeID, sink})
		}
	}
	h.mu.RUnlock()

	for _, e := range all {
		if err := e.sink.Comment("heartbeat"); err != nil {
			h.unsubscribe(e.routeID, e.sink)
		}
	}
}

// Run drives the heartbeat loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}
