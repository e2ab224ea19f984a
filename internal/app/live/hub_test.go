package live

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// recordingSink collects frames; optionally fails every send.
type recordingSink struct {
	mu       sync.Mutex
	events   []string
	payloads [][]byte
	comments []string
	fail     bool
	closed   bool
}

func (s *recordingSink) Send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink broken")
	}
	s.events = append(s.events, event)
	s.payloads = append(s.payloads, append([]byte(nil), data...))
	return nil
}

func (s *recordingSink) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink broken")
	}
	s.comments = append(s.comments, text)
	return nil
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	hub := NewHub(nil)
	a := &recordingSink{}
	b := &recordingSink{}
	cancelA := hub.Subscribe("route-1", a)
	cancelB := hub.Subscribe("route-1", b)
	defer cancelA()
	defer cancelB()

	hub.Broadcast("route-1", EventRouteStarted, map[string]string{"routeId": "route-1"})

	if a.eventCount() != 1 || b.eventCount() != 1 {
		t.Fatalf("both sinks should receive the event, got %d and %d", a.eventCount(), b.eventCount())
	}
	var payload map[string]string
	if err := json.Unmarshal(a.payloads[0], &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["routeId"] != "route-1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestBroadcastIsScopedPerRoute(t *testing.T) {
	hub := NewHub(nil)
	a := &recordingSink{}
	b := &recordingSink{}
	defer hub.Subscribe("route-1", a)()
	defer hub.Subscribe("route-2", b)()

	hub.Broadcast("route-1", EventStopStatus, map[string]string{})

	if a.eventCount() != 1 {
		t.Fatal("route-1 subscriber missed the event")
	}
	if b.eventCount() != 0 {
		t.Fatal("route-2 subscriber should not see route-1 events")
	}
}

func TestFailingSinkIsEvicted(t *testing.T) {
	hub := NewHub(nil)
	bad := &recordingSink{fail: true}
	good := &recordingSink{}
	defer hub.Subscribe("route-1", bad)()
	defer hub.Subscribe("route-1", good)()

	hub.Broadcast("route-1", EventDriverLocation, map[string]string{})

	if hub.SubscriberCount("route-1") != 1 {
		t.Fatalf("failing sink should be evicted, count = %d", hub.SubscriberCount("route-1"))
	}
	bad.mu.Lock()
	closed := bad.closed
	bad.mu.Unlock()
	if !closed {
		t.Fatal("evicted sink must be closed")
	}
	if good.eventCount() != 1 {
		t.Fatal("healthy sink must still receive the event")
	}
}

func TestUnsubscribeGarbageCollectsRoute(t *testing.T) {
	hub := NewHub(nil)
	sink := &recordingSink{}
	cancel := hub.Subscribe("route-1", sink)

	cancel()
	if hub.SubscriberCount("route-1") != 0 {
		t.Fatal("subscription should be gone")
	}
	// Idempotent.
	cancel()
}

func TestHeartbeatReachesAllSinksAndEvictsDead(t *testing.T) {
	hub := NewHub(nil)
	ok := &recordingSink{}
	dead := &recordingSink{fail: true}
	defer hub.Subscribe("route-1", ok)()
	defer hub.Subscribe("route-2", dead)()

	hub.heartbeat()

	ok.mu.Lock()
	comments := len(ok.comments)
	ok.mu.Unlock()
	if comments != 1 {
		t.Fatalf("heartbeat comments = %d, want 1", comments)
	}
	if hub.SubscriberCount("route-2") != 0 {
		t.Fatal("dead sink should be evicted on heartbeat")
	}
}

func TestConcurrentBroadcastAndSubscribe(t *testing.T) {
	hub := NewHub(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sink := &recordingSink{}
			cancel := hub.Subscribe("route-1", sink)
			cancel()
		}()
		go func() {
			defer wg.Done()
			hub.Broadcast("route-1", EventDriverLocation, map[string]int{"n": 1})
		}()
	}
	wg.Wait()
}
