package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/rutaops/dispatch/infrastructure/errors"
	"github.com/rutaops/dispatch/internal/app/live"
	"github.com/rutaops/dispatch/internal/app/storage"
)

// sinkWriteTimeout bounds how long a broadcast may wait on one subscriber.
// A consumer that cannot drain its buffer within this window is disconnected.
const sinkWriteTimeout = 2 * time.Second

type sseFrame struct {
	event   string
	data    []byte
	comment string
}

var errSinkStalled = errors.New("sse subscriber stalled")

// sseSink buffers frames between the hub and the response goroutine. Sends
// never block the broadcaster beyond the write timeout.
type sseSink struct {
	ch        chan sseFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newSSESink() *sseSink {
	return &sseSink{
		ch:   make(chan sseFrame, 16),
		done: make(chan struct{}),
	}
}

func (s *sseSink) push(f sseFrame) error {
	select {
	case s.ch <- f:
		return nil
	case <-s.done:
		return errors.New("sse sink closed")
	case <-time.After(sinkWriteTimeout):
		return errSinkStalled
	}
}

func (s *sseSink) Send(event string, data []byte) error {
	return s.push(sseFrame{event: event, data: data})
}

func (s *sseSink) Comment(text string) error {
	return s.push(sseFrame{comment: text})
}

func (s *sseSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// routeEvents serves the per-route SSE stream. Auth arrives via the `token`
// query parameter since EventSource cannot set headers; the auth middleware
// has already validated it by the time we get here.
func (h *handler) routeEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rt, err := h.stores.Routes.GetRoute(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apperrors.NotFound("route", id))
			return
		}
		writeError(w, apperrors.DatabaseError("get route", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("streaming unsupported", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := newSSESink()
	cancel := h.hub.Subscribe(id, sink)
	defer cancel()

	// Initial event so the dashboard can render current state immediately.
	initial, _ := json.Marshal(map[string]any{"routeId": rt.ID, "status": rt.Status})
	if err := writeSSEFrame(w, sseFrame{event: live.EventConnected, data: initial}); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			// Client disconnected; the deferred cancel releases the
			// subscription.
			return
		case <-sink.done:
			return
		case f := <-sink.ch:
			if err := writeSSEFrame(w, f); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEFrame emits `event: <name>\ndata: <json>\n\n`, or a comment line
// for heartbeats.
func writeSSEFrame(w http.ResponseWriter, f sseFrame) error {
	if f.comment != "" {
		_, err := fmt.Fprintf(w, ": %s\n\n", f.comment)
		return err
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
	return err
}
