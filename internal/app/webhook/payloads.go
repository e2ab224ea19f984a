package webhook

import (
	"time"

	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/domain/settings"
	"github.com/rutaops/dispatch/internal/app/domain/user"
)

// Outbound event names.
const (
	EventRouteStarted   = "route.started"
	EventRouteCompleted = "route.completed"
	EventStopInTransit  = "stop.in_transit"
	EventStopCompleted  = "stop.completed"
	EventStopFailed     = "stop.failed"
	EventStopSkipped    = "stop.skipped"
	EventEtaUpdated     = "eta.updated"
	// EventStopApproaching is reserved for a geofence-triggered heads-up.
	// No surface emits it yet; the trigger condition is an open product
	// decision.
	EventStopApproaching = "stop.approaching"
)

// RouteSnapshot is the route view customers' systems receive.
type RouteSnapshot struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	DepotReturnTime *time.Time `json:"depotReturnTime,omitempty"`
}

// DriverSnapshot identifies the driver without leaking credentials.
type DriverSnapshot struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// StopSnapshot is the per-stop view, including the customer-facing ETA window
// derived from the frozen original estimate.
type StopSnapshot struct {
	ID               string     `json:"id"`
	SequenceOrder    int        `json:"sequenceOrder"`
	Status           string     `json:"status"`
	CustomerName     string     `json:"customerName,omitempty"`
	ExternalOrderID  string     `json:"externalOrderId,omitempty"`
	EstimatedArrival *time.Time `json:"estimatedArrival,omitempty"`
	EtaWindowStart   *time.Time `json:"etaWindowStart,omitempty"`
	EtaWindowEnd     *time.Time `json:"etaWindowEnd,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`
}

// Payload is the body of every outbound webhook.
type Payload struct {
	Event          string         `json:"event"`
	Timestamp      time.Time      `json:"timestamp"`
	Route          RouteSnapshot  `json:"route"`
	Driver         *DriverSnapshot `json:"driver,omitempty"`
	Stop           *StopSnapshot  `json:"stop,omitempty"`
	RemainingStops []StopSnapshot `json:"remainingStops,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// floor10 / ceil10 round to 10-minute boundaries so the window reads
// naturally ("between 10:30 and 11:10").
func floor10(t time.Time) time.Time {
	return t.Truncate(10 * time.Minute)
}

func ceil10(t time.Time) time.Time {
	truncated := t.Truncate(10 * time.Minute)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(10 * time.Minute)
}

// EtaWindow renders the customer-facing window around the frozen original
// estimate. Using the original (not the live estimate) keeps the quoted
// window stable across recalculations.
func EtaWindow(original time.Time, n settings.Notifications) (start, end time.Time) {
	start = floor10(original.Add(-time.Duration(n.EtaWindowBeforeMin) * time.Minute))
	end = ceil10(original.Add(time.Duration(n.EtaWindowAfterMin) * time.Minute))
	return start, end
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	tt := t
	return &tt
}

// SnapshotRoute converts a route for the wire.
func SnapshotRoute(r route.Route) RouteSnapshot {
	return RouteSnapshot{
		ID:              r.ID,
		Name:            r.Name,
		Status:          string(r.Status),
		StartedAt:       optionalTime(r.StartedAt),
		CompletedAt:     optionalTime(r.CompletedAt),
		DepotReturnTime: optionalTime(r.DepotReturnTime),
	}
}

// SnapshotDriver converts the assigned driver; nil when unassigned.
func SnapshotDriver(u *user.User) *DriverSnapshot {
	if u == nil {
		return nil
	}
	return &DriverSnapshot{ID: u.ID, Name: u.Name, Phone: u.Phone}
}

// SnapshotStop converts one stop, rendering its ETA window when an original
// estimate was frozen.
func SnapshotStop(st route.Stop, customerName string, n settings.Notifications) StopSnapshot {
	snap := StopSnapshot{
		ID:               st.ID,
		SequenceOrder:    st.SequenceOrder,
		Status:           string(st.Status),
		CustomerName:     customerName,
		ExternalOrderID:  st.ExternalOrderID,
		EstimatedArrival: optionalTime(st.EstimatedArrival),
		CompletedAt:      optionalTime(st.CompletedAt),
		FailureReason:    st.FailureReason,
	}
	if !st.OriginalEstimated.IsZero() {
		start, end := EtaWindow(st.OriginalEstimated, n)
		snap.EtaWindowStart = &start
		snap.EtaWindowEnd = &end
	}
	return snap
}

// Build assembles a payload. remaining carries the non-terminal downstream
// stops in sequence order.
func Build(event string, r route.Route, driver *user.User, stop *route.Stop, remaining []route.Stop, names map[string]string, n settings.Notifications, metadata map[string]any) Payload {
	p := Payload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Route:     SnapshotRoute(r),
		Driver:    SnapshotDriver(driver),
		Metadata:  metadata,
	}
	if stop != nil {
		snap := SnapshotStop(*stop, names[stop.AddressID], n)
		p.Stop = &snap
	}
	for _, st := range remaining {
		p.RemainingStops = append(p.RemainingStops, SnapshotStop(st, names[st.AddressID], n))
	}
	return p
}

// TerminalStopEvent maps a terminal stop status to its event name.
func TerminalStopEvent(status route.StopStatus) string {
	switch status {
	case route.StopFailed:
		return EventStopFailed
	case route.StopSkipped:
		return EventStopSkipped
	default:
		return EventStopCompleted
	}
}
