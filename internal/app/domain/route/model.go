// Package route defines the route and stop entities and their state machines.
// The route engine is the only component that mutates statuses; this package
// only encodes which transitions exist.
package route

import "time"

// Status is the route lifecycle state.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Active reports whether the route occupies its driver. A driver has at most
// one active route at any time.
func (s Status) Active() bool {
	return s == StatusInProgress || s == StatusPaused
}

// Terminal reports whether the route can no longer transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// StopStatus is the per-stop delivery state.
type StopStatus string

const (
	StopPending   StopStatus = "PENDING"
	StopInTransit StopStatus = "IN_TRANSIT"
	StopArrived   StopStatus = "ARRIVED"
	StopCompleted StopStatus = "COMPLETED"
	StopFailed    StopStatus = "FAILED"
	StopSkipped   StopStatus = "SKIPPED"
)

// Terminal reports whether the stop status admits no further transitions.
func (s StopStatus) Terminal() bool {
	return s == StopCompleted || s == StopFailed || s == StopSkipped
}

// PaymentStatus is the per-stop collection state.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPartial PaymentStatus = "PARTIAL"
	PaymentPaid    PaymentStatus = "PAID"
)

// Route is a per-driver delivery run.
type Route struct {
	ID               string
	Name             string
	Status           Status
	ScheduledDate    time.Time
	DepartureTime    string // HH:MM
	DepotID          string
	OriginLat        *float64
	OriginLng        *float64
	OriginAddress    string
	AssignedDriverID string
	CreatedBy        string
	SentAt           time.Time
	LoadedAt         time.Time
	StartedAt        time.Time
	ActualStartTime  time.Time
	PausedAt         time.Time
	CompletedAt      time.Time
	TotalDistanceKm  float64
	TotalDurationMin float64
	OptimizedAt      time.Time
	OptimizationHash string
	DepotReturnTime  time.Time
	DriverLat        *float64
	DriverLng        *float64
	DriverLocationAt time.Time
	DriverHeading    *float64
	DriverSpeed      *float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Stop is a single visit on a route. SequenceOrder is 1-based and unique
// within the route at all observable times.
type Stop struct {
	ID                  string
	RouteID             string
	AddressID           string
	SequenceOrder       int
	Status              StopStatus
	EstimatedMinutes    int // service time at the door
	Priority            int // 0 = none
	TimeWindowStart     time.Time
	TimeWindowEnd       time.Time
	EstimatedArrival    time.Time
	OriginalEstimated   time.Time // frozen at route start, never mutated after
	TravelMinutesFromPrev float64
	ArrivedAt           time.Time
	CompletedAt         time.Time
	RequireSignature    bool
	RequirePhoto        bool
	SignatureURL        string
	PhotoURL            string
	IsPaid              bool
	PaymentStatus       PaymentStatus
	PaymentMethod       string
	PaymentAmount       float64
	CustomerRut         string
	ExternalOrderID     string
	Notes               string
	FailureReason       string
	Lat                 *float64 // denormalized from the address at creation
	Lng                 *float64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Geocoded reports whether the stop carries usable coordinates.
func (s Stop) Geocoded() bool { return s.Lat != nil && s.Lng != nil }

// TrackingPoint is one sample of the driver's live position.
type TrackingPoint struct {
	ID         string
	RouteID    string
	Lat        float64
	Lng        float64
	Heading    *float64
	Speed      *float64
	Accuracy   *float64
	RecordedAt time.Time
}

// CanSend reports whether a draft route satisfies the send guards.
func (r Route) CanSend() bool {
	return r.Status == StatusDraft && !r.OptimizedAt.IsZero() &&
		r.AssignedDriverID != "" && r.SentAt.IsZero()
}
