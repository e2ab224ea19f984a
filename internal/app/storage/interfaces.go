// Package storage defines the persistence interfaces of the dispatch core.
// Implementations: storage/postgres for production, storage/memory for tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rutaops/dispatch/internal/app/domain/address"
	"github.com/rutaops/dispatch/internal/app/domain/depot"
	"github.com/rutaops/dispatch/internal/app/domain/payment"
	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/domain/session"
	"github.com/rutaops/dispatch/internal/app/domain/user"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned on unique-constraint violations.
	ErrDuplicate = errors.New("duplicate")
	// ErrAlreadyProcessed is returned when a conditional status write finds
	// the row already in a terminal state. First writer wins.
	ErrAlreadyProcessed = errors.New("already processed")
	// ErrConflict is returned when a delete or update violates a dependency.
	ErrConflict = errors.New("conflict")
)

// UserStore persists users.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	ListUsers(ctx context.Context, role user.Role) ([]user.User, error)
	// SetPushToken stores the driver device token; empty clears it.
	SetPushToken(ctx context.Context, userID, token string) error
	SetLastLogin(ctx context.Context, userID string, at time.Time) error
}

// TokenStore persists refresh-token records. At most one non-revoked record
// exists per (userID, deviceID); Save enforces this by revoking first.
type TokenStore interface {
	// SaveRefreshToken revokes any live record for (rec.UserID, rec.DeviceID)
	// and inserts rec, atomically.
	SaveRefreshToken(ctx context.Context, rec session.RefreshTokenRecord) (session.RefreshTokenRecord, error)

	// RotateRefreshToken atomically revokes the live, unexpired record
	// matching (userID, tokenHash) and inserts next (carrying over the old
	// record's device fields). The conditional revoke is the single-use
	// primitive: of two concurrent rotations exactly one finds the live row.
	// Returns ErrNotFound when no live record matches.
	RotateRefreshToken(ctx context.Context, userID, tokenHash string, now time.Time, next session.RefreshTokenRecord) (session.RefreshTokenRecord, error)

	// RevokeRefreshToken revokes the single live record matching the hash.
	RevokeRefreshToken(ctx context.Context, userID, tokenHash string, now time.Time) error

	// RevokeAllRefreshTokens revokes every live record for the user and
	// returns how many were revoked.
	RevokeAllRefreshTokens(ctx context.Context, userID string, now time.Time) (int, error)

	// PurgeExpiredTokens deletes records expired or revoked before the cutoff.
	PurgeExpiredTokens(ctx context.Context, before time.Time) (int64, error)
}

// RouteFilter narrows route listings.
type RouteFilter struct {
	Status   route.Status
	DriverID string
	Statuses []route.Status
	Limit    int
	Offset   int
}

// StopETA is one batched ETA write.
type StopETA struct {
	StopID            string
	EstimatedArrival  time.Time
	TravelMinutesFromPrev *float64
	// SetOriginal also writes OriginalEstimated. Used exactly once, at route
	// start; the recalculation path never sets it.
	SetOriginal bool
	Sequence    int // >0 rewrites SequenceOrder (optimization result)
}

// TerminalStopWrite carries the fields persisted when a stop reaches a
// terminal status.
type TerminalStopWrite struct {
	Status        route.StopStatus
	CompletedAt   time.Time
	Notes         string
	FailureReason string
	SignatureURL  string
	PhotoURL      string
	PaymentAmount float64
	PaymentMethod string
}

// RouteStore persists routes, stops, and driver tracking points.
type RouteStore interface {
	CreateRoute(ctx context.Context, r route.Route) (route.Route, error)
	UpdateRoute(ctx context.Context, r route.Route) (route.Route, error)
	GetRoute(ctx context.Context, id string) (route.Route, error)
	ListRoutes(ctx context.Context, f RouteFilter) ([]route.Route, int, error)
	// DeleteRoute removes the route and cascades to its stops and tracking.
	DeleteRoute(ctx context.Context, id string) error
	// ActiveRouteForDriver returns the driver's IN_PROGRESS or PAUSED route,
	// or ErrNotFound. A driver has at most one.
	ActiveRouteForDriver(ctx context.Context, driverID string) (route.Route, error)

	AddStop(ctx context.Context, s route.Stop) (route.Stop, error)
	GetStop(ctx context.Context, stopID string) (route.Stop, error)
	ListStops(ctx context.Context, routeID string) ([]route.Stop, error)
	UpdateStop(ctx context.Context, s route.Stop) (route.Stop, error)
	// DeleteStop removes the stop and closes the sequence gap.
	DeleteStop(ctx context.Context, stopID string) error
	// ReorderStops rewrites SequenceOrder to match orderedIDs. The write is
	// two-phase (negative then positive) so the uniqueness constraint on
	// (route_id, sequence_order) holds at every intermediate state.
	ReorderStops(ctx context.Context, routeID string, orderedIDs []string) error
	// SetStopETAs batch-writes arrival estimates.
	SetStopETAs(ctx context.Context, updates []StopETA) error
	// MarkStopTerminal writes the terminal status iff the stop is not already
	// terminal; otherwise ErrAlreadyProcessed.
	MarkStopTerminal(ctx context.Context, stopID string, w TerminalStopWrite) (route.Stop, error)
	// MarkStopInTransit moves a PENDING stop to IN_TRANSIT, optionally
	// refreshing its estimate. Returns ErrAlreadyProcessed for terminal
	// stops and ErrConflict for non-PENDING ones.
	MarkStopInTransit(ctx context.Context, stopID string, eta time.Time) (route.Stop, error)

	// UpdateDriverLocation writes the live position on the route row and
	// appends a tracking point, atomically. Last writer wins.
	UpdateDriverLocation(ctx context.Context, p route.TrackingPoint) error
	ListTrackingPoints(ctx context.Context, routeID string, limit int) ([]route.TrackingPoint, error)
	PruneTrackingPoints(ctx context.Context, before time.Time) (int64, error)

	// ImportRoute creates addresses, the route, and its stops in one
	// transaction. Stops reference addresses by slice position.
	ImportRoute(ctx context.Context, r route.Route, addrs []address.Address, stops []route.Stop) (route.Route, error)
}

// DepotStore persists depots. At most one depot is the default.
type DepotStore interface {
	CreateDepot(ctx context.Context, d depot.Depot) (depot.Depot, error)
	UpdateDepot(ctx context.Context, d depot.Depot) (depot.Depot, error)
	GetDepot(ctx context.Context, id string) (depot.Depot, error)
	GetDefaultDepot(ctx context.Context) (depot.Depot, error)
	ListDepots(ctx context.Context) ([]depot.Depot, error)
}

// AddressStore persists addresses.
type AddressStore interface {
	CreateAddress(ctx context.Context, a address.Address) (address.Address, error)
	UpdateAddress(ctx context.Context, a address.Address) (address.Address, error)
	GetAddress(ctx context.Context, id string) (address.Address, error)
	ListAddresses(ctx context.Context, limit, offset int) ([]address.Address, error)
	// DeleteAddress fails with ErrConflict while stops reference the address.
	DeleteAddress(ctx context.Context, id string) error
}

// PaymentStore persists per-stop payments.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error)
	GetPayment(ctx context.Context, id string) (payment.Payment, error)
	GetPaymentByTransactionID(ctx context.Context, txID string) (payment.Payment, error)
	ListPaymentsForStop(ctx context.Context, stopID string) ([]payment.Payment, error)
	// VerifyPayment marks the payment VERIFIED and the owning stop paid.
	VerifyPayment(ctx context.Context, id, verifiedBy string, at time.Time) (payment.Payment, error)
}

// SettingsStore persists key-addressed opaque settings blobs.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) ([]byte, error)
	PutSetting(ctx context.Context, key string, value []byte) error
}

// Stores aggregates every persistence interface the application wires.
type Stores struct {
	Users     UserStore
	Tokens    TokenStore
	Routes    RouteStore
	Depots    DepotStore
	Addresses AddressStore
	Payments  PaymentStore
	Settings  SettingsStore
}
