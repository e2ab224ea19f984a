package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/rutaops/dispatch/infrastructure/errors"
	"github.com/rutaops/dispatch/internal/app/domain/address"
	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/domain/settings"
	"github.com/rutaops/dispatch/internal/app/geo"
	"github.com/rutaops/dispatch/internal/app/optimizer"
	"github.com/rutaops/dispatch/internal/app/storage"
	"github.com/rutaops/dispatch/pkg/metrics"
)

// OptimizeParams carries the optimize request options.
type OptimizeParams struct {
	DriverStartTime string // HH:MM, overrides the route departure time
	DriverEndTime   string // HH:MM, closes the shift window
	Force           bool
	FirstStopID     string
	LastStopID      string
	UseHaversine    bool
}

// OptimizeOutcome is what an optimization returns to the API layer.
type OptimizeOutcome struct {
	Route   route.Route
	Stops   []route.Stop
	Plan    optimizer.Plan
	Skipped bool // fingerprint matched, nothing changed
}

// Optimize orders the route's stops. It is idempotent: when the fingerprint
// of the geocoded stops matches the stored optimization hash and no override
// or pin is given, the current order is returned untouched. Any first/last
// pin bypasses the short-circuit unconditionally and, on success, stores the
// fingerprint of the pinned result.
func (e *Engine) Optimize(ctx context.Context, routeID string, p OptimizeParams) (OptimizeOutcome, error) {
	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return OptimizeOutcome{}, err
	}
	if r.Status != route.StatusDraft && r.Status != route.StatusScheduled {
		return OptimizeOutcome{}, apperrors.Conflict("route can no longer be optimized")
	}

	stops, err := e.stores.Routes.ListStops(ctx, routeID)
	if err != nil {
		return OptimizeOutcome{}, apperrors.DatabaseError("list stops", err)
	}

	optStops := make([]optimizer.Stop, 0, len(stops))
	var unplanned []route.Stop
	for _, st := range stops {
		if !st.Geocoded() {
			unplanned = append(unplanned, st)
			continue
		}
		optStops = append(optStops, optimizer.Stop{
			ID:              st.ID,
			Pos:             geo.Point{Lat: *st.Lat, Lng: *st.Lng},
			ServiceMinutes:  st.EstimatedMinutes,
			TimeWindowStart: st.TimeWindowStart,
			TimeWindowEnd:   st.TimeWindowEnd,
			Priority:        st.Priority,
		})
	}
	if len(optStops) < 2 {
		return OptimizeOutcome{}, apperrors.ValidationFailed("stops", "at least two geocoded stops are required")
	}

	pinned := p.FirstStopID != "" || p.LastStopID != ""
	fingerprint := optimizer.Fingerprint(optStops)
	if !p.Force && !pinned && fingerprint == r.OptimizationHash && !r.OptimizedAt.IsZero() {
		return OptimizeOutcome{Route: r, Stops: stops, Skipped: true}, nil
	}

	depot, shiftStart, shiftEnd, err := e.optimizationWindow(ctx, r, p)
	if err != nil {
		return OptimizeOutcome{}, err
	}

	plan, err := e.optimizer.Optimize(ctx, optimizer.Request{
		Depot:        depot,
		Stops:        optStops,
		ShiftStart:   shiftStart,
		ShiftEnd:     shiftEnd,
		FirstStopID:  p.FirstStopID,
		LastStopID:   p.LastStopID,
		UseHaversine: p.UseHaversine,
	})
	if err != nil {
		var optErr *optimizer.Error
		if errors.As(err, &optErr) {
			metrics.ObserveOptimizerRun("unknown", "error")
			switch optErr.Kind {
			case optimizer.KindInvalidInput:
				return OptimizeOutcome{}, apperrors.ValidationFailed("stops", optErr.Msg)
			default:
				return OptimizeOutcome{}, apperrors.ProviderUnavailable("travel", err)
			}
		}
		return OptimizeOutcome{}, apperrors.Internal("optimize route", err)
	}
	metrics.ObserveOptimizerRun(plan.Provider, "ok")

	// Persist order via the two-phase reorder, then the per-stop estimates.
	orderedIDs := make([]string, 0, len(stops))
	orderedIDs = append(orderedIDs, plan.Order...)
	for _, id := range plan.Unserviceable {
		orderedIDs = append(orderedIDs, id)
	}
	for _, st := range unplanned {
		orderedIDs = append(orderedIDs, st.ID)
	}
	if err := e.stores.Routes.ReorderStops(ctx, routeID, orderedIDs); err != nil {
		return OptimizeOutcome{}, apperrors.DatabaseError("reorder stops", err)
	}

	updates := make([]storage.StopETA, 0, len(plan.Stops))
	for _, ps := range plan.Stops {
		travelCopy := ps.TravelMinutes
		updates = append(updates, storage.StopETA{
			StopID:                ps.StopID,
			EstimatedArrival:      ps.Arrival,
			TravelMinutesFromPrev: &travelCopy,
		})
	}
	if err := e.stores.Routes.SetStopETAs(ctx, updates); err != nil {
		return OptimizeOutcome{}, apperrors.DatabaseError("write stop ETAs", err)
	}

	// The stored hash reflects the persisted order, so an immediate re-run
	// recognizes its own result.
	byID := make(map[string]optimizer.Stop, len(optStops))
	for _, os := range optStops {
		byID[os.ID] = os
	}
	reordered := make([]optimizer.Stop, 0, len(optStops))
	for _, id := range orderedIDs {
		if os, ok := byID[id]; ok {
			reordered = append(reordered, os)
		}
	}

	now := e.clock.Now()
	r.TotalDistanceKm = plan.TotalDistanceKm
	r.TotalDurationMin = plan.TotalDurationMin
	r.OptimizedAt = now
	r.OptimizationHash = optimizer.Fingerprint(reordered)
	r.DepotReturnTime = plan.DepotReturnAt
	r, err = e.stores.Routes.UpdateRoute(ctx, r)
	if err != nil {
		return OptimizeOutcome{}, apperrors.DatabaseError("update route", err)
	}

	updatedStops, err := e.stores.Routes.ListStops(ctx, routeID)
	if err != nil {
		return OptimizeOutcome{}, apperrors.DatabaseError("list stops", err)
	}
	return OptimizeOutcome{Route: r, Stops: updatedStops, Plan: plan}, nil
}

// optimizationWindow resolves the depot origin and the driver shift window.
func (e *Engine) optimizationWindow(ctx context.Context, r route.Route, p OptimizeParams) (geo.Point, time.Time, time.Time, error) {
	var depot geo.Point
	switch {
	case r.OriginLat != nil && r.OriginLng != nil:
		depot = geo.Point{Lat: *r.OriginLat, Lng: *r.OriginLng}
	default:
		d, err := e.depotFor(ctx, r)
		if err != nil {
			return geo.Point{}, time.Time{}, time.Time{}, apperrors.ValidationFailed("depot", "route has no origin and no depot is configured")
		}
		depot = geo.Point{Lat: d.Lat, Lng: d.Lng}
	}

	day := r.ScheduledDate
	if day.IsZero() {
		day = e.clock.Now()
	}

	startHHMM := p.DriverStartTime
	if startHHMM == "" {
		startHHMM = r.DepartureTime
	}
	shiftStart, err := atClock(day, startHHMM, e.clock.Now())
	if err != nil {
		return geo.Point{}, time.Time{}, time.Time{}, apperrors.InvalidFormat("driverStartTime", "HH:MM")
	}

	var shiftEnd time.Time
	if p.DriverEndTime != "" {
		shiftEnd, err = atClock(day, p.DriverEndTime, time.Time{})
		if err != nil {
			return geo.Point{}, time.Time{}, time.Time{}, apperrors.InvalidFormat("driverEndTime", "HH:MM")
		}
		if !shiftEnd.After(shiftStart) {
			shiftEnd = shiftEnd.Add(24 * time.Hour)
		}
	}
	return depot, shiftStart, shiftEnd, nil
}

// atClock anchors an HH:MM wall time on the given day; empty falls back.
func atClock(day time.Time, hhmm string, fallback time.Time) (time.Time, error) {
	if hhmm == "" {
		if fallback.IsZero() {
			return time.Time{}, fmt.Errorf("no time given")
		}
		return fallback, nil
	}
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC), nil
}

// --- route assembly ---------------------------------------------------------

// CreateRoute creates a DRAFT route.
func (e *Engine) CreateRoute(ctx context.Context, r route.Route) (route.Route, error) {
	r.Status = route.StatusDraft
	created, err := e.stores.Routes.CreateRoute(ctx, r)
	if err != nil {
		return route.Route{}, apperrors.DatabaseError("create route", err)
	}
	return created, nil
}

// AddStop appends a stop, denormalizing coordinates from its address and
// applying the delivery proof defaults.
func (e *Engine) AddStop(ctx context.Context, routeID, addressID string, st route.Stop) (route.Stop, error) {
	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return route.Stop{}, err
	}
	if r.Status != route.StatusDraft && r.Status != route.StatusScheduled {
		return route.Stop{}, apperrors.Conflict("stops can only be added before the route starts")
	}

	addr, err := e.stores.Addresses.GetAddress(ctx, addressID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return route.Stop{}, apperrors.NotFound("address", addressID)
		}
		return route.Stop{}, apperrors.DatabaseError("get address", err)
	}

	st.RouteID = routeID
	st.AddressID = addressID
	st.Lat, st.Lng = addr.Lat, addr.Lng
	if st.CustomerRut == "" {
		st.CustomerRut = addr.CustomerRut
	}
	if st.ExternalOrderID == "" {
		st.ExternalOrderID = addr.ExternalOrderID
	}
	e.applyDeliveryDefaults(ctx, &st)

	created, err := e.stores.Routes.AddStop(ctx, st)
	if err != nil {
		return route.Stop{}, apperrors.DatabaseError("add stop", err)
	}
	return created, nil
}

func (e *Engine) applyDeliveryDefaults(ctx context.Context, st *route.Stop) {
	var cfg settings.Delivery
	if raw, err := e.stores.Settings.GetSetting(ctx, settings.KeyDelivery); err == nil {
		_ = json.Unmarshal(raw, &cfg)
	}
	if st.EstimatedMinutes == 0 {
		if cfg.ServiceMinutes > 0 {
			st.EstimatedMinutes = cfg.ServiceMinutes
		} else {
			st.EstimatedMinutes = 10
		}
	}
	if cfg.ProofEnabled {
		st.RequireSignature = st.RequireSignature || cfg.RequireSignature
		st.RequirePhoto = st.RequirePhoto || cfg.RequirePhoto
	}
}

// Reorder rewrites the stop sequence. Re-submitting the current order is a
// no-op that must still respect the sequence uniqueness, which the store's
// two-phase write guarantees.
func (e *Engine) Reorder(ctx context.Context, routeID string, orderedIDs []string) ([]route.Stop, error) {
	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if r.Status != route.StatusDraft && r.Status != route.StatusScheduled {
		return nil, apperrors.Conflict("stops can only be reordered before the route starts")
	}

	if err := e.stores.Routes.ReorderStops(ctx, routeID, orderedIDs); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return nil, apperrors.ValidationFailed("stopIds", "must list every stop of the route exactly once")
		case errors.Is(err, storage.ErrNotFound):
			return nil, apperrors.ValidationFailed("stopIds", "unknown stop id")
		default:
			return nil, apperrors.DatabaseError("reorder stops", err)
		}
	}
	stops, err := e.stores.Routes.ListStops(ctx, routeID)
	if err != nil {
		return nil, apperrors.DatabaseError("list stops", err)
	}
	return stops, nil
}

// ImportStop is one inbound stop of a third-party import.
type ImportStop struct {
	Street          string
	City            string
	FullAddress     string
	Lat             *float64
	Lng             *float64
	CustomerName    string
	CustomerPhone   string
	CustomerRut     string
	ExternalOrderID string
	ServiceMinutes  int
	Priority        int
	TimeWindowStart time.Time
	TimeWindowEnd   time.Time
	PaymentMethod   string
	PaymentAmount   float64
	Notes           string
}

// Import creates a draft route, its addresses, and its stops in one
// transaction. Used by third-party integrators.
func (e *Engine) Import(ctx context.Context, name, createdBy, driverID string, scheduledDate time.Time, in []ImportStop) (route.Route, []route.Stop, error) {
	if len(in) == 0 {
		return route.Route{}, nil, apperrors.ValidationFailed("stops", "at least one stop is required")
	}

	r := route.Route{
		Name:             name,
		Status:           route.StatusDraft,
		ScheduledDate:    scheduledDate,
		AssignedDriverID: driverID,
		CreatedBy:        createdBy,
	}

	addrs := make([]address.Address, 0, len(in))
	stops := make([]route.Stop, 0, len(in))
	for i, is := range in {
		status := address.GeocodePending
		if is.Lat != nil && is.Lng != nil {
			status = address.GeocodeManual
		}
		addrs = append(addrs, address.Address{
			Street:          is.Street,
			City:            is.City,
			FullAddress:     is.FullAddress,
			Lat:             is.Lat,
			Lng:             is.Lng,
			GeocodeStatus:   status,
			CustomerName:    is.CustomerName,
			CustomerPhone:   is.CustomerPhone,
			CustomerRut:     is.CustomerRut,
			ExternalOrderID: is.ExternalOrderID,
			PaymentMethod:   is.PaymentMethod,
		})
		st := route.Stop{
			SequenceOrder:   i + 1,
			EstimatedMinutes: is.ServiceMinutes,
			Priority:        is.Priority,
			TimeWindowStart: is.TimeWindowStart,
			TimeWindowEnd:   is.TimeWindowEnd,
			CustomerRut:     is.CustomerRut,
			ExternalOrderID: is.ExternalOrderID,
			PaymentMethod:   is.PaymentMethod,
			PaymentAmount:   is.PaymentAmount,
			Notes:           is.Notes,
			Lat:             is.Lat,
			Lng:             is.Lng,
		}
		e.applyDeliveryDefaults(ctx, &st)
		stops = append(stops, st)
	}

	created, err := e.stores.Routes.ImportRoute(ctx, r, addrs, stops)
	if err != nil {
		return route.Route{}, nil, apperrors.DatabaseError("import route", err)
	}
	createdStops, err := e.stores.Routes.ListStops(ctx, created.ID)
	if err != nil {
		return route.Route{}, nil, apperrors.DatabaseError("list stops", err)
	}
	return created, createdStops, nil
}
