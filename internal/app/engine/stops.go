package engine

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/rutaops/dispatch/infrastructure/errors"
	"github.com/rutaops/dispatch/internal/app/domain/payment"
	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/geo"
	"github.com/rutaops/dispatch/internal/app/live"
	"github.com/rutaops/dispatch/internal/app/storage"
	"github.com/rutaops/dispatch/internal/app/webhook"
)

// CompleteStopParams carries the terminal event for one stop.
type CompleteStopParams struct {
	Status        route.StopStatus // COMPLETED, FAILED, or SKIPPED
	Notes         string
	FailureReason string
	SignatureURL  string
	PhotoURL      string
	PaymentAmount float64
	PaymentMethod string
}

// CompleteStop writes the terminal status, recalculates downstream ETAs when
// the driver is off schedule, and fans out the notifications. Two concurrent
// calls on the same stop resolve first-one-wins; the loser gets a Conflict.
func (e *Engine) CompleteStop(ctx context.Context, routeID, stopID string, p CompleteStopParams) (route.Stop, error) {
	if !p.Status.Terminal() {
		return route.Stop{}, apperrors.ValidationFailed("status", "must be COMPLETED, FAILED, or SKIPPED")
	}

	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return route.Stop{}, err
	}
	switch r.Status {
	case route.StatusInProgress:
	case route.StatusScheduled:
		// A driver completing a stop on a scheduled route implicitly started
		// it; promote so the frozen ETAs exist.
		if r, err = e.Start(ctx, routeID); err != nil {
			return route.Stop{}, err
		}
	default:
		return route.Stop{}, apperrors.Conflict("route is not in progress")
	}

	st, err := e.stores.Routes.GetStop(ctx, stopID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return route.Stop{}, apperrors.NotFound("stop", stopID)
		}
		return route.Stop{}, apperrors.DatabaseError("get stop", err)
	}
	if st.RouteID != routeID {
		return route.Stop{}, apperrors.NotFound("stop", stopID)
	}

	if p.Status == route.StopCompleted {
		if st.RequireSignature && p.SignatureURL == "" && st.SignatureURL == "" {
			return route.Stop{}, apperrors.ValidationFailed("signatureUrl", "signature proof is required for this stop")
		}
		if st.RequirePhoto && p.PhotoURL == "" && st.PhotoURL == "" {
			return route.Stop{}, apperrors.ValidationFailed("photoUrl", "photo proof is required for this stop")
		}
	}
	if p.Status == route.StopFailed && p.FailureReason == "" {
		return route.Stop{}, apperrors.ValidationFailed("failureReason", "a failure reason is required")
	}

	now := e.clock.Now()
	updated, err := e.stores.Routes.MarkStopTerminal(ctx, stopID, storage.TerminalStopWrite{
		Status:        p.Status,
		CompletedAt:   now,
		Notes:         p.Notes,
		FailureReason: p.FailureReason,
		SignatureURL:  p.SignatureURL,
		PhotoURL:      p.PhotoURL,
		PaymentAmount: p.PaymentAmount,
		PaymentMethod: p.PaymentMethod,
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyProcessed) {
			return route.Stop{}, apperrors.Conflict("stop already processed")
		}
		return route.Stop{}, apperrors.DatabaseError("complete stop", err)
	}

	if p.PaymentAmount > 0 {
		if _, err := e.stores.Payments.CreatePayment(ctx, payment.Payment{
			StopID:      updated.ID,
			Amount:      p.PaymentAmount,
			Method:      payment.Method(p.PaymentMethod),
			CustomerRut: updated.CustomerRut,
		}); err != nil {
			e.log.WithError(err).WithField("stop_id", updated.ID).Warn("record payment")
		}
	}

	// Recalculation failures leave previously stored ETAs intact; they never
	// fail the completion.
	recalc, err := e.RecalculateETAs(ctx, r, updated, now)
	if err != nil {
		e.log.WithError(err).WithField("route_id", r.ID).Warn("eta recalculation failed")
	}

	e.hub.Broadcast(r.ID, live.EventStopStatus, map[string]any{
		"routeId": r.ID,
		"stopId":  updated.ID,
		"status":  updated.Status,
	})

	stops, listErr := e.stores.Routes.ListStops(ctx, r.ID)
	if listErr != nil {
		e.log.WithError(listErr).Warn("stop completion: list stops")
		return updated, nil
	}

	names := e.addressNames(ctx, stops)
	notif := e.notificationSettings(ctx)
	remaining := remainingStops(stops)
	event := webhook.TerminalStopEvent(updated.Status)
	payloadMeta := map[string]any{"recalculated": recalc.Recalculated}
	if recalc.SkippedReason != "" {
		payloadMeta["skippedReason"] = recalc.SkippedReason
	}
	e.fireWebhook(ctx, event, webhook.Build(event, r, e.driverOf(ctx, r), &updated, remaining, names, notif, payloadMeta))

	if len(remaining) == 0 {
		if _, err := e.completeRoute(ctx, r, now); err != nil {
			e.log.WithError(err).WithField("route_id", r.ID).Error("auto-complete route")
		}
	}

	return updated, nil
}

// MarkInTransit moves a PENDING stop to IN_TRANSIT, refreshing its estimate
// from the driver's last known position when one exists.
func (e *Engine) MarkInTransit(ctx context.Context, routeID, stopID string) (route.Stop, error) {
	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return route.Stop{}, err
	}
	if r.Status != route.StatusInProgress {
		return route.Stop{}, apperrors.Conflict("route is not in progress")
	}

	st, err := e.stores.Routes.GetStop(ctx, stopID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return route.Stop{}, apperrors.NotFound("stop", stopID)
		}
		return route.Stop{}, apperrors.DatabaseError("get stop", err)
	}
	if st.RouteID != routeID {
		return route.Stop{}, apperrors.NotFound("stop", stopID)
	}

	var eta time.Time
	if r.DriverLat != nil && r.DriverLng != nil && st.Geocoded() && e.legs != nil {
		origin := geo.Point{Lat: *r.DriverLat, Lng: *r.DriverLng}
		dest := geo.Point{Lat: *st.Lat, Lng: *st.Lng}
		if minutes, _, err := e.legs.TravelTime(ctx, origin, dest, e.clock.Now()); err == nil {
			eta = e.clock.Now().Add(time.Duration(minutes * float64(time.Minute)))
		} else {
			e.log.WithError(err).Debug("in-transit ETA refresh failed")
		}
	}

	updated, err := e.stores.Routes.MarkStopInTransit(ctx, stopID, eta)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyProcessed):
			return route.Stop{}, apperrors.Conflict("stop already processed")
		case errors.Is(err, storage.ErrConflict):
			return route.Stop{}, apperrors.Conflict("stop is not pending")
		default:
			return route.Stop{}, apperrors.DatabaseError("mark stop in transit", err)
		}
	}

	e.hub.Broadcast(r.ID, live.EventStopInTransit, map[string]any{
		"routeId":          r.ID,
		"stopId":           updated.ID,
		"status":           updated.Status,
		"estimatedArrival": updated.EstimatedArrival,
	})

	names := e.addressNames(ctx, []route.Stop{updated})
	e.fireWebhook(ctx, webhook.EventStopInTransit,
		webhook.Build(webhook.EventStopInTransit, r, e.driverOf(ctx, r), &updated, nil, names,
			e.notificationSettings(ctx), nil))

	return updated, nil
}

// LocationUpdate is one driver position sample.
type LocationUpdate struct {
	Lat      float64
	Lng      float64
	Heading  *float64
	Speed    *float64
	Accuracy *float64
}

// UpdateLocation stores the driver's live position (last writer wins) and
// broadcasts it. Rejected unless the route is IN_PROGRESS.
func (e *Engine) UpdateLocation(ctx context.Context, routeID string, loc LocationUpdate) error {
	if !(geo.Point{Lat: loc.Lat, Lng: loc.Lng}).Valid() {
		return apperrors.ValidationFailed("latitude", "coordinates out of range")
	}

	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return err
	}
	if r.Status != route.StatusInProgress {
		return apperrors.Conflict("route is not in progress")
	}

	now := e.clock.Now()
	if err := e.stores.Routes.UpdateDriverLocation(ctx, route.TrackingPoint{
		RouteID:    routeID,
		Lat:        loc.Lat,
		Lng:        loc.Lng,
		Heading:    loc.Heading,
		Speed:      loc.Speed,
		Accuracy:   loc.Accuracy,
		RecordedAt: now,
	}); err != nil {
		return apperrors.DatabaseError("update driver location", err)
	}

	e.hub.Broadcast(routeID, live.EventDriverLocation, map[string]any{
		"routeId":   routeID,
		"latitude":  loc.Lat,
		"longitude": loc.Lng,
		"heading":   loc.Heading,
		"speed":     loc.Speed,
		"at":        now,
	})
	return nil
}
