package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/geo"
	"github.com/rutaops/dispatch/internal/app/storage"
	"github.com/rutaops/dispatch/internal/app/webhook"
)

// deviationGate suppresses recalculation while the driver is close to the
// frozen schedule. It keeps quoted ETA windows stable and avoids one provider
// call per downstream stop on every on-time completion.
const deviationGate = 15 * time.Minute

// RecalcResult reports what the recalculation pass did.
type RecalcResult struct {
	Recalculated  bool
	SkippedReason string
	UpdatedStops  int
}

// RecalculateETAs shifts downstream estimates after a stop completion.
// originalEstimatedArrival is never touched here: only the live estimates
// move; the frozen customer-facing window stays put.
func (e *Engine) RecalculateETAs(ctx context.Context, r route.Route, completed route.Stop, completedAt time.Time) (RecalcResult, error) {
	if completed.OriginalEstimated.IsZero() {
		return RecalcResult{SkippedReason: "no_frozen_eta"}, nil
	}

	deviation := completedAt.Sub(completed.OriginalEstimated)
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation <= deviationGate {
		return RecalcResult{SkippedReason: "on_time"}, nil
	}

	if !completed.Geocoded() {
		return RecalcResult{SkippedReason: "no_coordinates"}, nil
	}
	if e.legs == nil {
		return RecalcResult{SkippedReason: "no_provider"}, nil
	}

	stops, err := e.stores.Routes.ListStops(ctx, r.ID)
	if err != nil {
		return RecalcResult{}, err
	}

	current := completedAt.Add(time.Duration(completed.EstimatedMinutes) * time.Minute)
	prev := geo.Point{Lat: *completed.Lat, Lng: *completed.Lng}

	var updates []storage.StopETA
	var lastDownstream *route.Stop
	for i := range stops {
		st := stops[i]
		if st.SequenceOrder <= completed.SequenceOrder || st.Status.Terminal() || !st.Geocoded() {
			continue
		}
		dest := geo.Point{Lat: *st.Lat, Lng: *st.Lng}
		minutes, _, err := e.legs.TravelTime(ctx, prev, dest, current)
		if err != nil {
			// Abort wholesale: stored estimates stay intact.
			return RecalcResult{}, fmt.Errorf("travel time for stop %s: %w", st.ID, err)
		}
		eta := current.Add(time.Duration(minutes * float64(time.Minute)))
		travelCopy := minutes
		updates = append(updates, storage.StopETA{
			StopID:                st.ID,
			EstimatedArrival:      eta,
			TravelMinutesFromPrev: &travelCopy,
		})
		current = eta.Add(time.Duration(st.EstimatedMinutes) * time.Minute)
		prev = dest
		lastDownstream = &stops[i]
	}

	if len(updates) == 0 {
		return RecalcResult{SkippedReason: "no_downstream_stops"}, nil
	}

	if err := e.stores.Routes.SetStopETAs(ctx, updates); err != nil {
		return RecalcResult{}, err
	}

	e.updateDepotReturn(ctx, &r, lastDownstream, current)
	e.emitEtaUpdated(ctx, r, completed)

	return RecalcResult{Recalculated: true, UpdatedStops: len(updates)}, nil
}

// updateDepotReturn recomputes the return-to-depot instant from the last
// downstream stop's departure.
func (e *Engine) updateDepotReturn(ctx context.Context, r *route.Route, last *route.Stop, departure time.Time) {
	if last == nil || !last.Geocoded() {
		return
	}
	d, err := e.depotFor(ctx, *r)
	if err != nil {
		return
	}
	minutes, _, err := e.legs.TravelTime(ctx,
		geo.Point{Lat: *last.Lat, Lng: *last.Lng},
		geo.Point{Lat: d.Lat, Lng: d.Lng},
		departure)
	if err != nil {
		e.log.WithError(err).Debug("depot return recalculation failed")
		return
	}
	r.DepotReturnTime = departure.Add(time.Duration(minutes * float64(time.Minute)))
	if updated, err := e.stores.Routes.UpdateRoute(ctx, *r); err == nil {
		*r = updated
	} else {
		e.log.WithError(err).Warn("persist depot return time")
	}
}

func (e *Engine) depotFor(ctx context.Context, r route.Route) (depotPoint, error) {
	if r.DepotID != "" {
		d, err := e.stores.Depots.GetDepot(ctx, r.DepotID)
		if err == nil {
			return depotPoint{Lat: d.Lat, Lng: d.Lng}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return depotPoint{}, err
		}
	}
	d, err := e.stores.Depots.GetDefaultDepot(ctx)
	if err != nil {
		return depotPoint{}, err
	}
	return depotPoint{Lat: d.Lat, Lng: d.Lng}, nil
}

type depotPoint struct {
	Lat float64
	Lng float64
}

// emitEtaUpdated refetches the downstream stops so the payload carries the
// just-committed estimates.
func (e *Engine) emitEtaUpdated(ctx context.Context, r route.Route, completed route.Stop) {
	stops, err := e.stores.Routes.ListStops(ctx, r.ID)
	if err != nil {
		e.log.WithError(err).Warn("eta.updated payload: list stops")
		return
	}
	var downstream []route.Stop
	for _, st := range stops {
		if st.SequenceOrder > completed.SequenceOrder && !st.Status.Terminal() {
			downstream = append(downstream, st)
		}
	}
	names := e.addressNames(ctx, downstream)
	payload := webhook.Build(webhook.EventEtaUpdated, r, e.driverOf(ctx, r), nil, downstream, names,
		e.notificationSettings(ctx), map[string]any{"reason": "stop_completed"})
	e.fireWebhook(ctx, webhook.EventEtaUpdated, payload)
}
