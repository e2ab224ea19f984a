// Package engine owns the route/stop state machine. It is the only component
// that mutates route and stop statuses; every observable mutation is emitted
// post-commit on the live channel and, when configured, to the webhook
// dispatcher and the push notifier.
package engine

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/rutaops/dispatch/infrastructure/errors"
	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/domain/settings"
	"github.com/rutaops/dispatch/internal/app/domain/user"
	"github.com/rutaops/dispatch/internal/app/geo"
	"github.com/rutaops/dispatch/internal/app/live"
	"github.com/rutaops/dispatch/internal/app/optimizer"
	"github.com/rutaops/dispatch/internal/app/push"
	"github.com/rutaops/dispatch/internal/app/storage"
	"github.com/rutaops/dispatch/internal/app/travel"
	"github.com/rutaops/dispatch/internal/app/webhook"
	"github.com/rutaops/dispatch/pkg/logger"
)

// Engine coordinates the stores, the optimizer, and the notification fabric.
type Engine struct {
	stores    storage.Stores
	optimizer *optimizer.Optimizer
	legs      travel.Provider // single-leg queries for recalculation and in-transit refresh
	hub       *live.Hub
	webhooks  *webhook.Dispatcher
	push      *push.Notifier
	clock     geo.Clock
	log       *logger.Logger

	adminDeletePassword string
}

// Options bundles the collaborators.
type Options struct {
	Stores              storage.Stores
	Optimizer           *optimizer.Optimizer
	Legs                travel.Provider
	Hub                 *live.Hub
	Webhooks            *webhook.Dispatcher
	Push                *push.Notifier
	Clock               geo.Clock
	Log                 *logger.Logger
	AdminDeletePassword string
}

// New wires an Engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = geo.SystemClock{}
	}
	if opts.Log == nil {
		opts.Log = logger.NewDefault("engine")
	}
	return &Engine{
		stores:              opts.Stores,
		optimizer:           opts.Optimizer,
		legs:                opts.Legs,
		hub:                 opts.Hub,
		webhooks:            opts.Webhooks,
		push:                opts.Push,
		clock:               opts.Clock,
		log:                 opts.Log,
		adminDeletePassword: opts.AdminDeletePassword,
	}
}

// --- settings views ---------------------------------------------------------

func (e *Engine) webhookSettings(ctx context.Context) settings.Webhook {
	var cfg settings.Webhook
	raw, err := e.stores.Settings.GetSetting(ctx, settings.KeyWebhook)
	if err != nil {
		return cfg
	}
	_ = json.Unmarshal(raw, &cfg)
	return cfg
}

func (e *Engine) notificationSettings(ctx context.Context) settings.Notifications {
	cfg := settings.DefaultNotifications()
	raw, err := e.stores.Settings.GetSetting(ctx, settings.KeyNotifications)
	if err != nil {
		return cfg
	}
	_ = json.Unmarshal(raw, &cfg)
	return cfg
}

// fireWebhook sends event fire-and-forget when webhooks are enabled.
func (e *Engine) fireWebhook(ctx context.Context, event string, payload webhook.Payload) {
	cfg := e.webhookSettings(ctx)
	if !cfg.Enabled || cfg.URL == "" || e.webhooks == nil {
		return
	}
	e.webhooks.Go(cfg.URL, event, payload, cfg.Secret, 0)
}

func (e *Engine) driverOf(ctx context.Context, r route.Route) *user.User {
	if r.AssignedDriverID == "" {
		return nil
	}
	u, err := e.stores.Users.GetUser(ctx, r.AssignedDriverID)
	if err != nil {
		return nil
	}
	return &u
}

// addressNames resolves customer names for payload rendering.
func (e *Engine) addressNames(ctx context.Context, stops []route.Stop) map[string]string {
	names := make(map[string]string)
	for _, st := range stops {
		if _, ok := names[st.AddressID]; ok {
			continue
		}
		if a, err := e.stores.Addresses.GetAddress(ctx, st.AddressID); err == nil {
			names[st.AddressID] = a.CustomerName
		}
	}
	return names
}

// remainingStops returns the non-terminal stops in sequence order.
func remainingStops(stops []route.Stop) []route.Stop {
	var out []route.Stop
	for _, st := range stops {
		if !st.Status.Terminal() {
			out = append(out, st)
		}
	}
	return out
}

func (e *Engine) getRoute(ctx context.Context, id string) (route.Route, error) {
	r, err := e.stores.Routes.GetRoute(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return route.Route{}, apperrors.NotFound("route", id)
		}
		return route.Route{}, apperrors.DatabaseError("get route", err)
	}
	return r, nil
}

// --- route lifecycle --------------------------------------------------------

// Send transitions DRAFT → SCHEDULED and notifies the driver's device.
func (e *Engine) Send(ctx context.Context, routeID string) (route.Route, error) {
	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return route.Route{}, err
	}
	if !r.SentAt.IsZero() || r.Status != route.StatusDraft {
		return route.Route{}, apperrors.Conflict("route already sent")
	}
	if r.OptimizedAt.IsZero() {
		return route.Route{}, apperrors.Conflict("route must be optimized before sending")
	}
	if r.AssignedDriverID == "" {
		return route.Route{}, apperrors.Conflict("route has no assigned driver")
	}

	now := e.clock.Now()
	r.Status = route.StatusScheduled
	r.SentAt = now
	r, err = e.stores.Routes.UpdateRoute(ctx, r)
	if err != nil {
		return route.Route{}, apperrors.DatabaseError("update route", err)
	}

	e.hub.Broadcast(r.ID, live.EventRouteSent, map[string]any{
		"routeId": r.ID, "status": r.Status, "sentAt": r.SentAt,
	})
	if e.push != nil {
		e.push.SendToUser(ctx, r.AssignedDriverID, push.Notification{
			Title: "New route assigned",
			Body:  fmt.Sprintf("Route %s is ready to load", r.Name),
			Data:  map[string]string{"type": "route.sent", "routeId": r.ID},
		})
	}
	return r, nil
}

// Unsend returns a not-yet-started SCHEDULED route to DRAFT.
func (e *Engine) Unsend(ctx context.Context, routeID string) (route.Route, error) {
	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return route.Route{}, err
	}
	if r.Status != route.StatusScheduled || !r.StartedAt.IsZero() {
		return route.Route{}, apperrors.Conflict("route cannot be unsent")
	}

	r.Status = route.StatusDraft
	r.SentAt = time.Time{}
	r.LoadedAt = time.Time{}
	r, err = e.stores.Routes.UpdateRoute(ctx, r)
	if err != nil {
		return route.Route{}, apperrors.DatabaseError("update route", err)
	}
	return r, nil
}

// MarkLoaded records the driver's loading acknowledgement.
func (e *Engine) MarkLoaded(ctx context.Context, routeID, driverID string) (route.Route, error) {
	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return route.Route{}, err
	}
	if driverID != "" && r.AssignedDriverID != driverID {
		return route.Route{}, apperrors.Forbidden("route is assigned to another driver")
	}
	if r.Status != route.StatusScheduled {
		return route.Route{}, apperrors.Conflict("route is not scheduled")
	}

	r.LoadedAt = e.clock.Now()
	r, err = e.stores.Routes.UpdateRoute(ctx, r)
	if err != nil {
		return route.Route{}, apperrors.DatabaseError("update route", err)
	}

	e.hub.Broadcast(r.ID, live.EventRouteLoaded, map[string]any{
		"routeId": r.ID, "loadedAt": r.LoadedAt,
	})
	return r, nil
}

// Start freezes ETAs and moves the route IN_PROGRESS. The frozen
// originalEstimatedArrival values are the contract with the customer; they
// are written once here and never touched again.
func (e *Engine) Start(ctx context.Context, routeID string) (route.Route, error) {
	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return route.Route{}, err
	}
	if r.Status != route.StatusScheduled {
		return route.Route{}, apperrors.Conflict("route is not scheduled")
	}
	if r.SentAt.IsZero() {
		return route.Route{}, apperrors.Conflict("route was never sent")
	}

	if active, err := e.stores.Routes.ActiveRouteForDriver(ctx, r.AssignedDriverID); err == nil && active.ID != r.ID {
		return route.Route{}, apperrors.Conflict("driver already has an active route").
			WithDetails("activeRouteId", active.ID)
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return route.Route{}, apperrors.DatabaseError("check active route", err)
	}

	now := e.clock.Now()
	if err := e.freezeETAs(ctx, r.ID, now); err != nil {
		return route.Route{}, err
	}

	r.Status = route.StatusInProgress
	r.StartedAt = now
	r.ActualStartTime = now
	r, err = e.stores.Routes.UpdateRoute(ctx, r)
	if err != nil {
		return route.Route{}, apperrors.DatabaseError("update route", err)
	}

	e.emitRouteStarted(ctx, r)
	return r, nil
}

// freezeETAs anchors the plan at now and walks the stops in sequence order.
func (e *Engine) freezeETAs(ctx context.Context, routeID string, now time.Time) error {
	stops, err := e.stores.Routes.ListStops(ctx, routeID)
	if err != nil {
		return apperrors.DatabaseError("list stops", err)
	}

	current := now
	updates := make([]storage.StopETA, 0, len(stops))
	for _, st := range stops {
		if st.Status.Terminal() {
			continue
		}
		eta := current.Add(time.Duration(st.TravelMinutesFromPrev * float64(time.Minute)))
		updates = append(updates, storage.StopETA{
			StopID:           st.ID,
			EstimatedArrival: eta,
			SetOriginal:      true,
		})
		current = eta.Add(time.Duration(st.EstimatedMinutes) * time.Minute)
	}

	if err := e.stores.Routes.SetStopETAs(ctx, updates); err != nil {
		return apperrors.DatabaseError("freeze stop ETAs", err)
	}
	return nil
}

func (e *Engine) emitRouteStarted(ctx context.Context, r route.Route) {
	e.hub.Broadcast(r.ID, live.EventRouteStarted, map[string]any{
		"routeId": r.ID, "status": r.Status, "startedAt": r.StartedAt,
	})

	stops, err := e.stores.Routes.ListStops(ctx, r.ID)
	if err != nil {
		e.log.WithError(err).Warn("route.started payload: list stops")
		return
	}
	names := e.addressNames(ctx, stops)
	payload := webhook.Build(webhook.EventRouteStarted, r, e.driverOf(ctx, r), nil,
		remainingStops(stops), names, e.notificationSettings(ctx), nil)
	e.fireWebhook(ctx, webhook.EventRouteStarted, payload)
}

// Pause suspends an IN_PROGRESS route.
func (e *Engine) Pause(ctx context.Context, routeID string) (route.Route, error) {
	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return route.Route{}, err
	}
	if r.Status != route.StatusInProgress {
		return route.Route{}, apperrors.Conflict("route is not in progress")
	}

	r.Status = route.StatusPaused
	r.PausedAt = e.clock.Now()
	r, err = e.stores.Routes.UpdateRoute(ctx, r)
	if err != nil {
		return route.Route{}, apperrors.DatabaseError("update route", err)
	}
	return r, nil
}

// Resume reactivates a PAUSED route.
func (e *Engine) Resume(ctx context.Context, routeID string) (route.Route, error) {
	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return route.Route{}, err
	}
	if r.Status != route.StatusPaused {
		return route.Route{}, apperrors.Conflict("route is not paused")
	}

	r.Status = route.StatusInProgress
	r.PausedAt = time.Time{}
	r, err = e.stores.Routes.UpdateRoute(ctx, r)
	if err != nil {
		return route.Route{}, apperrors.DatabaseError("update route", err)
	}
	return r, nil
}

// Complete finishes an IN_PROGRESS route. Stops still open are marked
// SKIPPED so the completed route satisfies the all-stops-terminal invariant.
func (e *Engine) Complete(ctx context.Context, routeID string) (route.Route, error) {
	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return route.Route{}, err
	}
	if r.Status != route.StatusInProgress {
		return route.Route{}, apperrors.Conflict("route is not in progress")
	}

	now := e.clock.Now()
	stops, err := e.stores.Routes.ListStops(ctx, routeID)
	if err != nil {
		return route.Route{}, apperrors.DatabaseError("list stops", err)
	}
	for _, st := range stops {
		if st.Status.Terminal() {
			continue
		}
		if _, err := e.stores.Routes.MarkStopTerminal(ctx, st.ID, storage.TerminalStopWrite{
			Status:      route.StopSkipped,
			CompletedAt: now,
		}); err != nil && !errors.Is(err, storage.ErrAlreadyProcessed) {
			return route.Route{}, apperrors.DatabaseError("skip stop", err)
		}
	}

	return e.completeRoute(ctx, r, now)
}

func (e *Engine) completeRoute(ctx context.Context, r route.Route, now time.Time) (route.Route, error) {
	r.Status = route.StatusCompleted
	r.CompletedAt = now
	r, err := e.stores.Routes.UpdateRoute(ctx, r)
	if err != nil {
		return route.Route{}, apperrors.DatabaseError("update route", err)
	}

	e.hub.Broadcast(r.ID, live.EventRouteCompleted, map[string]any{
		"routeId": r.ID, "status": r.Status, "completedAt": r.CompletedAt,
	})
	payload := webhook.Build(webhook.EventRouteCompleted, r, e.driverOf(ctx, r), nil, nil, nil,
		e.notificationSettings(ctx), nil)
	e.fireWebhook(ctx, webhook.EventRouteCompleted, payload)
	return r, nil
}

// Delete removes a route. Non-draft routes require the admin password; the
// comparison is constant-time.
func (e *Engine) Delete(ctx context.Context, routeID string, callerRole user.Role, adminPassword string) error {
	r, err := e.getRoute(ctx, routeID)
	if err != nil {
		return err
	}
	if r.Status != route.StatusDraft {
		if callerRole != user.RoleAdmin {
			return apperrors.Forbidden("only admins may delete non-draft routes")
		}
		if e.adminDeletePassword == "" ||
			subtle.ConstantTimeCompare([]byte(adminPassword), []byte(e.adminDeletePassword)) != 1 {
			return apperrors.Forbidden("admin password required")
		}
	}

	if err := e.stores.Routes.DeleteRoute(ctx, routeID); err != nil {
		return apperrors.DatabaseError("delete route", err)
	}
	e.log.WithField("route_id", routeID).WithField("audit", true).Info("route deleted")
	return nil
}
