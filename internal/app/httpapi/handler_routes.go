package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/rutaops/dispatch/infrastructure/errors"
	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/domain/user"
	"github.com/rutaops/dispatch/internal/app/engine"
	"github.com/rutaops/dispatch/internal/app/storage"
)

type routeDTO struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Status           string     `json:"status"`
	ScheduledDate    *time.Time `json:"scheduledDate,omitempty"`
	DepartureTime    string     `json:"departureTime,omitempty"`
	DepotID          string     `json:"depotId,omitempty"`
	AssignedDriverID string     `json:"assignedDriverId,omitempty"`
	SentAt           *time.Time `json:"sentAt,omitempty"`
	LoadedAt         *time.Time `json:"loadedAt,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	PausedAt         *time.Time `json:"pausedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	TotalDistanceKm  float64    `json:"totalDistanceKm"`
	TotalDurationMin float64    `json:"totalDurationMin"`
	OptimizedAt      *time.Time `json:"optimizedAt,omitempty"`
	DepotReturnTime  *time.Time `json:"depotReturnTime,omitempty"`
	DriverLat        *float64   `json:"driverLat,omitempty"`
	DriverLng        *float64   `json:"driverLng,omitempty"`
	DriverLocationAt *time.Time `json:"driverLocationAt,omitempty"`
	Stops            []stopDTO  `json:"stops,omitempty"`
}

type stopDTO struct {
	ID                string     `json:"id"`
	RouteID           string     `json:"routeId"`
	AddressID         string     `json:"addressId"`
	SequenceOrder     int        `json:"sequenceOrder"`
	Status            string     `json:"status"`
	EstimatedMinutes  int        `json:"estimatedMinutes"`
	Priority          int        `json:"priority,omitempty"`
	TimeWindowStart   *time.Time `json:"timeWindowStart,omitempty"`
	TimeWindowEnd     *time.Time `json:"timeWindowEnd,omitempty"`
	EstimatedArrival  *time.Time `json:"estimatedArrival,omitempty"`
	OriginalEstimated *time.Time `json:"originalEstimatedArrival,omitempty"`
	TravelMinutes     float64    `json:"travelMinutesFromPrevious,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	RequireSignature  bool       `json:"requireSignature"`
	RequirePhoto      bool       `json:"requirePhoto"`
	IsPaid            bool       `json:"isPaid"`
	PaymentStatus     string     `json:"paymentStatus"`
	ExternalOrderID   string     `json:"externalOrderId,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
	Lat               *float64   `json:"lat,omitempty"`
	Lng               *float64   `json:"lng,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	tt := t
	return &tt
}

func toRouteDTO(r route.Route) routeDTO {
	return routeDTO{
		ID:               r.ID,
		Name:             r.Name,
		Status:           string(r.Status),
		ScheduledDate:    optTime(r.ScheduledDate),
		DepartureTime:    r.DepartureTime,
		DepotID:          r.DepotID,
		AssignedDriverID: r.AssignedDriverID,
		SentAt:           optTime(r.SentAt),
		LoadedAt:         optTime(r.LoadedAt),
		StartedAt:        optTime(r.StartedAt),
		PausedAt:         optTime(r.PausedAt),
		CompletedAt:      optTime(r.CompletedAt),
		TotalDistanceKm:  r.TotalDistanceKm,
		TotalDurationMin: r.TotalDurationMin,
		OptimizedAt:      optTime(r.OptimizedAt),
		DepotReturnTime:  optTime(r.DepotReturnTime),
		DriverLat:        r.DriverLat,
		DriverLng:        r.DriverLng,
		DriverLocationAt: optTime(r.DriverLocationAt),
	}
}

func toStopDTO(st route.Stop) stopDTO {
	return stopDTO{
		ID:                st.ID,
		RouteID:           st.RouteID,
		AddressID:         st.AddressID,
		SequenceOrder:     st.SequenceOrder,
		Status:            string(st.Status),
		EstimatedMinutes:  st.EstimatedMinutes,
		Priority:          st.Priority,
		TimeWindowStart:   optTime(st.TimeWindowStart),
		TimeWindowEnd:     optTime(st.TimeWindowEnd),
		EstimatedArrival:  optTime(st.EstimatedArrival),
		OriginalEstimated: optTime(st.OriginalEstimated),
		TravelMinutes:     st.TravelMinutesFromPrev,
		CompletedAt:       optTime(st.CompletedAt),
		RequireSignature:  st.RequireSignature,
		RequirePhoto:      st.RequirePhoto,
		IsPaid:            st.IsPaid,
		PaymentStatus:     string(st.PaymentStatus),
		ExternalOrderID:   st.ExternalOrderID,
		Notes:             st.Notes,
		FailureReason:     st.FailureReason,
		Lat:               st.Lat,
		Lng:               st.Lng,
	}
}

func toStopDTOs(stops []route.Stop) []stopDTO {
	out := make([]stopDTO, 0, len(stops))
	for _, st := range stops {
		out = append(out, toStopDTO(st))
	}
	return out
}

func (h *handler) createRoute(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), user.RoleOperator); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name             string     `json:"name"`
		ScheduledDate    *time.Time `json:"scheduledDate"`
		DepartureTime    string     `json:"departureTime"`
		DepotID          string     `json:"depotId"`
		AssignedDriverID string     `json:"assignedDriverId"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apperrors.MissingParameter("name"))
		return
	}

	rt := route.Route{
		Name:             req.Name,
		DepartureTime:    req.DepartureTime,
		DepotID:          req.DepotID,
		AssignedDriverID: req.AssignedDriverID,
		CreatedBy:        userIDFrom(r.Context()),
	}
	if req.ScheduledDate != nil {
		rt.ScheduledDate = *req.ScheduledDate
	}
	created, err := h.engine.CreateRoute(r.Context(), rt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRouteDTO(created))
}

func (h *handler) listRoutes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	filter := storage.RouteFilter{
		Status:   route.Status(q.Get("status")),
		DriverID: q.Get("driverId"),
		Limit:    limit,
		Offset:   offset,
	}
	routes, total, err := h.stores.Routes.ListRoutes(r.Context(), filter)
	if err != nil {
		writeError(w, apperrors.DatabaseError("list routes", err))
		return
	}
	dtos := make([]routeDTO, 0, len(routes))
	for _, rt := range routes {
		dtos = append(dtos, toRouteDTO(rt))
	}
	writePage(w, http.StatusOK, dtos, total, limit, offset)
}

func (h *handler) getRoute(w http.ResponseWriter, r *http.Request) {
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
	stops, err := h.stores.Routes.ListStops(r.Context(), id)
	if err != nil {
		writeError(w, apperrors.DatabaseError("list stops", err))
		return
	}
	dto := toRouteDTO(rt)
	dto.Stops = toStopDTOs(stops)
	writeJSON(w, http.StatusOK, dto)
}

func (h *handler) deleteRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdminPassword string `json:"adminPassword"`
	}
	// body is optional for draft routes
	_ = decode(r, &req)

	err := h.engine.Delete(r.Context(), r.PathValue("id"), roleFrom(r.Context()), req.AdminPassword)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *handler) optimizeRoute(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), user.RoleOperator); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		DriverStartTime string `json:"driverStartTime"`
		DriverEndTime   string `json:"driverEndTime"`
		Force           bool   `json:"force"`
		FirstStopID     string `json:"firstStopId"`
		LastStopID      string `json:"lastStopId"`
		UseHaversine    bool   `json:"useHaversine"`
	}
	_ = decode(r, &req)

	outcome, err := h.engine.Optimize(r.Context(), r.PathValue("id"), engine.OptimizeParams{
		DriverStartTime: req.DriverStartTime,
		DriverEndTime:   req.DriverEndTime,
		Force:           req.Force,
		FirstStopID:     req.FirstStopID,
		LastStopID:      req.LastStopID,
		UseHaversine:    req.UseHaversine,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	dto := toRouteDTO(outcome.Route)
	dto.Stops = toStopDTOs(outcome.Stops)
	writeJSON(w, http.StatusOK, map[string]any{
		"route":         dto,
		"skipped":       outcome.Skipped,
		"warnings":      outcome.Plan.Warnings,
		"unserviceable": outcome.Plan.Unserviceable,
		"provider":      outcome.Plan.Provider,
	})
}

func (h *handler) sendRoute(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), user.RoleOperator); err != nil {
		writeError(w, err)
		return
	}
	rt, err := h.engine.Send(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteDTO(rt))
}

func (h *handler) unsendRoute(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), user.RoleOperator); err != nil {
		writeError(w, err)
		return
	}
	rt, err := h.engine.Unsend(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteDTO(rt))
}

func (h *handler) loadRoute(w http.ResponseWriter, r *http.Request) {
	rt, err := h.engine.MarkLoaded(r.Context(), r.PathValue("id"), driverScope(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteDTO(rt))
}

// driverScope returns the caller id when the caller is a driver, so engine
// operations can enforce assignment; operators and admins act unscoped.
func driverScope(r *http.Request) string {
	if roleFrom(r.Context()) == user.RoleDriver {
		return userIDFrom(r.Context())
	}
	return ""
}

func (h *handler) startRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if scope := driverScope(r); scope != "" {
		rt, err := h.stores.Routes.GetRoute(r.Context(), id)
		if err == nil && rt.AssignedDriverID != scope {
			writeError(w, apperrors.Forbidden("route is assigned to another driver"))
			return
		}
	}
	rt, err := h.engine.Start(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteDTO(rt))
}

func (h *handler) pauseRoute(w http.ResponseWriter, r *http.Request) {
	rt, err := h.engine.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteDTO(rt))
}

func (h *handler) resumeRoute(w http.ResponseWriter, r *http.Request) {
	rt, err := h.engine.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteDTO(rt))
}

func (h *handler) completeRoute(w http.ResponseWriter, r *http.Request) {
	rt, err := h.engine.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteDTO(rt))
}

func (h *handler) updateLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Latitude  float64  `json:"latitude"`
		Longitude float64  `json:"longitude"`
		Heading   *float64 `json:"heading"`
		Speed     *float64 `json:"speed"`
		Accuracy  *float64 `json:"accuracy"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	err := h.engine.UpdateLocation(r.Context(), r.PathValue("id"), engine.LocationUpdate{
		Lat:      req.Latitude,
		Lng:      req.Longitude,
		Heading:  req.Heading,
		Speed:    req.Speed,
		Accuracy: req.Accuracy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": true})
}

func (h *handler) listTracking(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	points, err := h.stores.Routes.ListTrackingPoints(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, apperrors.DatabaseError("list tracking points", err))
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (h *handler) importRoute(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), user.RoleOperator); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name          string     `json:"name"`
		ScheduledDate *time.Time `json:"scheduledDate"`
		DriverID      string     `json:"driverId"`
		Stops         []struct {
			Street          string     `json:"street"`
			City            string     `json:"city"`
			FullAddress     string     `json:"fullAddress"`
			Lat             *float64   `json:"lat"`
			Lng             *float64   `json:"lng"`
			CustomerName    string     `json:"customerName"`
			CustomerPhone   string     `json:"customerPhone"`
			CustomerRut     string     `json:"customerRut"`
			ExternalOrderID string     `json:"externalOrderId"`
			ServiceMinutes  int        `json:"serviceMinutes"`
			Priority        int        `json:"priority"`
			TimeWindowStart *time.Time `json:"timeWindowStart"`
			TimeWindowEnd   *time.Time `json:"timeWindowEnd"`
			PaymentMethod   string     `json:"paymentMethod"`
			PaymentAmount   float64    `json:"paymentAmount"`
			Notes           string     `json:"notes"`
		} `json:"stops"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apperrors.MissingParameter("name"))
		return
	}

	in := make([]engine.ImportStop, 0, len(req.Stops))
	for _, s := range req.Stops {
		is := engine.ImportStop{
			Street:          s.Street,
			City:            s.City,
			FullAddress:     s.FullAddress,
			Lat:             s.Lat,
			Lng:             s.Lng,
			CustomerName:    s.CustomerName,
			CustomerPhone:   s.CustomerPhone,
			CustomerRut:     s.CustomerRut,
			ExternalOrderID: s.ExternalOrderID,
			ServiceMinutes:  s.ServiceMinutes,
			Priority:        s.Priority,
			PaymentMethod:   s.PaymentMethod,
			PaymentAmount:   s.PaymentAmount,
			Notes:           s.Notes,
		}
		if s.TimeWindowStart != nil {
			is.TimeWindowStart = *s.TimeWindowStart
		}
		if s.TimeWindowEnd != nil {
			is.TimeWindowEnd = *s.TimeWindowEnd
		}
		in = append(in, is)
	}

	var scheduled time.Time
	if req.ScheduledDate != nil {
		scheduled = *req.ScheduledDate
	}
	rt, stops, err := h.engine.Import(r.Context(), req.Name, userIDFrom(r.Context()), req.DriverID, scheduled, in)
	if err != nil {
		writeError(w, err)
		return
	}
	dto := toRouteDTO(rt)
	dto.Stops = toStopDTOs(stops)
	writeJSON(w, http.StatusCreated, dto)
}

func (h *handler) driverRoutes(w http.ResponseWriter, r *http.Request) {
	driverID := userIDFrom(r.Context())
	routes, _, err := h.stores.Routes.ListRoutes(r.Context(), storage.RouteFilter{
		DriverID: driverID,
		Statuses: []route.Status{route.StatusScheduled, route.StatusInProgress, route.StatusPaused},
	})
	if err != nil {
		writeError(w, apperrors.DatabaseError("list driver routes", err))
		return
	}
	dtos := make([]routeDTO, 0, len(routes))
	for _, rt := range routes {
		dtos = append(dtos, toRouteDTO(rt))
	}
	writeJSON(w, http.StatusOK, dtos)
}
