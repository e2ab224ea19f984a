package httpapi

import (
	"net/http"
	"time"

	apperrors "github.com/rutaops/dispatch/infrastructure/errors"
	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/domain/user"
	"github.com/rutaops/dispatch/internal/app/engine"
)

func (h *handler) addStop(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), user.RoleOperator); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		AddressID        string     `json:"addressId"`
		EstimatedMinutes int        `json:"estimatedMinutes"`
		Priority         int        `json:"priority"`
		TimeWindowStart  *time.Time `json:"timeWindowStart"`
		TimeWindowEnd    *time.Time `json:"timeWindowEnd"`
		RequireSignature bool       `json:"requireSignature"`
		RequirePhoto     bool       `json:"requirePhoto"`
		PaymentMethod    string     `json:"paymentMethod"`
		PaymentAmount    float64    `json:"paymentAmount"`
		Notes            string     `json:"notes"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AddressID == "" {
		writeError(w, apperrors.MissingParameter("addressId"))
		return
	}

	st := route.Stop{
		EstimatedMinutes: req.EstimatedMinutes,
		Priority:         req.Priority,
		RequireSignature: req.RequireSignature,
		RequirePhoto:     req.RequirePhoto,
		PaymentMethod:    req.PaymentMethod,
		PaymentAmount:    req.PaymentAmount,
		Notes:            req.Notes,
	}
	if req.TimeWindowStart != nil {
		st.TimeWindowStart = *req.TimeWindowStart
	}
	if req.TimeWindowEnd != nil {
		st.TimeWindowEnd = *req.TimeWindowEnd
	}

	created, err := h.engine.AddStop(r.Context(), r.PathValue("id"), req.AddressID, st)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStopDTO(created))
}

func (h *handler) reorderStops(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), user.RoleOperator); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		StopIDs []string `json:"stopIds"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.StopIDs) == 0 {
		writeError(w, apperrors.MissingParameter("stopIds"))
		return
	}

	stops, err := h.engine.Reorder(r.Context(), r.PathValue("id"), req.StopIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStopDTOs(stops))
}

func (h *handler) stopInTransit(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.MarkInTransit(r.Context(), r.PathValue("id"), r.PathValue("stopId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStopDTO(st))
}

func (h *handler) completeStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status        string  `json:"status"`
		Notes         string  `json:"notes"`
		FailureReason string  `json:"failureReason"`
		SignatureURL  string  `json:"signatureUrl"`
		PhotoURL      string  `json:"photoUrl"`
		PaymentAmount float64 `json:"paymentAmount"`
		PaymentMethod string  `json:"paymentMethod"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Status == "" {
		req.Status = string(route.StopCompleted)
	}

	st, err := h.engine.CompleteStop(r.Context(), r.PathValue("id"), r.PathValue("stopId"), engine.CompleteStopParams{
		Status:        route.StopStatus(req.Status),
		Notes:         req.Notes,
		FailureReason: req.FailureReason,
		SignatureURL:  req.SignatureURL,
		PhotoURL:      req.PhotoURL,
		PaymentAmount: req.PaymentAmount,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStopDTO(st))
}
