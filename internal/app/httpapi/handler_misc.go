package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/rutaops/dispatch/infrastructure/errors"
	"github.com/rutaops/dispatch/internal/app/domain/address"
	"github.com/rutaops/dispatch/internal/app/domain/depot"
	"github.com/rutaops/dispatch/internal/app/domain/settings"
	"github.com/rutaops/dispatch/internal/app/domain/user"
	"github.com/rutaops/dispatch/internal/app/storage"
)

// --- depots -----------------------------------------------------------------

func (h *handler) createDepot(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context()); err != nil { // admin only
		writeError(w, err)
		return
	}
	var d depot.Depot
	if err := decode(r, &d); err != nil {
		writeError(w, err)
		return
	}
	if d.Name == "" {
		writeError(w, apperrors.MissingParameter("name"))
		return
	}
	d.IsActive = true
	created, err := h.stores.Depots.CreateDepot(r.Context(), d)
	if err != nil {
		writeError(w, apperrors.DatabaseError("create depot", err))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listDepots(w http.ResponseWriter, r *http.Request) {
	depots, err := h.stores.Depots.ListDepots(r.Context())
	if err != nil {
		writeError(w, apperrors.DatabaseError("list depots", err))
		return
	}
	writeJSON(w, http.StatusOK, depots)
}

func (h *handler) updateDepot(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	var d depot.Depot
	if err := decode(r, &d); err != nil {
		writeError(w, err)
		return
	}
	d.ID = r.PathValue("id")
	updated, err := h.stores.Depots.UpdateDepot(r.Context(), d)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apperrors.NotFound("depot", d.ID))
			return
		}
		writeError(w, apperrors.DatabaseError("update depot", err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- addresses --------------------------------------------------------------

func (h *handler) createAddress(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), user.RoleOperator); err != nil {
		writeError(w, err)
		return
	}
	var a address.Address
	if err := decode(r, &a); err != nil {
		writeError(w, err)
		return
	}
	if a.Geocoded() {
		a.GeocodeStatus = address.GeocodeManual
	}
	created, err := h.stores.Addresses.CreateAddress(r.Context(), a)
	if err != nil {
		writeError(w, apperrors.DatabaseError("create address", err))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listAddresses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	addresses, err := h.stores.Addresses.ListAddresses(r.Context(), limit, offset)
	if err != nil {
		writeError(w, apperrors.DatabaseError("list addresses", err))
		return
	}
	writeJSON(w, http.StatusOK, addresses)
}

func (h *handler) updateAddress(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), user.RoleOperator); err != nil {
		writeError(w, err)
		return
	}
	var a address.Address
	if err := decode(r, &a); err != nil {
		writeError(w, err)
		return
	}
	a.ID = r.PathValue("id")
	updated, err := h.stores.Addresses.UpdateAddress(r.Context(), a)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apperrors.NotFound("address", a.ID))
			return
		}
		writeError(w, apperrors.DatabaseError("update address", err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) deleteAddress(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), user.RoleOperator); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := h.stores.Addresses.DeleteAddress(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, apperrors.NotFound("address", id))
		case errors.Is(err, storage.ErrConflict):
			writeError(w, apperrors.Conflict("address is referenced by stops"))
		default:
			writeError(w, apperrors.DatabaseError("delete address", err))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// --- settings ---------------------------------------------------------------

var knownSettingKeys = map[string]struct{}{
	settings.KeyWebhook:       {},
	settings.KeyNotifications: {},
	settings.KeyDelivery:      {},
}

func (h *handler) getSetting(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), user.RoleOperator); err != nil {
		writeError(w, err)
		return
	}
	key := r.PathValue("key")
	raw, err := h.stores.Settings.GetSetting(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apperrors.NotFound("setting", key))
			return
		}
		writeError(w, apperrors.DatabaseError("get setting", err))
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(raw))
}

func (h *handler) putSetting(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context()); err != nil { // admin only
		writeError(w, err)
		return
	}
	key := r.PathValue("key")
	if _, ok := knownSettingKeys[key]; !ok {
		writeError(w, apperrors.ValidationFailed("key", "unknown settings key"))
		return
	}

	var raw json.RawMessage
	if err := decode(r, &raw); err != nil {
		writeError(w, err)
		return
	}
	if err := h.stores.Settings.PutSetting(r.Context(), key, raw); err != nil {
		writeError(w, apperrors.DatabaseError("put setting", err))
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(raw))
}

// testWebhook delivers a synthetic payload and, unlike the fire-and-forget
// paths, awaits and surfaces the result.
func (h *handler) testWebhook(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	var cfg settings.Webhook
	raw, err := h.stores.Settings.GetSetting(r.Context(), settings.KeyWebhook)
	if err == nil {
		_ = json.Unmarshal(raw, &cfg)
	}
	if cfg.URL == "" {
		writeError(w, apperrors.ValidationFailed("webhook", "no webhook URL configured"))
		return
	}

	payload := map[string]any{
		"event":     "webhook.test",
		"timestamp": time.Now().UTC(),
		"metadata":  map[string]any{"triggeredBy": userIDFrom(r.Context())},
	}
	result := h.webhooks.Dispatch(r.Context(), cfg.URL, "webhook.test", payload, cfg.Secret, 1)

	resp := map[string]any{"ok": result.OK, "attempts": result.Attempts}
	if result.HTTPStatus != 0 {
		resp["httpStatus"] = result.HTTPStatus
	}
	if result.Err != nil {
		resp["error"] = result.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- payments ---------------------------------------------------------------

// paymentVerified handles the inbound payment-provider webhook. It is a
// public path authenticated by the shared X-Webhook-Secret header.
func (h *handler) paymentVerified(w http.ResponseWriter, r *http.Request) {
	if h.paymentWebhookSecret == "" {
		writeError(w, apperrors.NotFound("endpoint", "payments webhook"))
		return
	}
	secret := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.paymentWebhookSecret)) != 1 {
		writeError(w, apperrors.Unauthenticated("invalid webhook secret"))
		return
	}

	var req struct {
		TransactionID string  `json:"transactionId"`
		PaymentID     string  `json:"paymentId"`
		Amount        float64 `json:"amount"`
		BankReference string  `json:"bankReference"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var paymentID string
	switch {
	case req.PaymentID != "":
		got, err := h.stores.Payments.GetPayment(r.Context(), req.PaymentID)
		if err != nil {
			writeError(w, apperrors.NotFound("payment", req.PaymentID))
			return
		}
		paymentID = got.ID
	case req.TransactionID != "":
		got, err := h.stores.Payments.GetPaymentByTransactionID(r.Context(), req.TransactionID)
		if err != nil {
			writeError(w, apperrors.NotFound("payment", req.TransactionID))
			return
		}
		paymentID = got.ID
	default:
		writeError(w, apperrors.MissingParameter("transactionId"))
		return
	}

	verified, err := h.stores.Payments.VerifyPayment(r.Context(), paymentID, "payment-webhook", time.Now().UTC())
	if err != nil {
		writeError(w, apperrors.DatabaseError("verify payment", err))
		return
	}
	writeJSON(w, http.StatusOK, verified)
}
