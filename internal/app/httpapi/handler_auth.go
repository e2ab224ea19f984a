package httpapi

import (
	"net/http"
	"time"

	apperrors "github.com/rutaops/dispatch/infrastructure/errors"
	"github.com/rutaops/dispatch/internal/app/domain/user"
)

type userDTO struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Role        string     `json:"role"`
	Phone       string     `json:"phone,omitempty"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

func toUserDTO(u user.User) userDTO {
	dto := userDTO{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name,
		Role:  string(u.Role),
		Phone: u.Phone,
	}
	if !u.LastLoginAt.IsZero() {
		t := u.LastLoginAt
		dto.LastLoginAt = &t
	}
	return dto
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		DeviceID   string `json:"deviceId"`
		DeviceInfo string `json:"deviceInfo"`
		PushToken  string `json:"pushToken"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, apperrors.MissingParameter("email"))
		return
	}

	u, pair, err := h.sessions.Login(r.Context(), req.Email, req.Password, req.DeviceID, req.DeviceInfo)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.PushToken != "" {
		if err := h.stores.Users.SetPushToken(r.Context(), u.ID, req.PushToken); err != nil {
			h.log.WithError(err).Warn("register push token")
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":         toUserDTO(u),
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"deviceId":     pair.DeviceID,
	})
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
		DeviceID     string `json:"deviceId"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RefreshToken == "" {
		writeError(w, apperrors.MissingParameter("refreshToken"))
		return
	}

	u, pair, err := h.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":         toUserDTO(u),
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"deviceId":     pair.DeviceID,
	})
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
		LogoutAll    bool   `json:"logoutAll"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	userID := userIDFrom(r.Context())
	if req.LogoutAll {
		revoked, err := h.sessions.LogoutAll(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revokedSessions": revoked})
		return
	}

	if req.RefreshToken == "" {
		writeError(w, apperrors.MissingParameter("refreshToken"))
		return
	}
	if err := h.sessions.Logout(r.Context(), userID, req.RefreshToken); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true})
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	u, err := h.stores.Users.GetUser(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, apperrors.Unauthenticated("unknown user"))
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}
