package httpapi

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/rutaops/dispatch/infrastructure/errors"
)

// envelope is the uniform response shape: {success, data} on success and
// {success, error} on failure.
type envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
}

type pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writePage(w http.ResponseWriter, status int, data any, total, limit, offset int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:    true,
		Data:       data,
		Pagination: &pagination{Total: total, Limit: limit, Offset: offset},
	})
}

// writeError maps ServiceErrors to their stable HTTP status; anything else is
// a 500 with a generic message so internals never leak.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"
	if svcErr := apperrors.GetServiceError(err); svcErr != nil {
		status = svcErr.HTTPStatus
		message = svcErr.Message
		if reason, ok := svcErr.Details["reason"].(string); ok && reason != "" {
			message = reason
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: message})
}

// decode parses a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apperrors.ValidationFailed("body", "invalid JSON payload")
	}
	return nil
}
