package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
)

// handleError writes err as a JSON error body with its HTTP status
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON request body into v
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return apperrors.InvalidRequest("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.InvalidRequest("invalid request body: " + err.Error())
	}
	return nil
}
