package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/service/account"
)

// AccountHandler exposes storage accounts
type AccountHandler struct {
	service *account.Service
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(service *account.Service) *AccountHandler {
	return &AccountHandler{service: service}
}

// redact hides credentials before an account leaves the process
func redact(acc *types.StorageAccount) {
	acc.ClientSecret = ""
	acc.RefreshToken = ""
	acc.AccessToken = ""
}

// List handles GET /accounts
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.List(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}

	for _, acc := range accounts {
		redact(acc)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts":  accounts,
		"connected": h.service.Registry().Accounts(),
	})
}

// Get handles GET /accounts/{id}
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	acc, err := h.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	redact(acc)
	writeJSON(w, http.StatusOK, acc)
}

// SyncSpace handles POST /accounts/{id}/sync
func (h *AccountHandler) SyncSpace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.service.Quota(r.Context(), id); err != nil {
		handleError(w, r, err)
		return
	}

	acc, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	redact(acc)
	writeJSON(w, http.StatusOK, acc)
}
