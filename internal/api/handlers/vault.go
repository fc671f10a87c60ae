package handlers

import (
	"net/http"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/infrastructure/vault"
)

// VaultHandler loads and forgets the key used by encrypted transfers
type VaultHandler struct {
	vault *vault.Vault // nil when encryption is disabled
}

// NewVaultHandler creates a new vault handler
func NewVaultHandler(v *vault.Vault) *VaultHandler {
	return &VaultHandler{vault: v}
}

type unlockRequest struct {
	Password string `json:"password"`
}

func (h *VaultHandler) enabled(w http.ResponseWriter, r *http.Request) bool {
	if h.vault == nil {
		handleError(w, r, apperrors.ServiceUnavailable("vault is disabled"))
		return false
	}
	return true
}

// Status handles GET /vault
func (h *VaultHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"enabled":  h.vault != nil,
		"unlocked": h.vault != nil && h.vault.Unlocked(),
	})
}

// Unlock handles POST /vault/unlock
func (h *VaultHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w, r) {
		return
	}
	var req unlockRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	if err := h.vault.Unlock(req.Password); err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unlocked": true})
}

// Lock handles POST /vault/lock
func (h *VaultHandler) Lock(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w, r) {
		return
	}
	h.vault.Lock()
	writeJSON(w, http.StatusOK, map[string]bool{"unlocked": false})
}
