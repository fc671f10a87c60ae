package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/core/loadbalancer"
	"github.com/xuecangming/multidrive/internal/service/account"
)

// SpaceHandler reports capacity and previews destination selection
type SpaceHandler struct {
	accountService *account.Service
	quotas         *loadbalancer.QuotaCache
	balancer       *loadbalancer.Balancer
}

// NewSpaceHandler creates a new space handler
func NewSpaceHandler(accountService *account.Service, quotas *loadbalancer.QuotaCache, balancer *loadbalancer.Balancer) *SpaceHandler {
	return &SpaceHandler{
		accountService: accountService,
		quotas:         quotas,
		balancer:       balancer,
	}
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

// Overview handles GET /space
func (h *SpaceHandler) Overview(w http.ResponseWriter, r *http.Request) {
	infos, failed := h.quotas.Infos(r.Context(), h.accountService.ConnectedRefs(r.Context()), queryBool(r, "refresh"))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":       loadbalancer.GetUsageStats(infos),
		"accounts":    infos,
		"unavailable": failed,
	})
}

// Destination handles GET /drives/{id}/destination. It runs destination
// selection for a file of the given size without transferring anything.
func (h *SpaceHandler) Destination(w http.ResponseWriter, r *http.Request) {
	drive, err := h.accountService.Drive(mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}

	q := r.URL.Query()
	size, err := strconv.ParseInt(q.Get("size"), 10, 64)
	if err != nil || size < 0 {
		handleError(w, r, apperrors.InvalidRequest("size must be a non-negative integer"))
		return
	}
	name := q.Get("strategy")
	if name == "" {
		name = drive.Strategy
	}
	strategy, err := loadbalancer.ParseStrategy(name)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var manual []string
	if v := q.Get("accounts"); v != "" {
		manual = strings.Split(v, ",")
	} else if strategy == loadbalancer.StrategyManual {
		manual = drive.Accounts
	}

	infos, failed := h.quotas.Infos(r.Context(), h.accountService.Refs(r.Context(), drive.Accounts), queryBool(r, "refresh"))
	chosen, err := h.balancer.Select(drive.ID, strategy, infos, size, manual)
	if err != nil {
		handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"drive_id":    drive.ID,
		"strategy":    strategy,
		"selected":    chosen,
		"candidates":  infos,
		"unavailable": failed,
	})
}
