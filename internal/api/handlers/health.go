package handlers

import (
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/xuecangming/multidrive/internal/core/scheduler"
	"github.com/xuecangming/multidrive/internal/service/account"
)

// Version is reported by the info endpoint
const Version = "1.0.0"

// HealthHandler handles health check requests
type HealthHandler struct {
	db         *sql.DB
	accounts   *account.Service
	stats      func() scheduler.Stats
	stagingDir string
	startTime  time.Time
}

// NewHealthHandler creates a new health handler. db may be nil when
// accounts come from the configuration file.
func NewHealthHandler(db *sql.DB, accounts *account.Service, stats func() scheduler.Stats, stagingDir string) *HealthHandler {
	return &HealthHandler{
		db:         db,
		accounts:   accounts,
		stats:      stats,
		stagingDir: stagingDir,
		startTime:  time.Now(),
	}
}

// ComponentHealth represents health status of a component
type ComponentHealth struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]ComponentHealth{
		"database":  h.checkDatabase(),
		"accounts":  h.checkAccounts(r),
		"scheduler": h.checkScheduler(),
		"staging":   h.checkStaging(),
		"system":    h.checkSystem(),
	}
	for _, c := range components {
		if c.Status == "unhealthy" {
			status = "unhealthy"
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Uptime:     time.Since(h.startTime).String(),
		Components: components,
	})
}

// checkDatabase checks database health
func (h *HealthHandler) checkDatabase() ComponentHealth {
	if h.db == nil {
		return ComponentHealth{Status: "disabled", Message: "accounts are read from the configuration file"}
	}

	start := time.Now()
	err := h.db.Ping()
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{
			Status:  "unhealthy",
			Message: err.Error(),
		}
	}

	stats := h.db.Stats()
	details := map[string]interface{}{
		"latency_ms":    latency.Milliseconds(),
		"open_conns":    stats.OpenConnections,
		"in_use":        stats.InUse,
		"idle":          stats.Idle,
		"wait_count":    stats.WaitCount,
		"wait_duration": stats.WaitDuration.String(),
	}

	health := "healthy"
	if stats.WaitCount > 100 {
		health = "degraded"
	}
	return ComponentHealth{
		Status:  health,
		Details: details,
	}
}

// checkAccounts compares configured accounts with connected adapters
func (h *HealthHandler) checkAccounts(r *http.Request) ComponentHealth {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		return ComponentHealth{Status: "unhealthy", Message: err.Error()}
	}

	connected := h.accounts.Registry().Accounts()
	var failing []string
	for _, acc := range accounts {
		if acc.Status == "error" {
			failing = append(failing, acc.ID)
		}
	}

	status := "healthy"
	switch {
	case len(connected) == 0:
		status = "unhealthy"
	case len(failing) > 0:
		status = "degraded"
	}
	return ComponentHealth{
		Status: status,
		Details: map[string]interface{}{
			"configured": len(accounts),
			"connected":  connected,
			"failing":    failing,
		},
	}
}

func (h *HealthHandler) checkScheduler() ComponentHealth {
	stats := h.stats()
	return ComponentHealth{
		Status: "healthy",
		Details: map[string]interface{}{
			"running":     stats.Running,
			"pending":     stats.Pending,
			"per_account": stats.PerAccount,
		},
	}
}

// checkStaging reports free space where large transfers are buffered
func (h *HealthHandler) checkStaging() ComponentHealth {
	if h.stagingDir == "" {
		return ComponentHealth{Status: "disabled"}
	}
	usage, err := disk.Usage(h.stagingDir)
	if err != nil {
		return ComponentHealth{Status: "degraded", Message: err.Error()}
	}

	status := "healthy"
	if usage.UsedPercent > 95 {
		status = "degraded"
	}
	return ComponentHealth{
		Status: status,
		Details: map[string]interface{}{
			"path":         h.stagingDir,
			"free_bytes":   usage.Free,
			"used_percent": usage.UsedPercent,
		},
	}
}

// checkSystem checks system resource health
func (h *HealthHandler) checkSystem() ComponentHealth {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	details := map[string]interface{}{
		"goroutines":     runtime.NumGoroutine(),
		"alloc_mb":       m.Alloc / 1024 / 1024,
		"total_alloc_mb": m.TotalAlloc / 1024 / 1024,
		"sys_mb":         m.Sys / 1024 / 1024,
		"num_gc":         m.NumGC,
	}

	status := "healthy"
	if m.Alloc > 1024*1024*1024 || runtime.NumGoroutine() > 10000 {
		status = "degraded"
	}
	return ComponentHealth{
		Status:  status,
		Details: details,
	}
}

// Info handles GET /info
func (h *HealthHandler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "multidrive",
		"version":     Version,
		"api_version": "v1",
		"go_version":  runtime.Version(),
		"uptime":      time.Since(h.startTime).String(),
		"started_at":  h.startTime.Format(time.RFC3339),
	})
}

// Live handles GET /live
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}
