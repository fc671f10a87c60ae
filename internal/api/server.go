package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/xuecangming/multidrive/internal/api/handlers"
	"github.com/xuecangming/multidrive/internal/api/middleware"
	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/core/loadbalancer"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/infrastructure/vault"
	"github.com/xuecangming/multidrive/internal/service/account"
	"github.com/xuecangming/multidrive/internal/service/task"
)

// Dependencies are the services the HTTP layer exposes
type Dependencies struct {
	Config   *types.Config
	DB       *sql.DB // nil when accounts come from the config file
	Accounts *account.Service
	Tasks    *task.Service
	Quotas   *loadbalancer.QuotaCache
	Balancer *loadbalancer.Balancer
	Vault    *vault.Vault // nil when encryption is disabled
	Logger   logger.Logger
}

// Server represents the HTTP server
type Server struct {
	config         *types.Config
	log            logger.Logger
	router         *mux.Router
	rateLimit      int
	taskHandler    *handlers.TaskHandler
	accountHandler *handlers.AccountHandler
	spaceHandler   *handlers.SpaceHandler
	healthHandler  *handlers.HealthHandler
	oauthHandler   *handlers.OAuthHandler
	vaultHandler   *handlers.VaultHandler
	events         *handlers.EventHub
	unsubscribe    func()
}

// NewServer creates a new HTTP server
func NewServer(deps Dependencies) *Server {
	log := logger.OrGlobal(deps.Logger)
	events := handlers.NewEventHub(log)

	server := &Server{
		config:         deps.Config,
		log:            log,
		router:         mux.NewRouter(),
		rateLimit:      deps.Config.Server.RateLimit,
		taskHandler:    handlers.NewTaskHandler(deps.Tasks),
		accountHandler: handlers.NewAccountHandler(deps.Accounts),
		spaceHandler:   handlers.NewSpaceHandler(deps.Accounts, deps.Quotas, deps.Balancer),
		healthHandler:  handlers.NewHealthHandler(deps.DB, deps.Accounts, deps.Tasks.Stats, deps.Config.Transfer.StagingDir),
		oauthHandler:   handlers.NewOAuthHandler(deps.Accounts, deps.Config.Server.BaseURL, deps.Config.Server.APIPrefix),
		vaultHandler:   handlers.NewVaultHandler(deps.Vault),
		events:         events,
		unsubscribe:    deps.Tasks.Subscribe(events.Publish),
	}

	server.setupRoutes()

	return server
}

// Router returns the HTTP router
func (s *Server) Router() http.Handler {
	return s.router
}

// Close detaches the event stream from the task service and drops clients
func (s *Server) Close() {
	s.unsubscribe()
	s.events.Close()
}

// setupRoutes sets up the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.CORSMiddleware)
	s.router.Use(middleware.LoggingMiddleware(s.log))
	s.router.Use(middleware.RecoveryMiddleware(s.log))

	api := s.router.PathPrefix(s.config.Server.APIPrefix).Subrouter()
	if s.rateLimit > 0 {
		api.Use(middleware.RateLimitMiddleware(s.rateLimit, time.Minute))
	}

	// Health check endpoints
	api.HandleFunc("/health", s.healthHandler.Health).Methods("GET", "OPTIONS")
	api.HandleFunc("/info", s.healthHandler.Info).Methods("GET", "OPTIONS")
	api.HandleFunc("/live", s.healthHandler.Live).Methods("GET", "OPTIONS")

	// Task routes; literal paths before {id}
	api.HandleFunc("/tasks", s.taskHandler.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/tasks", s.taskHandler.Create).Methods("POST", "OPTIONS")
	api.HandleFunc("/tasks/batch", s.taskHandler.CreateBatch).Methods("POST", "OPTIONS")
	api.HandleFunc("/tasks/finished", s.taskHandler.ClearFinished).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/tasks/{id}", s.taskHandler.GetStatus).Methods("GET", "OPTIONS")
	api.HandleFunc("/tasks/{id}/pause", s.taskHandler.Pause).Methods("POST", "OPTIONS")
	api.HandleFunc("/tasks/{id}/resume", s.taskHandler.Resume).Methods("POST", "OPTIONS")
	api.HandleFunc("/tasks/{id}/cancel", s.taskHandler.Cancel).Methods("POST", "OPTIONS")

	// Concurrency limits
	api.HandleFunc("/limits", s.taskHandler.GetLimits).Methods("GET", "OPTIONS")
	api.HandleFunc("/limits", s.taskHandler.SetLimits).Methods("PUT", "OPTIONS")

	// Space and destination selection
	api.HandleFunc("/space", s.spaceHandler.Overview).Methods("GET", "OPTIONS")
	api.HandleFunc("/drives/{id}/destination", s.spaceHandler.Destination).Methods("GET", "OPTIONS")

	// Accounts
	api.HandleFunc("/accounts", s.accountHandler.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/accounts/{id}", s.accountHandler.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/accounts/{id}/sync", s.accountHandler.SyncSpace).Methods("POST", "OPTIONS")

	// OAuth routes for OneDrive authorization
	api.HandleFunc("/oauth/authorize/{id}", s.oauthHandler.Authorize).Methods("GET", "OPTIONS")
	api.HandleFunc("/oauth/callback", s.oauthHandler.Callback).Methods("GET", "OPTIONS")
	api.HandleFunc("/oauth/status/{id}", s.oauthHandler.TokenStatus).Methods("GET", "OPTIONS")

	// Encryption key
	api.HandleFunc("/vault", s.vaultHandler.Status).Methods("GET", "OPTIONS")
	api.HandleFunc("/vault/unlock", s.vaultHandler.Unlock).Methods("POST", "OPTIONS")
	api.HandleFunc("/vault/lock", s.vaultHandler.Lock).Methods("POST", "OPTIONS")

	// Progress stream
	api.HandleFunc("/events", s.events.Events).Methods("GET")

	// Root endpoint - API info
	s.router.HandleFunc("/", s.healthHandler.Info).Methods("GET", "OPTIONS")
}
