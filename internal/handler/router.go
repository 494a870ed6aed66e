package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/support-desk/backend/internal/handler/session"
	"github.com/zhouzirui/support-desk/backend/internal/handler/stream"
	"github.com/zhouzirui/support-desk/backend/internal/logging"
	"github.com/zhouzirui/support-desk/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/support-desk/backend/internal/middleware"
	"github.com/zhouzirui/support-desk/backend/pkg/utils"
)

// Pinger reports whether backing storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the services the HTTP layer is wired to.
type Dependencies struct {
	Sessions       session.Service
	Health         Pinger
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Health.Ping(ctx); err != nil {
				deps.Logger.Warn().Err(err).Msg("health check failed")
				utils.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	sessionHandler := session.New(deps.Sessions, logging.Component(deps.Logger, "session_handler"))
	streamHandler := stream.New(deps.Sessions, logging.Component(deps.Logger, "stream_handler"))

	r.Route("/api", func(api chi.Router) {
		sessionHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	return r
}
