// Package app assembles the support desk from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/support-desk/backend/internal/config"
	"github.com/zhouzirui/support-desk/backend/internal/logging"
	"github.com/zhouzirui/support-desk/backend/internal/metrics"
	"github.com/zhouzirui/support-desk/backend/internal/service/ai"
	"github.com/zhouzirui/support-desk/backend/internal/service/pipeline"
	supportService "github.com/zhouzirui/support-desk/backend/internal/service/support"
	"github.com/zhouzirui/support-desk/backend/internal/store"
	"github.com/zhouzirui/support-desk/backend/internal/tools"
)

// App holds the wired services.
type App struct {
	Store   store.Store
	Support *supportService.Service
	Metrics *metrics.Metrics
}

// Option overrides a collaborator, mainly for tests and offline runs.
type Option func(*options)

type options struct {
	newModel     ai.ModelFactory
	collaborator tools.Collaborator
}

// WithModelFactory skips building Ark models from configuration.
func WithModelFactory(f ai.ModelFactory) Option {
	return func(o *options) { o.newModel = f }
}

// WithCollaborator replaces the commerce API client.
func WithCollaborator(c tools.Collaborator) Option {
	return func(o *options) { o.collaborator = c }
}

// New opens the store and wires registry, gateway, pipeline and session
// service. Close must be called to release the store.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := metrics.New()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path, logging.Component(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	svc, err := wire(ctx, cfg, logger, m, st, o)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &App{Store: st, Support: svc, Metrics: m}, nil
}

func wire(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics, st store.Store, o options) (*supportService.Service, error) {
	defs, err := tools.DefaultCatalog()
	if err != nil {
		return nil, fmt.Errorf("load tool catalog: %w", err)
	}

	collab := o.collaborator
	if collab == nil {
		if cfg.Tools.APIURL == "" {
			logger.Warn().Msg("API_URL not set, commerce tools will report failures")
		}
		collab = tools.NewHTTPCollaborator(tools.HTTPConfig{
			BaseURL:   cfg.Tools.APIURL,
			Timeout:   cfg.Tools.Timeout,
			RateLimit: cfg.Tools.RateLimit,
			RateBurst: cfg.Tools.RateBurst,
		}, logging.Component(logger, "commerce_api"))
	}

	registry, err := tools.NewRegistry(defs, collab, st,
		tools.WithLogger(logging.Component(logger, "tools")),
		tools.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}
	logger.Debug().Strs("tools", registry.Names()).Msg("tool registry ready")

	newModel := o.newModel
	if newModel == nil {
		newModel = cfg.AI.NewChatModel
	}
	gateway, err := ai.NewService(ctx, newModel, logging.Component(logger, "model_gateway"), m)
	if err != nil {
		return nil, fmt.Errorf("build model gateway: %w", err)
	}

	runner := pipeline.NewRunner(gateway,
		pipeline.WithRetries(cfg.Pipeline.ModelRetries),
		pipeline.WithRunnerLogger(logging.Component(logger, "pipeline")),
		pipeline.WithRunnerMetrics(m),
	)
	p, err := pipeline.New(runner, registry, pipeline.Config{
		MaxToolRounds: cfg.Pipeline.MaxToolRounds,
		Brand:         cfg.Pipeline.BrandName,
	})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	svc, err := supportService.NewService(st, p, supportService.Config{
		HandoffMessage: cfg.Pipeline.HandoffMessage,
		ReplyTimeout:   cfg.Pipeline.ReplyTimeout,
		CacheSize:      cfg.Store.SessionCacheSize,
	},
		supportService.WithLogger(logging.Component(logger, "support")),
		supportService.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("build support service: %w", err)
	}
	return svc, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
