// Package gateway is the HTTP surface of the model gateway.
//
// DESIGN: The Gateway owns the long-lived components and wires them into
// the dispatch flow:
//
//	caller → middleware → dispatcher → limiter → resolver → breaker
//	       → adapter → normalizer → caller transport (SSE or websocket)
//
// ENDPOINTS:
//   - POST (route table paths): dispatch a streaming model call over SSE
//   - GET  /v1/ws:              dispatch over a websocket
//   - GET  /v1/breakers:        breaker state snapshot for operators
//   - GET  /healthz:            liveness probe
//   - GET  /metrics:            Prometheus metrics (when enabled)
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relayr/modelgate/internal/adapters"
	"github.com/relayr/modelgate/internal/breaker"
	"github.com/relayr/modelgate/internal/config"
	"github.com/relayr/modelgate/internal/credentials"
	"github.com/relayr/modelgate/internal/monitoring"
	"github.com/relayr/modelgate/internal/ratelimit"
	"github.com/relayr/modelgate/internal/router"
	"github.com/relayr/modelgate/internal/usage"
)

// Gateway is the top-level server.
type Gateway struct {
	config      *config.Config
	resolver    *router.Resolver
	directory   *router.Directory
	limiter     *ratelimit.Limiter
	breakers    *breaker.Registry
	adapters    *adapters.Registry
	credentials credentials.Store

	logger        *monitoring.Logger
	requestLogger *monitoring.RequestLogger
	alerts        *monitoring.AlertManager
	metrics       *monitoring.Metrics
	recorder      *monitoring.Recorder
	estimator     *usage.Estimator

	server *http.Server
}

// New creates a Gateway from configuration. The caller owns config loading;
// New opens the instance directory and builds every component.
func New(cfg *config.Config) (*Gateway, error) {
	loggerCfg := monitoring.LoggerConfig{
		Level:  cfg.Monitoring.LogLevel,
		Format: cfg.Monitoring.LogFormat,
		Output: cfg.Monitoring.LogOutput,
	}
	logger := monitoring.New(loggerCfg)
	// Package-level log calls (breaker transitions, directory refresh) go
	// through the global logger; keep it in sync with the configured one.
	monitoring.Global(loggerCfg)

	dir, err := router.OpenDirectory(cfg.Routes.DirectoryPath, cfg.Routes.RefreshInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to open instance directory: %w", err)
	}

	recorder, err := monitoring.NewRecorder(monitoring.RecordConfig{
		LogPath: cfg.Monitoring.DispatchLogPath,
		DBPath:  cfg.Monitoring.DispatchDBPath,
	})
	if err != nil {
		dir.Close()
		return nil, fmt.Errorf("failed to open dispatch record sinks: %w", err)
	}

	metrics := monitoring.NewMetrics()
	breakers := breaker.NewRegistry(cfg.Resilience.Breaker)
	breakers.OnTransition(func(targetKey string, from, to breaker.State) {
		metrics.RecordBreakerTransition(targetKey, string(to))
	})

	g := &Gateway{
		config:        cfg,
		resolver:      router.New(cfg.Routes.Table, dir),
		directory:     dir,
		limiter:       ratelimit.New(cfg.Resilience.RateLimit),
		breakers:      breakers,
		adapters:      adapters.NewRegistry(),
		credentials:   credentials.NewEnvStore(),
		logger:        logger,
		requestLogger: monitoring.NewRequestLogger(logger),
		alerts:        monitoring.NewAlertManager(logger, monitoring.AlertConfig{}),
		metrics:       metrics,
		recorder:      recorder,
		estimator:     usage.NewEstimator(),
	}

	g.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           g.routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		// No WriteTimeout: responses are unbounded streams, bounded per
		// route by request/idle timeouts instead.
	}

	return g, nil
}

// routes builds the handler tree with the middleware chain applied.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /v1/breakers", g.handleBreakers)
	mux.HandleFunc("GET /v1/ws", g.handleWebsocket)
	if g.config.Monitoring.MetricsEnabled {
		mux.Handle("GET /metrics", g.metrics.Handler())
	}

	// Everything else is a dispatch path matched against the route table.
	mux.HandleFunc("/", g.handleDispatch)

	var handler http.Handler = mux
	handler = g.security(handler)
	handler = g.loggingMiddleware(handler)
	handler = g.panicRecovery(handler)
	return handler
}

// Start runs the HTTP server until the context is canceled, then drains.
func (g *Gateway) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", g.config.Server.Port).Msg("gateway: listening")
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return g.Shutdown()
	}
}

// Shutdown drains in-flight streams within the configured grace window and
// releases component resources.
func (g *Gateway) Shutdown() error {
	grace := g.config.ShutdownGraceOrDefault()
	log.Info().Dur("grace", grace).Msg("gateway: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := g.server.Shutdown(ctx)

	g.directory.Close()
	g.limiter.Close()
	if cerr := g.recorder.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// handleHealth is the liveness probe.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := g.directory.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"instances": snap.Len(),
		"loaded_at": snap.LoadedAt.Format(time.RFC3339),
	})
}

// handleBreakers reports the breaker state of every known target.
func (g *Gateway) handleBreakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"targets": g.breakers.Snapshot(),
	})
}
