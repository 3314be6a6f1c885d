package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/quenby/porter/internal/adapter/metrics"
	"github.com/quenby/porter/internal/adapter/proxy"
	"github.com/quenby/porter/internal/adapter/security"
	"github.com/quenby/porter/internal/adapter/stats"
	"github.com/quenby/porter/internal/adapter/tracker"
	"github.com/quenby/porter/internal/config"
	"github.com/quenby/porter/internal/core/ports"
	"github.com/quenby/porter/internal/logger"
	"github.com/quenby/porter/internal/router"
)

const storeCleanupInterval = 24 * time.Hour

// hintSource and usageStore convert optional concrete adapters to their
// ports without smuggling a typed nil into the interface.
func hintSource(h *stats.HintsCache) ports.HintSource {
	if h == nil {
		return nil
	}
	return h
}

func usageStore(s *stats.SQLiteStore) ports.UsageStore {
	if s == nil {
		return nil
	}
	return s
}

// Application wires the tracker, dispatcher, usage store, and HTTP surface
// together and owns their lifecycle.
type Application struct {
	configMu sync.RWMutex
	config   *config.Config

	server   *http.Server
	logger   *logger.StyledLogger
	registry *router.RouteRegistry

	tracker      *tracker.Tracker
	proxyService *proxy.Service
	store        *stats.SQLiteStore
	hintsCache   *stats.HintsCache
	metrics      *metrics.Registry
	admission    *security.AdmissionValidator
	sizeLimit    *security.SizeValidator

	startTime time.Time
	errCh     chan error
}

// New loads configuration and builds the full application. Hot reload (file
// watch or the reload endpoint) re-applies subscriptions, cooldown, and
// dispatcher settings; bind address and external-access changes need a
// restart.
func New(log *logger.StyledLogger) (*Application, error) {
	app := &Application{
		logger: log,
		errCh:  make(chan error, 1),
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	app.config = cfg

	if worldReadable, err := cfg.CheckFilePermissions(); err == nil && worldReadable {
		log.Warn("Configuration file is world-readable; it contains credentials", "file", cfg.Filename)
	}

	app.tracker = tracker.New(cfg.DomainSubscriptions(), cfg.RateLimit.Cooldown(), log)
	app.metrics = metrics.NewRegistry()

	// The store is advisory; a broken database must not stop the proxy.
	store, err := stats.NewSQLiteStore(cfg.Storage.Path, log)
	if err != nil {
		log.Warn("Usage storage unavailable, continuing without it", "error", err)
	} else {
		app.store = store
		app.hintsCache = stats.NewHintsCache(store, stats.DefaultHintsRefreshInterval, log)
	}

	proxyService, err := proxy.NewService(cfg.Proxy, app.tracker, hintSource(app.hintsCache), usageStore(app.store), app.metrics, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy service: %w", err)
	}
	app.proxyService = proxyService

	app.admission = security.NewAdmissionValidator(cfg.External, log)
	app.sizeLimit = security.NewSizeValidator(cfg.Proxy.MaxBodyBytes, log)
	app.registry = router.NewRouteRegistry(log)

	app.server = &http.Server{
		Addr:         cfg.Server.GetAddress(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// The watch callback swaps state on the tracker and proxy service, so it
	// must not be registered until both exist.
	config.Watch(app.applyReload)

	return app, nil
}

// Start launches the background workers and the HTTP server. It returns once
// the server is accepting connections.
func (a *Application) Start(ctx context.Context) error {
	a.startTime = time.Now()

	go func() {
		select {
		case err := <-a.errCh:
			a.logger.Error("Server startup error", "error", err)
		case <-ctx.Done():
		}
	}()

	if a.hintsCache != nil {
		a.hintsCache.Start(ctx)
	}
	if a.store != nil {
		go a.storeCleanupLoop(ctx)
	}

	a.startWebServer()

	a.logger.Info("Porter started", "bind", a.server.Addr)
	return nil
}

// Stop shuts the application down in dependency order: HTTP server first so
// no new requests arrive, then the background workers and the store.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.getConfig().Server.ShutdownTimeout)
	defer cancel()

	err := a.server.Shutdown(shutdownCtx)

	if a.hintsCache != nil {
		a.hintsCache.Stop()
	}
	a.proxyService.Cleanup()
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Warn("Failed to close usage store", "error", cerr)
		}
	}

	if err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

func (a *Application) getConfig() *config.Config {
	a.configMu.RLock()
	defer a.configMu.RUnlock()
	return a.config
}

func (a *Application) setConfig(cfg *config.Config) {
	a.configMu.Lock()
	defer a.configMu.Unlock()
	a.config = cfg
}

// applyReload installs a validated new configuration: the subscription set is
// swapped atomically, cooldown and dispatcher settings updated in place.
func (a *Application) applyReload(cfg *config.Config) {
	a.setConfig(cfg)
	a.tracker.ReplaceAll(cfg.DomainSubscriptions())
	a.tracker.SetCooldown(cfg.RateLimit.Cooldown())
	if err := a.proxyService.UpdateConfig(cfg.Proxy); err != nil {
		a.logger.Error("Failed to apply proxy configuration", "error", err)
	}
	a.logger.Info("Configuration reloaded", "subscriptions", len(cfg.Subscriptions))
}

func (a *Application) storeCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(storeCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			retain := a.getConfig().Storage.RetainDays
			if _, err := a.store.CleanupOldRequests(ctx, retain); err != nil {
				a.logger.Warn("Usage store cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
