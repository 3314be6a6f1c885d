package app

import (
	"errors"
	"net/http"

	"github.com/quenby/porter/internal/app/middleware"
	"github.com/quenby/porter/internal/core/constants"
	"github.com/quenby/porter/internal/router"
)

func (a *Application) startWebServer() {
	cfg := a.getConfig()
	a.logger.Info("Starting WebServer...", "host", cfg.Server.Host, "port", cfg.Server.Port)

	mux := http.NewServeMux()

	a.registerRoutes()

	adminChain := a.admission.CreateMiddleware()
	proxyChain := func(next http.Handler) http.Handler {
		return adminChain(a.sizeLimit.CreateMiddleware()(next))
	}
	a.registry.WireUp(mux, adminChain, proxyChain)

	var handler http.Handler = mux
	if cfg.Server.RequestLogging {
		handler = middleware.RequestLogging(a.logger)(handler)
	}
	a.server.Handler = handler

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	a.logger.Info("Started WebServer", "bind", a.server.Addr)
}

func (a *Application) registerRoutes() {
	a.registry.Register("/", http.HandlerFunc(a.rootHandler), "Service information", "GET", router.RoutePublic)
	a.registry.Register(constants.DefaultProxyPathPrefix, http.HandlerFunc(a.proxyHandler), "Anthropic API proxy", "ANY", router.RouteProxy)
	a.registry.Register(constants.DefaultHealthEndpoint, http.HandlerFunc(a.healthHandler), "Health check endpoint", "GET", router.RoutePublic)
	a.registry.Register(constants.DefaultStatusEndpoint, http.HandlerFunc(a.statusHandler), "Subscription status", "GET", router.RouteAdmin)
	a.registry.Register(constants.DefaultReloadEndpoint, http.HandlerFunc(a.reloadHandler), "Reload configuration", "POST", router.RouteAdmin)
	a.registry.Register(constants.DefaultUsageEndpoint, http.HandlerFunc(a.usageHandler), "Usage statistics", "GET", router.RouteAdmin)
	a.registry.Register(constants.DefaultClientsEndpoint, http.HandlerFunc(a.clientsHandler), "Known clients", "GET", router.RouteAdmin)
	a.registry.Register(constants.DefaultUtilizationEndpoint, http.HandlerFunc(a.utilizationHandler), "Utilisation ingest", "POST", router.RouteAdmin)
	a.registry.Register(constants.DefaultMetricsEndpoint, a.metrics.Handler(), "Prometheus metrics", "GET", router.RouteAdmin)
}
