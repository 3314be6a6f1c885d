package app

import (
	"net/http"
	"time"

	"github.com/quenby/porter/internal/app/middleware"
	"github.com/quenby/porter/internal/core/constants"
	"github.com/quenby/porter/internal/util"
)

// proxyHandler forwards one request through the dispatcher with a
// request-scoped logger.
func (a *Application) proxyHandler(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	if requestID == "" {
		requestID = util.GenerateRequestID()
	}
	start := time.Now()

	rlog := a.logger.WithRequestID(requestID)
	rlog.Info("Request started",
		"client_id", r.Header.Get(constants.HeaderClientID),
		"method", r.Method,
		"path", r.URL.Path,
		"content_length", r.ContentLength)

	a.proxyService.ProxyRequest(r.Context(), w, r, rlog)

	rlog.Info("Request completed", "duration_ms", time.Since(start).Milliseconds())
}
