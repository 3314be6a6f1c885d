package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/quenby/porter/internal/adapter/proxy"
	"github.com/quenby/porter/internal/config"
	"github.com/quenby/porter/internal/core/constants"
	"github.com/quenby/porter/internal/core/domain"
)

const clientsActiveWindow = 30 * 24 * time.Hour

// reloadHandler re-reads and re-validates the configuration on demand. A
// validation failure leaves the running configuration untouched.
func (a *Application) reloadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		proxy.WriteError(w, http.StatusMethodNotAllowed, domain.ErrKindProxyError, "Reload requires POST")
		return
	}

	cfg, err := config.Reload()
	if err != nil {
		a.logger.Error("Configuration reload failed", "error", err)
		proxy.WriteError(w, http.StatusBadRequest, domain.ErrKindProxyError, "Configuration reload failed: "+err.Error())
		return
	}
	a.applyReload(cfg)

	w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "reloaded",
		"subscriptions": len(cfg.Subscriptions),
	})
}

// usageHandler reports usage rollups for a period (day, week, or month),
// optionally narrowed to one client via the client_id query parameter.
func (a *Application) usageHandler(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		proxy.WriteError(w, http.StatusServiceUnavailable, domain.ErrKindNotReady, "Usage storage is not available")
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "day"
	}

	var (
		stats any
		err   error
	)
	if clientID := r.URL.Query().Get("client_id"); clientID != "" {
		stats, err = a.store.GetClientUsage(r.Context(), clientID, period)
	} else {
		stats, err = a.store.GetUsage(r.Context(), period)
	}
	if err != nil {
		a.logger.Error("Usage query failed", "period", period, "error", err)
		proxy.WriteError(w, http.StatusInternalServerError, domain.ErrKindProxyError, "Usage query failed")
		return
	}

	w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		a.logger.Error("Failed to encode usage response", "error", err)
	}
}

// clientsHandler lists downstream clients seen within the activity window.
func (a *Application) clientsHandler(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		proxy.WriteError(w, http.StatusServiceUnavailable, domain.ErrKindNotReady, "Usage storage is not available")
		return
	}

	clients, err := a.store.GetClients(r.Context(), clientsActiveWindow)
	if err != nil {
		a.logger.Error("Clients query failed", "error", err)
		proxy.WriteError(w, http.StatusInternalServerError, domain.ErrKindProxyError, "Clients query failed")
		return
	}

	w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any{"clients": clients}); err != nil {
		a.logger.Error("Failed to encode clients response", "error", err)
	}
}

// utilizationHandler ingests quota samples pushed by the companion service.
// The payload maps subscription name to its window utilisation; each push
// replaces the previous sample set.
func (a *Application) utilizationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		proxy.WriteError(w, http.StatusMethodNotAllowed, domain.ErrKindProxyError, "Utilization ingest requires POST")
		return
	}

	var samples map[string]domain.AccountUtilization
	if err := json.NewDecoder(r.Body).Decode(&samples); err != nil {
		proxy.WriteError(w, http.StatusBadRequest, domain.ErrKindProxyError, "Invalid utilization payload: "+err.Error())
		return
	}

	a.tracker.SetUtilization(samples)
	a.logger.Debug("Utilization samples updated", "accounts", len(samples))

	w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "accepted",
		"accounts": len(samples),
	})
}
