package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/quenby/porter/internal/core/constants"
	"github.com/quenby/porter/internal/version"
)

// healthHandler handles health check requests
func (a *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)

	response := map[string]string{"status": "healthy"}
	_ = json.NewEncoder(w).Encode(response)
}

// rootHandler answers anything outside the proxy and internal surfaces with
// a short service description.
func (a *Application) rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)

	response := map[string]any{
		"service": version.Name,
		"version": version.Version,
		"uptime":  time.Since(a.startTime).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(response)
}
