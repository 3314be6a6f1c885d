package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/quenby/porter/internal/core/constants"
	"github.com/quenby/porter/internal/version"
)

// statusResponse is the admin status document: the tracker snapshot plus
// process-level context.
type statusResponse struct {
	Service       string `json:"service"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	Subscriptions     any `json:"subscriptions"`
	TotalActive       int `json:"total_active"`
	TotalCapacity     int `json:"total_capacity"`
	AvailableCapacity int `json:"available_capacity"`
}

// statusHandler reports the live subscription pool state.
func (a *Application) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := a.tracker.Status()

	response := statusResponse{
		Service:           version.Name,
		Version:           version.Version,
		UptimeSeconds:     int64(time.Since(a.startTime).Seconds()),
		Subscriptions:     status.Subscriptions,
		TotalActive:       status.TotalActive,
		TotalCapacity:     status.TotalCapacity,
		AvailableCapacity: status.AvailableCapacity,
	}

	w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("Failed to encode status response", "error", err)
	}
}
