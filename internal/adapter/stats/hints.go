package stats

import (
	"context"
	"sync"
	"time"

	"github.com/quenby/porter/internal/core/domain"
	"github.com/quenby/porter/internal/core/ports"
	"github.com/quenby/porter/internal/logger"
)

const DefaultHintsRefreshInterval = 30 * time.Second

// HintsCache serves selection hints to the dispatcher from an in-memory
// snapshot refreshed in the background. Store queries never happen on the
// request path; a stale or empty snapshot just degrades selection to the
// capacity-and-priority policy.
type HintsCache struct {
	store    ports.UsageStore
	logger   *logger.StyledLogger
	interval time.Duration

	mu       sync.RWMutex
	profiles map[string]domain.ClientProfile
	rates    map[string]float64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewHintsCache(store ports.UsageStore, interval time.Duration, log *logger.StyledLogger) *HintsCache {
	if interval <= 0 {
		interval = DefaultHintsRefreshInterval
	}
	return &HintsCache{
		store:    store,
		logger:   log,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background refresh loop. It returns immediately; the
// first snapshot is loaded inline so hints are available from the first
// request.
func (h *HintsCache) Start(ctx context.Context) {
	h.refresh(ctx)

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.refresh(ctx)
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the refresh loop and waits for it to exit.
func (h *HintsCache) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *HintsCache) refresh(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	profiles, err := h.store.ClientProfiles(refreshCtx)
	if err != nil {
		h.logger.Debug("failed to refresh client profiles", "error", err)
		return
	}
	rates, err := h.store.SubscriptionRates(refreshCtx)
	if err != nil {
		h.logger.Debug("failed to refresh subscription rates", "error", err)
		return
	}

	h.mu.Lock()
	h.profiles = profiles
	h.rates = rates
	h.mu.Unlock()
}

// Hints returns the advisory scoring inputs for one client, or nil when the
// client is unknown and no rate data exists.
func (h *HintsCache) Hints(clientID string) *domain.SelectionHints {
	h.mu.RLock()
	profile, known := h.profiles[clientID]
	rates := h.rates
	h.mu.RUnlock()

	if !known && len(rates) == 0 {
		return nil
	}

	hints := &domain.SelectionHints{
		ClientID:          clientID,
		RequestsPerMinute: rates,
	}
	if known {
		hints.PreferredSubscription = profile.PreferredSubscription
		hints.Classification = profile.Classification
	}
	return hints
}
