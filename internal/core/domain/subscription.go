package domain

import (
	"strings"
	"sync"
	"time"

	"github.com/quenby/porter/internal/core/constants"
)

// Subscription is the static identity of one upstream credential with an
// independent rate-limit budget.
type Subscription struct {
	Name          string
	APIKey        string
	MaxConcurrent int
	Priority      int
	Enabled       bool
}

// UsesBearerAuth reports whether the credential should be sent as an
// Authorization bearer token rather than an x-api-key header.
func (s Subscription) UsesBearerAuth() bool {
	return !strings.HasPrefix(s.APIKey, constants.APIKeyPrefix)
}

// SubscriptionState is the runtime record for one subscription. The tracker
// owns every instance; mutation happens exclusively through tracker operations
// and the state's own lock. In-flight requests borrow a reference only for the
// duration of one request.
type SubscriptionState struct {
	Config Subscription

	mu            sync.Mutex
	active        int
	totalRequests uint64
	totalErrors   uint64
	cooldownUntil time.Time
}

func NewSubscriptionState(cfg Subscription) *SubscriptionState {
	return &SubscriptionState{Config: cfg}
}

func (s *SubscriptionState) Name() string { return s.Config.Name }

func (s *SubscriptionState) APIKey() string { return s.Config.APIKey }

func (s *SubscriptionState) MaxConcurrent() int { return s.Config.MaxConcurrent }

func (s *SubscriptionState) Priority() int { return s.Config.Priority }

func (s *SubscriptionState) Enabled() bool { return s.Config.Enabled }

// Active returns the number of currently in-flight requests.
func (s *SubscriptionState) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// AvailableCapacity returns how many more concurrent requests this
// subscription can carry.
func (s *SubscriptionState) AvailableCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableLocked()
}

func (s *SubscriptionState) availableLocked() int {
	if avail := s.Config.MaxConcurrent - s.active; avail > 0 {
		return avail
	}
	return 0
}

// TryAcquire claims one capacity slot if one is free. The capacity check is
// repeated here because selection and acquisition are not atomic: two
// selectors may race onto the same subscription and only one may win the
// last slot.
func (s *SubscriptionState) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.Config.MaxConcurrent {
		return false
	}
	s.active++
	s.totalRequests++
	return true
}

// Release returns a slot claimed by TryAcquire. It never drives active
// negative.
func (s *SubscriptionState) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.active--
	}
}

// MarkRateLimited stamps a cooldown deadline. Deadlines only ever move
// forward: a 429 racing with an earlier one never shortens the window.
func (s *SubscriptionState) MarkRateLimited(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
	}
	s.totalErrors++
}

// MarkError counts a non-429 failure without cooling the subscription down.
func (s *SubscriptionState) MarkError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalErrors++
}

// InCooldown reports whether the subscription is still shedding traffic after
// a recent 429. The deadline is wall clock, re-evaluated at each selection.
func (s *SubscriptionState) InCooldown(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.cooldownUntil)
}

func (s *SubscriptionState) CooldownUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownUntil
}

// TotalRequests returns the monotonic request counter.
func (s *SubscriptionState) TotalRequests() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalRequests
}

// TotalErrors returns the monotonic error counter.
func (s *SubscriptionState) TotalErrors() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalErrors
}

// SubscriptionSnapshot is an immutable copy of one subscription's state for
// the status surface.
type SubscriptionSnapshot struct {
	Name              string `json:"name"`
	ActiveConnections int    `json:"active_connections"`
	MaxConcurrent     int    `json:"max_concurrent"`
	Available         int    `json:"available"`
	Priority          int    `json:"priority"`
	InCooldown        bool   `json:"in_cooldown"`
	CooldownRemaining int    `json:"cooldown_remaining"`
	TotalRequests     uint64 `json:"total_requests"`
	TotalErrors       uint64 `json:"total_errors"`
	Enabled           bool   `json:"enabled"`
}

// Snapshot captures the state under the state lock.
func (s *SubscriptionState) Snapshot(now time.Time) SubscriptionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := 0
	if now.Before(s.cooldownUntil) {
		remaining = int(s.cooldownUntil.Sub(now).Seconds())
	}

	return SubscriptionSnapshot{
		Name:              s.Config.Name,
		ActiveConnections: s.active,
		MaxConcurrent:     s.Config.MaxConcurrent,
		Available:         s.availableLocked(),
		Priority:          s.Config.Priority,
		InCooldown:        now.Before(s.cooldownUntil),
		CooldownRemaining: remaining,
		TotalRequests:     s.totalRequests,
		TotalErrors:       s.totalErrors,
		Enabled:           s.Config.Enabled,
	}
}

// TrackerStatus aggregates the per-subscription snapshots for the status
// endpoint.
type TrackerStatus struct {
	Subscriptions     []SubscriptionSnapshot `json:"subscriptions"`
	TotalActive       int                    `json:"total_active"`
	TotalCapacity     int                    `json:"total_capacity"`
	AvailableCapacity int                    `json:"available_capacity"`
}
