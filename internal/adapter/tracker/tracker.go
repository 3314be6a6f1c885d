package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/quenby/porter/internal/core/domain"
	"github.com/quenby/porter/internal/logger"
	"github.com/quenby/porter/pkg/format"
)

// Tracker owns the full set of subscription states and makes every routing
// decision: eligibility filtering, candidate scoring, the capacity gate, and
// cooldown bookkeeping. Its mutex guards the map itself; per-subscription
// counters live behind each state's own lock, so no lock is ever held across
// network I/O.
type Tracker struct {
	mu       sync.RWMutex
	states   map[string]*domain.SubscriptionState
	order    []string
	util     map[string]domain.AccountUtilization
	cooldown time.Duration
	logger   *logger.StyledLogger
	now      func() time.Time
}

func New(subs []domain.Subscription, cooldown time.Duration, log *logger.StyledLogger) *Tracker {
	t := &Tracker{
		cooldown: cooldown,
		logger:   log,
		now:      time.Now,
	}
	t.install(subs)
	t.logger.InfoWithCount("Initialised subscription tracker", len(subs), "cooldown", cooldown)
	return t
}

func (t *Tracker) install(subs []domain.Subscription) {
	states := make(map[string]*domain.SubscriptionState, len(subs))
	order := make([]string, 0, len(subs))
	for _, sub := range subs {
		states[sub.Name] = domain.NewSubscriptionState(sub)
		order = append(order, sub.Name)
	}

	t.mu.Lock()
	t.states = states
	t.order = order
	t.mu.Unlock()
}

// ReplaceAll atomically swaps in a new subscription set. Requests already in
// flight keep their references to retired states and drain normally; new
// selections only ever see the new set.
func (t *Tracker) ReplaceAll(subs []domain.Subscription) {
	t.install(subs)
	t.logger.InfoWithCount("Replaced subscription set", len(subs))
}

// SetCooldown updates the post-429 cooldown window; existing deadlines are
// untouched.
func (t *Tracker) SetCooldown(cooldown time.Duration) {
	t.mu.Lock()
	t.cooldown = cooldown
	t.mu.Unlock()
}

// Subscription returns the state for a name, or nil.
func (t *Tracker) Subscription(name string) *domain.SubscriptionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[name]
}

type candidate struct {
	state     *domain.SubscriptionState
	available int
	priority  int
}

// Select returns the best eligible subscription for a new request, or nil
// when none qualifies. Selection and acquisition are deliberately not atomic;
// callers must be prepared for Acquire to report no capacity.
func (t *Tracker) Select(hints *domain.SelectionHints) *domain.SubscriptionState {
	now := t.now()

	t.mu.RLock()
	order := t.order
	states := t.states
	util := t.util
	t.mu.RUnlock()

	candidates := make([]candidate, 0, len(order))
	for _, name := range order {
		state := states[name]
		if !state.Enabled() {
			continue
		}
		available := state.AvailableCapacity()
		if available <= 0 {
			continue
		}
		if state.InCooldown(now) {
			continue
		}
		candidates = append(candidates, candidate{state: state, available: available, priority: state.Priority()})
	}

	if len(candidates) == 0 {
		t.logger.Warn("No subscriptions available for selection")
		return nil
	}

	if hints == nil && len(util) == 0 {
		return selectSimple(candidates)
	}
	return selectScored(candidates, hints, util)
}

// selectSimple is the capacity-and-priority policy: most headroom first,
// priority breaks ties.
func selectSimple(candidates []candidate) *domain.SubscriptionState {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].available != candidates[j].available {
			return candidates[i].available > candidates[j].available
		}
		return candidates[i].priority < candidates[j].priority
	})
	return candidates[0].state
}

// Acquire claims one slot on the state, pairing the increment with a
// release handle that is safe to call exactly once from any exit path. The
// capacity re-check lives inside TryAcquire because two selectors may race
// onto the same subscription.
func (t *Tracker) Acquire(state *domain.SubscriptionState) (func(), bool) {
	if !state.TryAcquire() {
		return nil, false
	}

	var once sync.Once
	release := func() {
		once.Do(state.Release)
	}
	return release, true
}

// RecordRateLimit stamps the cooldown deadline after an upstream 429. A later
// 429 can only extend the window, never shorten it.
func (t *Tracker) RecordRateLimit(state *domain.SubscriptionState) {
	t.mu.RLock()
	cooldown := t.cooldown
	t.mu.RUnlock()

	state.MarkRateLimited(t.now().Add(cooldown))
	t.logger.WarnCooldown("Rate limited, entering cooldown", state.Name(), "cooldown", format.TimeDuration(cooldown))
}

// RecordError counts a non-429 failure; it does not cool the subscription
// down.
func (t *Tracker) RecordError(state *domain.SubscriptionState) {
	state.MarkError()
}

// SetUtilization atomically replaces the advisory utilisation snapshot.
// Missing names mean "no data" and score neutrally.
func (t *Tracker) SetUtilization(samples map[string]domain.AccountUtilization) {
	copied := make(map[string]domain.AccountUtilization, len(samples))
	for name, sample := range samples {
		copied[name] = sample
	}

	t.mu.Lock()
	t.util = copied
	t.mu.Unlock()
}

// Status returns an immutable copy of per-subscription state plus aggregate
// counts for the status endpoint.
func (t *Tracker) Status() domain.TrackerStatus {
	now := t.now()

	t.mu.RLock()
	order := t.order
	states := t.states
	t.mu.RUnlock()

	status := domain.TrackerStatus{
		Subscriptions: make([]domain.SubscriptionSnapshot, 0, len(order)),
	}
	for _, name := range order {
		snap := states[name].Snapshot(now)
		status.Subscriptions = append(status.Subscriptions, snap)
		status.TotalActive += snap.ActiveConnections
		if snap.Enabled {
			status.TotalCapacity += snap.MaxConcurrent
		}
	}
	status.AvailableCapacity = status.TotalCapacity - status.TotalActive
	return status
}
