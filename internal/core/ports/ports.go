package ports

import (
	"context"
	"time"

	"github.com/quenby/porter/internal/core/domain"
)

// SubscriptionTracker mediates every routing decision: candidate selection,
// the capacity gate, cooldown bookkeeping, and the status snapshot.
type SubscriptionTracker interface {
	// Select returns the best candidate for a new request, or nil when every
	// subscription is disabled, saturated, or cooling down.
	Select(hints *domain.SelectionHints) *domain.SubscriptionState
	// Acquire claims a capacity slot. It never blocks; ok is false when a
	// concurrent caller won the last slot after Select. The release func is
	// idempotent and must run on every exit path.
	Acquire(state *domain.SubscriptionState) (release func(), ok bool)
	RecordRateLimit(state *domain.SubscriptionState)
	RecordError(state *domain.SubscriptionState)
	SetUtilization(samples map[string]domain.AccountUtilization)
	Status() domain.TrackerStatus
}

// HintSource supplies advisory selection inputs for a downstream client.
// Implementations must be cheap; they sit on the request path.
type HintSource interface {
	Hints(clientID string) *domain.SelectionHints
}

// RequestRecord is one completed proxied request, written fire-and-forget to
// the usage store.
type RequestRecord struct {
	Timestamp    time.Time
	ClientID     string
	Subscription string
	Model        string
	InputTokens  int64
	OutputTokens int64
	StatusCode   int
	LatencyMs    int64
}

// ClientStats aggregates usage for one downstream client.
type ClientStats struct {
	ClientID          string    `json:"client_id"`
	TotalRequests     int64     `json:"total_requests"`
	TotalInputTokens  int64     `json:"total_input_tokens"`
	TotalOutputTokens int64     `json:"total_output_tokens"`
	LastSeen          time.Time `json:"last_seen"`
}

// PeriodTotals is a usage rollup keyed by client or subscription.
type PeriodTotals struct {
	Requests     int64 `json:"requests"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// UsageStats is the usage rollup for one reporting period.
type UsageStats struct {
	Period            string                  `json:"period"`
	StartTime         time.Time               `json:"start_time"`
	EndTime           time.Time               `json:"end_time"`
	TotalRequests     int64                   `json:"total_requests"`
	TotalInputTokens  int64                   `json:"total_input_tokens"`
	TotalOutputTokens int64                   `json:"total_output_tokens"`
	ByClient          map[string]PeriodTotals `json:"by_client"`
	BySubscription    map[string]PeriodTotals `json:"by_subscription"`
}

// UsageStore persists per-request usage for reporting and advisory routing
// hints. It is not on the routing correctness path: callers log failures and
// move on.
type UsageStore interface {
	RecordRequest(ctx context.Context, rec RequestRecord) error
	GetUsage(ctx context.Context, period string) (UsageStats, error)
	GetClients(ctx context.Context, activeWindow time.Duration) ([]ClientStats, error)
	GetClientUsage(ctx context.Context, clientID, period string) (UsageStats, error)
	ClientProfiles(ctx context.Context) (map[string]domain.ClientProfile, error)
	SubscriptionRates(ctx context.Context) (map[string]float64, error)
	CleanupOldRequests(ctx context.Context, retainDays int) (int64, error)
	Close() error
}

// MetricsCollector records proxy outcomes for the metrics surface.
type MetricsCollector interface {
	RecordRequest(subscription string, statusCode int, streaming bool, latency time.Duration)
	RecordRateLimit(subscription string)
	IncActive(subscription string)
	DecActive(subscription string)
}
