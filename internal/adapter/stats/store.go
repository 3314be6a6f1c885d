package stats

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quenby/porter/internal/core/domain"
	"github.com/quenby/porter/internal/core/ports"
	"github.com/quenby/porter/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	client_id TEXT NOT NULL,
	subscription TEXT NOT NULL,
	model TEXT DEFAULT '',
	input_tokens INTEGER DEFAULT 0,
	output_tokens INTEGER DEFAULT 0,
	status_code INTEGER DEFAULT 0,
	latency_ms INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_requests_timestamp
	ON requests(timestamp);
CREATE INDEX IF NOT EXISTS idx_requests_client
	ON requests(client_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_requests_subscription
	ON requests(subscription, timestamp);

CREATE TABLE IF NOT EXISTS clients (
	client_id TEXT PRIMARY KEY,
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	total_requests INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS daily_usage (
	date TEXT NOT NULL,
	client_id TEXT NOT NULL,
	subscription TEXT NOT NULL,
	requests INTEGER DEFAULT 0,
	input_tokens INTEGER DEFAULT 0,
	output_tokens INTEGER DEFAULT 0,
	PRIMARY KEY (date, client_id, subscription)
);
`

// heavyClientDailyTokens is the classification threshold: clients averaging
// more than this many tokens per day over the last week count as heavy.
const heavyClientDailyTokens = 1_000_000

// SQLiteStore persists per-request usage. It sits off the routing path:
// writes are fire-and-forget and reads feed reporting endpoints and the
// advisory hints cache.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.StyledLogger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the usage database and applies the
// schema. The parent directory is created if missing.
func NewSQLiteStore(path string, log *logger.StyledLogger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=30000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database %s: %w", path, err)
	}
	// SQLite serialises writers; a single connection avoids database-locked
	// errors under concurrent fire-and-forget writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise usage schema: %w", err)
	}

	log.Info("Usage storage initialised", "path", path)
	return &SQLiteStore{db: db, logger: log, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordRequest writes one completed request into the log, the client
// tracking table, and the daily rollup in a single transaction.
func (s *SQLiteStore) RecordRequest(ctx context.Context, rec ports.RequestRecord) error {
	timestamp := rec.Timestamp.UTC().Format(time.RFC3339Nano)
	date := rec.Timestamp.UTC().Format("2006-01-02")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin usage transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO requests
		(timestamp, client_id, subscription, model, input_tokens, output_tokens, status_code, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		timestamp, rec.ClientID, rec.Subscription, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.StatusCode, rec.LatencyMs); err != nil {
		return fmt.Errorf("failed to insert request record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO clients (client_id, first_seen, last_seen, total_requests)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(client_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			total_requests = total_requests + 1`,
		rec.ClientID, timestamp, timestamp); err != nil {
		return fmt.Errorf("failed to update client record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_usage (date, client_id, subscription, requests, input_tokens, output_tokens)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(date, client_id, subscription) DO UPDATE SET
			requests = requests + 1,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens`,
		date, rec.ClientID, rec.Subscription, rec.InputTokens, rec.OutputTokens); err != nil {
		return fmt.Errorf("failed to update daily usage: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) periodStart(period string) (time.Time, string) {
	now := s.now().UTC()
	var start time.Time
	switch period {
	case "week":
		start = now.AddDate(0, 0, -7)
	case "month":
		start = now.AddDate(0, 0, -30)
	default:
		period = "day"
		start = now.AddDate(0, 0, -1)
	}
	return start, period
}

// GetUsage returns the rollup for a reporting period ("day", "week" or
// "month"; anything else falls back to "day").
func (s *SQLiteStore) GetUsage(ctx context.Context, period string) (ports.UsageStats, error) {
	start, period := s.periodStart(period)
	startDate := start.Format("2006-01-02")

	stats := ports.UsageStats{
		Period:         period,
		StartTime:      start,
		EndTime:        s.now().UTC(),
		ByClient:       make(map[string]ports.PeriodTotals),
		BySubscription: make(map[string]ports.PeriodTotals),
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(requests), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM daily_usage
		WHERE date >= ?`, startDate)
	if err := row.Scan(&stats.TotalRequests, &stats.TotalInputTokens, &stats.TotalOutputTokens); err != nil {
		return stats, fmt.Errorf("failed to query usage totals: %w", err)
	}

	if err := s.groupedTotals(ctx, `
		SELECT client_id, SUM(requests), SUM(input_tokens), SUM(output_tokens)
		FROM daily_usage
		WHERE date >= ?
		GROUP BY client_id`, startDate, stats.ByClient); err != nil {
		return stats, err
	}

	if err := s.groupedTotals(ctx, `
		SELECT subscription, SUM(requests), SUM(input_tokens), SUM(output_tokens)
		FROM daily_usage
		WHERE date >= ?
		GROUP BY subscription`, startDate, stats.BySubscription); err != nil {
		return stats, err
	}

	return stats, nil
}

func (s *SQLiteStore) groupedTotals(ctx context.Context, query, startDate string, out map[string]ports.PeriodTotals) error {
	rows, err := s.db.QueryContext(ctx, query, startDate)
	if err != nil {
		return fmt.Errorf("failed to query grouped usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var totals ports.PeriodTotals
		if err := rows.Scan(&key, &totals.Requests, &totals.InputTokens, &totals.OutputTokens); err != nil {
			return fmt.Errorf("failed to scan grouped usage: %w", err)
		}
		out[key] = totals
	}
	return rows.Err()
}

// GetClientUsage returns the period rollup filtered to one client.
func (s *SQLiteStore) GetClientUsage(ctx context.Context, clientID, period string) (ports.UsageStats, error) {
	start, period := s.periodStart(period)
	startDate := start.Format("2006-01-02")

	stats := ports.UsageStats{
		Period:         period,
		StartTime:      start,
		EndTime:        s.now().UTC(),
		ByClient:       make(map[string]ports.PeriodTotals),
		BySubscription: make(map[string]ports.PeriodTotals),
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(requests), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM daily_usage
		WHERE client_id = ? AND date >= ?`, clientID, startDate)
	if err := row.Scan(&stats.TotalRequests, &stats.TotalInputTokens, &stats.TotalOutputTokens); err != nil {
		return stats, fmt.Errorf("failed to query client usage totals: %w", err)
	}
	if stats.TotalRequests > 0 {
		stats.ByClient[clientID] = ports.PeriodTotals{
			Requests:     stats.TotalRequests,
			InputTokens:  stats.TotalInputTokens,
			OutputTokens: stats.TotalOutputTokens,
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT subscription, SUM(requests), SUM(input_tokens), SUM(output_tokens)
		FROM daily_usage
		WHERE client_id = ? AND date >= ?
		GROUP BY subscription`, clientID, startDate)
	if err != nil {
		return stats, fmt.Errorf("failed to query client subscription usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var totals ports.PeriodTotals
		if err := rows.Scan(&key, &totals.Requests, &totals.InputTokens, &totals.OutputTokens); err != nil {
			return stats, fmt.Errorf("failed to scan client subscription usage: %w", err)
		}
		stats.BySubscription[key] = totals
	}
	return stats, rows.Err()
}

// GetClients lists every known client with lifetime totals. activeWindow is
// accepted for interface symmetry; all clients are returned, newest first.
func (s *SQLiteStore) GetClients(ctx context.Context, activeWindow time.Duration) ([]ports.ClientStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.client_id,
			c.total_requests,
			c.last_seen,
			COALESCE(SUM(d.input_tokens), 0),
			COALESCE(SUM(d.output_tokens), 0)
		FROM clients c
		LEFT JOIN daily_usage d ON c.client_id = d.client_id
		GROUP BY c.client_id
		ORDER BY c.last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var clients []ports.ClientStats
	for rows.Next() {
		var client ports.ClientStats
		var lastSeen string
		if err := rows.Scan(&client.ClientID, &client.TotalRequests, &lastSeen,
			&client.TotalInputTokens, &client.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("failed to scan client row: %w", err)
		}
		client.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

// ClientProfiles derives the advisory routing profile for every client seen
// in the last week: the subscription they land on most often, and a coarse
// light/heavy classification by average daily token volume.
func (s *SQLiteStore) ClientProfiles(ctx context.Context) (map[string]domain.ClientProfile, error) {
	startDate := s.now().UTC().AddDate(0, 0, -7).Format("2006-01-02")

	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, subscription, SUM(requests), SUM(input_tokens) + SUM(output_tokens)
		FROM daily_usage
		WHERE date >= ?
		GROUP BY client_id, subscription`, startDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query client profiles: %w", err)
	}
	defer rows.Close()

	type accum struct {
		preferred    string
		preferredReq int64
		totalTokens  int64
	}
	accums := make(map[string]*accum)

	for rows.Next() {
		var clientID, subscription string
		var requests, tokens int64
		if err := rows.Scan(&clientID, &subscription, &requests, &tokens); err != nil {
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		a, ok := accums[clientID]
		if !ok {
			a = &accum{}
			accums[clientID] = a
		}
		a.totalTokens += tokens
		if requests > a.preferredReq {
			a.preferred = subscription
			a.preferredReq = requests
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	profiles := make(map[string]domain.ClientProfile, len(accums))
	for clientID, a := range accums {
		classification := domain.ClassificationLight
		if a.totalTokens/7 > heavyClientDailyTokens {
			classification = domain.ClassificationHeavy
		}
		profiles[clientID] = domain.ClientProfile{
			ClientID:              clientID,
			PreferredSubscription: a.preferred,
			Classification:        classification,
		}
	}
	return profiles, nil
}

// SubscriptionRates returns requests-per-minute per subscription measured
// over the last minute of the request log.
func (s *SQLiteStore) SubscriptionRates(ctx context.Context) (map[string]float64, error) {
	cutoff := s.now().UTC().Add(-time.Minute).Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx, `
		SELECT subscription, COUNT(*)
		FROM requests
		WHERE timestamp >= ?
		GROUP BY subscription`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription rates: %w", err)
	}
	defer rows.Close()

	rates := make(map[string]float64)
	for rows.Next() {
		var subscription string
		var count float64
		if err := rows.Scan(&subscription, &count); err != nil {
			return nil, fmt.Errorf("failed to scan rate row: %w", err)
		}
		rates[subscription] = count
	}
	return rates, rows.Err()
}

// CleanupOldRequests deletes raw request records older than retainDays; the
// daily rollups are kept.
func (s *SQLiteStore) CleanupOldRequests(ctx context.Context, retainDays int) (int64, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -retainDays).Format(time.RFC3339Nano)

	result, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old request records: %w", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		s.logger.InfoWithCount("Cleaned up old request records", int(deleted))
	}
	return deleted, nil
}
