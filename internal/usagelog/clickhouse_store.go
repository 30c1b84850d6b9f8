package usagelog

import (
	"context"
	"fmt"
	"time"

	"github.com/guardapi/guard/internal/models"
	"github.com/jmoiron/sqlx"
)

const clickHouseSchema = `
CREATE TABLE IF NOT EXISTS usage_logs (
    id         String,
    ts         DateTime64(3, 'UTC'),
    kid        String,
    client_key String,
    ip         String,
    route      String,
    method     LowCardinality(String),
    allowed    Bool,
    reason     LowCardinality(String)
) ENGINE = MergeTree
ORDER BY (kid, ts, id)
`

// ClickHouseStore keeps entries in a ClickHouse MergeTree table for
// high-volume deployments
type ClickHouseStore struct {
	ch *sqlx.DB
}

// NewClickHouseStore creates a ClickHouse-backed store
func NewClickHouseStore(ch *sqlx.DB) *ClickHouseStore {
	return &ClickHouseStore{ch: ch}
}

// EnsureSchema creates the usage_logs table if it does not exist
func (s *ClickHouseStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.ch.ExecContext(ctx, clickHouseSchema); err != nil {
		return fmt.Errorf("create clickhouse schema: %w", err)
	}
	return nil
}

type chEntry struct {
	ID        string    `db:"id"`
	Timestamp time.Time `db:"ts"`
	KID       string    `db:"kid"`
	ClientKey string    `db:"client_key"`
	IP        string    `db:"ip"`
	Route     string    `db:"route"`
	Method    string    `db:"method"`
	Allowed   bool      `db:"allowed"`
	Reason    string    `db:"reason"`
}

func (s *ClickHouseStore) Append(ctx context.Context, entries []*models.UsageLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.ch.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clickhouse batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO usage_logs (id, ts, kid, client_key, ip, route, method, allowed, reason)`)
	if err != nil {
		return fmt.Errorf("prepare clickhouse batch: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Timestamp.UTC(), e.KID, e.ClientKey, e.IP, e.Route, e.Method, e.Allowed, string(e.Reason),
		); err != nil {
			return fmt.Errorf("append clickhouse row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("send clickhouse batch: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) Query(ctx context.Context, kid string, limit int) ([]*models.UsageLogEntry, error) {
	var rows []chEntry
	err := s.ch.SelectContext(ctx, &rows, `
		SELECT id, ts, kid, client_key, ip, route, method, allowed, reason
		FROM usage_logs
		WHERE kid = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, kid, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query clickhouse usage logs: %w", err)
	}

	entries := make([]*models.UsageLogEntry, len(rows))
	for i, r := range rows {
		entries[i] = &models.UsageLogEntry{
			ID:        r.ID,
			Timestamp: r.Timestamp.UTC(),
			KID:       r.KID,
			ClientKey: r.ClientKey,
			IP:        r.IP,
			Route:     r.Route,
			Method:    r.Method,
			Allowed:   r.Allowed,
			Reason:    models.Reason(r.Reason),
		}
	}
	return entries, nil
}

func (s *ClickHouseStore) DailyCounts(ctx context.Context, kid string, from, to time.Time) (map[string]models.DayCount, error) {
	var rows []struct {
		Day     string `db:"day"`
		Allowed int64  `db:"allowed"`
		Blocked int64  `db:"blocked"`
	}
	err := s.ch.SelectContext(ctx, &rows, `
		SELECT toString(toDate(ts, 'UTC')) AS day,
		       toInt64(countIf(allowed)) AS allowed,
		       toInt64(countIf(NOT allowed)) AS blocked
		FROM usage_logs
		WHERE kid = ? AND ts >= ? AND ts < ?
		GROUP BY day
	`, kid, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("aggregate clickhouse usage logs: %w", err)
	}

	counts := make(map[string]models.DayCount, len(rows))
	for _, r := range rows {
		counts[r.Day] = models.DayCount{Allowed: r.Allowed, Blocked: r.Blocked}
	}
	return counts, nil
}

// DeleteBefore issues a lightweight delete for all matching rows. ClickHouse
// deletes cannot be bounded, so limit is ignored.
func (s *ClickHouseStore) DeleteBefore(ctx context.Context, kids []string, cutoff time.Time, limit int) (int64, error) {
	if len(kids) == 0 {
		return 0, nil
	}

	countQuery, args, err := sqlx.In(`SELECT toInt64(count()) FROM usage_logs WHERE kid IN (?) AND ts < ?`, kids, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("build clickhouse count: %w", err)
	}
	var n int64
	if err := s.ch.GetContext(ctx, &n, countQuery, args...); err != nil {
		return 0, fmt.Errorf("count expired clickhouse rows: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	deleteQuery, args, err := sqlx.In(`DELETE FROM usage_logs WHERE kid IN (?) AND ts < ?`, kids, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("build clickhouse delete: %w", err)
	}
	if _, err := s.ch.ExecContext(ctx, deleteQuery, args...); err != nil {
		return 0, fmt.Errorf("delete clickhouse usage logs: %w", err)
	}

	return n, nil
}
