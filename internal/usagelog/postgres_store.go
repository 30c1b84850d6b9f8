package usagelog

import (
	"context"
	"fmt"
	"time"

	"github.com/guardapi/guard/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists entries in the usage_logs table
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, entries []*models.UsageLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.ID, e.Timestamp, e.KID, e.ClientKey, e.IP, e.Route, e.Method, e.Allowed, string(e.Reason)}
	}

	_, err := s.db.CopyFrom(ctx,
		pgx.Identifier{"usage_logs"},
		[]string{"id", "ts", "kid", "client_key", "ip", "route", "method", "allowed", "reason"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to append usage logs: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, kid string, limit int) ([]*models.UsageLogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ts, kid, client_key, ip, route, method, allowed, reason
		FROM usage_logs
		WHERE kid = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`, kid, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.UsageLogEntry
	for rows.Next() {
		var e models.UsageLogEntry
		var reason string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.KID, &e.ClientKey, &e.IP, &e.Route, &e.Method, &e.Allowed, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		e.Reason = models.Reason(reason)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) DailyCounts(ctx context.Context, kid string, from, to time.Time) (map[string]models.DayCount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT to_char(ts AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		       COUNT(*) FILTER (WHERE allowed) AS allowed,
		       COUNT(*) FILTER (WHERE NOT allowed) AS blocked
		FROM usage_logs
		WHERE kid = $1 AND ts >= $2 AND ts < $3
		GROUP BY day
	`, kid, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage logs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]models.DayCount)
	for rows.Next() {
		var day string
		var c models.DayCount
		if err := rows.Scan(&day, &c.Allowed, &c.Blocked); err != nil {
			return nil, fmt.Errorf("failed to scan daily counts: %w", err)
		}
		counts[day] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily counts: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, kids []string, cutoff time.Time, limit int) (int64, error) {
	if len(kids) == 0 {
		return 0, nil
	}

	tag, err := s.db.Exec(ctx, `
		DELETE FROM usage_logs
		WHERE id IN (
			SELECT id FROM usage_logs
			WHERE kid = ANY($1) AND ts < $2
			LIMIT $3
		)
	`, kids, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
