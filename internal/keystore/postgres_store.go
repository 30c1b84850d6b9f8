package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guardapi/guard/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const keyColumns = `kid, owner_user_id, name, plan, enabled, key_prefix, lookup_hash, secret_hash,
	created_at, last_seen_at, rotated_at, disabled_at`

// PostgresStore persists API keys in the api_keys table
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, key *models.APIKey) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO api_keys (kid, owner_user_id, name, plan, enabled, key_prefix, lookup_hash, secret_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, key.KID, key.OwnerUserID, key.Name, string(key.Plan), key.Enabled,
		key.KeyPrefix, key.LookupHash, key.SecretHash, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert API key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByKID(ctx context.Context, kid string) (*models.APIKey, error) {
	row := s.db.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE kid = $1`, kid)
	return scanKey(row)
}

func (s *PostgresStore) GetByLookupHash(ctx context.Context, lookupHash string) (*models.APIKey, error) {
	row := s.db.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE lookup_hash = $1`, lookupHash)
	return scanKey(row)
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerUserID string) ([]*models.APIKey, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys
		WHERE owner_user_id = $1
		ORDER BY created_at DESC, kid DESC
	`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating API keys: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) CountEnabledByOwner(ctx context.Context, ownerUserID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM api_keys
		WHERE owner_user_id = $1 AND enabled
	`, ownerUserID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count API keys: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ReplaceSecret(ctx context.Context, kid string, upd SecretUpdate) (string, error) {
	var previous string
	err := s.db.QueryRow(ctx, `
		UPDATE api_keys k
		SET key_prefix = $2,
		    lookup_hash = $3,
		    secret_hash = $4,
		    name = COALESCE($5, k.name),
		    rotated_at = $6
		FROM (SELECT kid, lookup_hash FROM api_keys WHERE kid = $1 FOR UPDATE) old
		WHERE k.kid = old.kid AND k.enabled
		RETURNING old.lookup_hash
	`, kid, upd.KeyPrefix, upd.LookupHash, upd.SecretHash, upd.Name, upd.RotatedAt).Scan(&previous)
	if err == nil {
		return previous, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to rotate API key: %w", err)
	}

	// Nothing updated: the key is either missing or disabled.
	var enabled bool
	err = s.db.QueryRow(ctx, `SELECT enabled FROM api_keys WHERE kid = $1`, kid).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get API key: %w", err)
	}
	return "", ErrKeyDisabled
}

func (s *PostgresStore) Disable(ctx context.Context, kid string, at time.Time) (string, error) {
	var hash string
	err := s.db.QueryRow(ctx, `
		UPDATE api_keys
		SET enabled = FALSE,
		    disabled_at = COALESCE(disabled_at, $2)
		WHERE kid = $1
		RETURNING lookup_hash
	`, kid, at).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to disable API key: %w", err)
	}
	return hash, nil
}

func (s *PostgresStore) SetPlan(ctx context.Context, kid string, plan models.PlanName) (string, error) {
	var hash string
	err := s.db.QueryRow(ctx, `
		UPDATE api_keys SET plan = $2 WHERE kid = $1 RETURNING lookup_hash
	`, kid, string(plan)).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to set plan: %w", err)
	}
	return hash, nil
}

func (s *PostgresStore) TouchLastSeen(ctx context.Context, seen map[string]time.Time) error {
	if len(seen) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for kid, ts := range seen {
		batch.Queue(`
			UPDATE api_keys
			SET last_seen_at = $2
			WHERE kid = $1 AND (last_seen_at IS NULL OR last_seen_at < $2)
		`, kid, ts)
	}

	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListKIDsByPlan(ctx context.Context, plan models.PlanName, afterKID string, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT kid FROM api_keys
		WHERE plan = $1 AND kid > $2
		ORDER BY kid
		LIMIT $3
	`, string(plan), afterKID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list kids: %w", err)
	}
	defer rows.Close()

	kids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan kids: %w", err)
	}
	return kids, nil
}

func scanKey(row pgx.Row) (*models.APIKey, error) {
	var key models.APIKey
	var plan string
	err := row.Scan(
		&key.KID, &key.OwnerUserID, &key.Name, &plan, &key.Enabled,
		&key.KeyPrefix, &key.LookupHash, &key.SecretHash,
		&key.CreatedAt, &key.LastSeenAt, &key.RotatedAt, &key.DisabledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to scan API key: %w", err)
	}
	key.Plan = models.PlanName(plan)
	return &key, nil
}
