package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"repairline/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.TechnicianID == "" {
		return errors.New("technician_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO api_keys(id, technician_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`),
		key.ID, key.TechnicianID, nullable(key.Name), key.KeyHash, key.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT id, technician_id, COALESCE(name,''), key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`), hash)
	var key domain.APIKey
	var created string
	err := row.Scan(&key.ID, &key.TechnicianID, &key.Name, &key.KeyHash, &created)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	if key.CreatedAt, err = parseTimestamp("api key created_at", created); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// ListAPIKeys returns API keys, optionally filtered by technician ID.
func (r Repo) ListAPIKeys(ctx context.Context, technicianID string) ([]domain.APIKey, error) {
	query := `SELECT id, technician_id, COALESCE(name,''), key_hash, created_at FROM api_keys`
	var args []any
	if technicianID != "" {
		query += ` WHERE technician_id=?`
		args = append(args, technicianID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		var created string
		if err := rows.Scan(&key.ID, &key.TechnicianID, &key.Name, &key.KeyHash, &created); err != nil {
			return nil, err
		}
		var err error
		if key.CreatedAt, err = parseTimestamp("api key created_at", created); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM api_keys WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
