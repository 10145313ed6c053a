package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"flowline/internal/domain"
)

// InsertAPIKey stores a hashed API key. KeyHash must already contain the digest.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.OwnerID == "" {
		return errors.New("owner_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO api_keys(key_id, owner_id, key_hash, created_at) VALUES (?,?,?,?)`,
		key.ID, key.OwnerID, key.KeyHash, key.CreatedAt)
	return err
}

// GetAPIKeyByHash returns an API key by its digest.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT key_id, owner_id, key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.OwnerID, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// ListAPIKeys returns API keys, optionally filtered by owner ID.
func (r Repo) ListAPIKeys(ctx context.Context, ownerID string) ([]domain.APIKey, error) {
	query := `SELECT key_id, owner_id, key_hash, created_at FROM api_keys`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		if err := rows.Scan(&key.ID, &key.OwnerID, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE key_id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
