package repo

import (
	"context"
	"database/sql"
	"time"

	"flowline/internal/domain"
)

// PutKv inserts or overwrites a key within an instance scope.
func (r Repo) PutKv(ctx context.Context, instanceID, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO kv_entries(instance_id,key,value,updated_at) VALUES (?,?,?,?)
ON CONFLICT(instance_id,key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		instanceID, key, value, now)
	return err
}

func (r Repo) GetKv(ctx context.Context, instanceID, key string) (domain.KvEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT instance_id,key,value FROM kv_entries WHERE instance_id=? AND key=?`, instanceID, key)
	var e domain.KvEntry
	err := row.Scan(&e.InstanceID, &e.Key, &e.Value)
	if err == sql.ErrNoRows {
		return domain.KvEntry{}, ErrNotFound
	}
	return e, err
}

func (r Repo) DeleteKv(ctx context.Context, instanceID, key string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM kv_entries WHERE instance_id=? AND key=?`, instanceID, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListKv(ctx context.Context, instanceID string) ([]domain.KvEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT instance_id,key,value FROM kv_entries WHERE instance_id=? ORDER BY key`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KvEntry
	for rows.Next() {
		var e domain.KvEntry
		if err := rows.Scan(&e.InstanceID, &e.Key, &e.Value); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
