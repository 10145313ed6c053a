package repo

import (
	"context"
	"database/sql"
	"time"

	"flowline/internal/domain"
)

// PutSecret stores a project-scoped secret value. The value is opaque bytes;
// it is never written to the event log.
func (r Repo) PutSecret(ctx context.Context, projectName, name string, value []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO secrets(project_name,name,value,created_at) VALUES (?,?,?,?)
ON CONFLICT(project_name,name) DO UPDATE SET value=excluded.value`,
		projectName, name, value, now)
	return err
}

func (r Repo) GetSecret(ctx context.Context, projectName, name string) (domain.Secret, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT project_name,name,value,created_at FROM secrets WHERE project_name=? AND name=?`, projectName, name)
	var s domain.Secret
	err := row.Scan(&s.ProjectName, &s.Name, &s.Value, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Secret{}, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSecretNames(ctx context.Context, projectName string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM secrets WHERE project_name=? ORDER BY name`, projectName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// GrantSecretRead gives an owner read access to a project's secrets.
func (r Repo) GrantSecretRead(ctx context.Context, projectName, ownerID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO secret_grants(project_name,owner_id) VALUES (?,?)
ON CONFLICT(project_name,owner_id) DO NOTHING`, projectName, ownerID)
	return err
}

func (r Repo) RevokeSecretRead(ctx context.Context, projectName, ownerID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM secret_grants WHERE project_name=? AND owner_id=?`, projectName, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasSecretRead reports whether the owner may read the project's secrets.
func (r Repo) HasSecretRead(ctx context.Context, projectName, ownerID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM secret_grants WHERE project_name=? AND owner_id=?`, projectName, ownerID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
