package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowline/internal/config"
	"flowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r Repo) UpsertProject(ctx context.Context, name string, cfg *config.Project) error {
	return r.UpsertProjectTx(ctx, nil, name, cfg)
}

func (r Repo) UpsertProjectTx(ctx context.Context, tx *sql.Tx, name string, cfg *config.Project) error {
	if cfg == nil {
		return fmt.Errorf("project config nil")
	}
	cfg.Name = name
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO projects(name,config_json,created_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET config_json=excluded.config_json`, name, string(payload), now)
	return err
}

func (r Repo) GetProject(ctx context.Context, name string) (*config.Project, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM projects WHERE name=?`, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Project
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	return &cfg, cfg.Validate()
}

func (r Repo) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM projects ORDER BY name`)
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

const processColumns = `instance_id,project_name,entry_point,status,requirements_json,active_profiles_json,merged_config_json,resume_args_json,lease_owner,lease_expires_at,log_ref,created_at,updated_at`

func scanProcess(scan func(dest ...any) error) (domain.ProcessInstance, error) {
	var (
		p            domain.ProcessInstance
		reqs         string
		profiles     string
		mergedCfg    string
		resumeArgs   sql.NullString
		leaseOwner   sql.NullString
		leaseExpires sql.NullString
	)
	err := scan(&p.ID, &p.ProjectName, &p.EntryPoint, &p.Status, &reqs, &profiles, &mergedCfg,
		&resumeArgs, &leaseOwner, &leaseExpires, &p.LogRef, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(reqs), &p.Requirements); err != nil {
		return p, fmt.Errorf("requirements of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(profiles), &p.ActiveProfiles); err != nil {
		return p, fmt.Errorf("active profiles of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(mergedCfg), &p.MergedConfig); err != nil {
		return p, fmt.Errorf("merged config of %s: %w", p.ID, err)
	}
	if resumeArgs.Valid && resumeArgs.String != "" {
		if err := json.Unmarshal([]byte(resumeArgs.String), &p.ResumeArgs); err != nil {
			return p, fmt.Errorf("resume args of %s: %w", p.ID, err)
		}
	}
	if leaseOwner.Valid {
		p.LeaseOwner = &leaseOwner.String
	}
	if leaseExpires.Valid {
		p.LeaseExpiresAt = &leaseExpires.String
	}
	return p, nil
}

func (r Repo) InsertProcessTx(ctx context.Context, tx *sql.Tx, p domain.ProcessInstance) error {
	reqs, err := marshalJSON(orEmptyList(p.Requirements))
	if err != nil {
		return err
	}
	profiles, err := marshalJSON(orEmptyList(p.ActiveProfiles))
	if err != nil {
		return err
	}
	mergedCfg, err := marshalJSON(orEmptyMap(p.MergedConfig))
	if err != nil {
		return err
	}
	var resumeArgs any
	if p.ResumeArgs != nil {
		s, err := marshalJSON(p.ResumeArgs)
		if err != nil {
			return err
		}
		resumeArgs = s
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO process_instances(`+processColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectName, p.EntryPoint, p.Status, reqs, profiles, mergedCfg, resumeArgs,
		nullablePtr(p.LeaseOwner), nullablePtr(p.LeaseExpiresAt), p.LogRef, p.CreatedAt, p.UpdatedAt)
	return err
}

func orEmptyList(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptyMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func (r Repo) GetProcess(ctx context.Context, id string) (domain.ProcessInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+processColumns+` FROM process_instances WHERE instance_id=?`, id)
	return scanProcess(row.Scan)
}

func (r Repo) GetProcessTx(ctx context.Context, tx *sql.Tx, id string) (domain.ProcessInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+processColumns+` FROM process_instances WHERE instance_id=?`, id)
	return scanProcess(row.Scan)
}

type ProcessFilter struct {
	ProjectName     string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProcesses(ctx context.Context, f ProcessFilter) ([]domain.ProcessInstance, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectName != "" {
		clauses = append(clauses, "project_name=?")
		args = append(args, f.ProjectName)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND instance_id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + processColumns + ` FROM process_instances WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY created_at DESC, instance_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProcessInstance
	for rows.Next() {
		p, err := scanProcess(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListStartingTx returns pending instances oldest first. Requirement matching
// happens in the engine; the limit bounds how many candidates it inspects.
func (r Repo) ListStartingTx(ctx context.Context, tx *sql.Tx, limit int) ([]domain.ProcessInstance, error) {
	query := `SELECT ` + processColumns + ` FROM process_instances WHERE status=? ORDER BY created_at ASC, instance_id ASC`
	args := []any{domain.StatusStarting}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProcessInstance
	for rows.Next() {
		p, err := scanProcess(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ClaimProcessTx atomically moves a pending instance to running with a lease.
// Returns ErrNotFound when the row was taken or changed by somebody else.
func (r Repo) ClaimProcessTx(ctx context.Context, tx *sql.Tx, instanceID, ownerID, expiresAt, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE process_instances SET status=?, lease_owner=?, lease_expires_at=?, updated_at=?
WHERE instance_id=? AND status=?`,
		domain.StatusRunning, ownerID, expiresAt, now, instanceID, domain.StatusStarting)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RenewLease extends the lease expiry, guarded by the current owner and the
// running status. Returns ErrNotFound when the caller no longer owns the lease.
func (r Repo) RenewLease(ctx context.Context, instanceID, ownerID, expiresAt, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE process_instances SET lease_expires_at=MAX(lease_expires_at,?), updated_at=?
WHERE instance_id=? AND lease_owner=? AND status=?`,
		expiresAt, now, instanceID, ownerID, domain.StatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTerminalTx moves a running instance owned by ownerID to a terminal status
// and clears the lease in the same statement.
func (r Repo) SetTerminalTx(ctx context.Context, tx *sql.Tx, instanceID, ownerID, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE process_instances SET status=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE instance_id=? AND lease_owner=? AND status=?`,
		status, now, instanceID, ownerID, domain.StatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpiredRunningTx returns running instances whose lease expired at or
// before the cutoff.
func (r Repo) ListExpiredRunningTx(ctx context.Context, tx *sql.Tx, cutoff string) ([]domain.ProcessInstance, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+processColumns+` FROM process_instances
WHERE status=? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`, domain.StatusRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProcessInstance
	for rows.Next() {
		p, err := scanProcess(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// RequeueExpiredTx moves one expired running instance back to starting,
// guarded by the owner and the expiry that made it a reclaim candidate.
func (r Repo) RequeueExpiredTx(ctx context.Context, tx *sql.Tx, instanceID, ownerID, cutoff, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE process_instances SET status=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE instance_id=? AND lease_owner=? AND status=? AND lease_expires_at <= ?`,
		domain.StatusStarting, now, instanceID, ownerID, domain.StatusRunning, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatusTx transitions an instance between non-lease statuses, guarded
// by the expected current status.
func (r Repo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, instanceID, fromStatus, toStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE process_instances SET status=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE instance_id=? AND status=?`,
		toStatus, now, instanceID, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SuspendTx moves a running instance to suspended, owner-checked. The owner
// column keeps the last owner so a later resume can notify it; the cleared
// expiry is what ends the lease.
func (r Repo) SuspendTx(ctx context.Context, tx *sql.Tx, instanceID, ownerID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE process_instances SET status=?, lease_expires_at=NULL, updated_at=?
WHERE instance_id=? AND lease_owner=? AND status=?`,
		domain.StatusSuspended, now, instanceID, ownerID, domain.StatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetResumeArgsTx records resume arguments for the next claim payload.
func (r Repo) SetResumeArgsTx(ctx context.Context, tx *sql.Tx, instanceID string, args map[string]any, now string) error {
	payload, err := marshalJSON(orEmptyMap(args))
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE process_instances SET resume_args_json=?, updated_at=? WHERE instance_id=?`,
		payload, now, instanceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetLogRefTx(ctx context.Context, tx *sql.Tx, instanceID, logRef, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE process_instances SET log_ref=?, updated_at=? WHERE instance_id=?`,
		logRef, now, instanceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EventFilter struct {
	ProjectName string
	Type        string
	Limit       int
	AfterID     int64
}

func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectName != "" {
		clauses = append(clauses, "project_name=?")
		args = append(args, f.ProjectName)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, f.AfterID)
	}
	query := `SELECT id,ts,type,COALESCE(project_name,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectName, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
