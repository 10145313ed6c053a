package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/heartbeat"
	"flowline/internal/hub"
	"flowline/internal/overlay"
	"flowline/internal/repo"
)

// claimBatchSize bounds how many pending instances a single claim inspects
// while looking for a requirements match.
const claimBatchSize = 50

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Hub        *hub.Hub
	Heartbeats *heartbeat.Tracker
	Now        func() time.Time

	// claimMu serializes candidate selection so two claims in one process
	// never race on the same pending row. The SQL guard in ClaimProcessTx
	// stays the cross-process correctness check.
	claimMu sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Hub:        hub.New(),
		Heartbeats: heartbeat.New(),
		Now:        time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) leaseTTL() time.Duration {
	if e.Config != nil && e.Config.Server.LeaseTTL > 0 {
		return e.Config.Server.LeaseTTL
	}
	return 30 * time.Second
}

// EnqueueOptions are parameters for enqueueing a process instance.
type EnqueueOptions struct {
	ProjectName    string
	EntryPoint     string
	Requirements   []string
	ActiveProfiles []string
	Arguments      map[string]any
	ActorID        string
}

// Enqueue creates a pending process instance. The effective configuration is
// resolved once, here, from the project's stored base and the active
// profiles; claims later hand it out as-is.
func (e *Engine) Enqueue(ctx context.Context, opts EnqueueOptions) (domain.ProcessInstance, error) {
	if strings.TrimSpace(opts.ProjectName) == "" {
		return domain.ProcessInstance{}, fmt.Errorf("%w: project is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(opts.EntryPoint) == "" {
		return domain.ProcessInstance{}, fmt.Errorf("%w: entry point is required", ErrInvalidRequest)
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectName)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	if !project.HasEntryPoint(opts.EntryPoint) {
		return domain.ProcessInstance{}, fmt.Errorf("%w: entry point %s not defined for project %s", ErrInvalidRequest, opts.EntryPoint, opts.ProjectName)
	}
	merged, err := overlay.Resolve(project.Configuration, project.Profiles, opts.ActiveProfiles)
	if err != nil {
		return domain.ProcessInstance{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(opts.Arguments) > 0 {
		merged = overlay.Merge(merged, map[string]any{"arguments": opts.Arguments})
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.ProcessInstance{
		ID:             uuid.NewString(),
		ProjectName:    opts.ProjectName,
		EntryPoint:     opts.EntryPoint,
		Status:         domain.StatusStarting,
		Requirements:   opts.Requirements,
		ActiveProfiles: opts.ActiveProfiles,
		MergedConfig:   merged,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProcessTx(ctx, tx, p); err != nil {
		return domain.ProcessInstance{}, fmt.Errorf("insert process: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "process.enqueued", p.ProjectName, "process", p.ID, opts.ActorID, events.EventPayload{
		"entry_point": p.EntryPoint,
		"profiles":    p.ActiveProfiles,
	}); err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProcessInstance{}, err
	}
	return p, nil
}

// ClaimResult is what a successful claim hands to the agent.
type ClaimResult struct {
	Instance domain.ProcessInstance
	Lease    domain.Lease
}

// ClaimNext assigns the oldest matching pending instance to the agent. A nil
// result with nil error means nothing is pending; callers poll again.
func (e *Engine) ClaimNext(ctx context.Context, agentID string, capabilities []string) (*ClaimResult, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidRequest)
	}
	e.claimMu.Lock()
	defer e.claimMu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	candidates, err := e.Repo.ListStartingTx(ctx, tx, claimBatchSize)
	if err != nil {
		return nil, err
	}
	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	expiresAt := now.Add(e.leaseTTL()).UTC().Format(time.RFC3339)
	for _, candidate := range candidates {
		if !subset(candidate.Requirements, capabilities) {
			continue
		}
		err := e.Repo.ClaimProcessTx(ctx, tx, candidate.ID, agentID, expiresAt, nowStr)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "process.claimed", candidate.ProjectName, "process", candidate.ID, agentID, events.EventPayload{
			"expires_at": expiresAt,
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		candidate.Status = domain.StatusRunning
		candidate.LeaseOwner = &agentID
		candidate.LeaseExpiresAt = &expiresAt
		candidate.UpdatedAt = nowStr
		e.Heartbeats.Mark(candidate.ID)
		return &ClaimResult{
			Instance: candidate,
			Lease:    domain.Lease{InstanceID: candidate.ID, OwnerID: agentID, ExpiresAt: expiresAt},
		}, nil
	}
	return nil, nil
}

func subset(required, available []string) bool {
	for _, req := range required {
		found := false
		for _, c := range available {
			if c == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RenewLease extends the agent's lease by one TTL from now. Expiry never
// moves backwards. Returns ErrLeaseMismatch when the agent no longer owns a
// running lease on the instance.
func (e *Engine) RenewLease(ctx context.Context, instanceID, agentID string) (domain.Lease, error) {
	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	expiresAt := now.Add(e.leaseTTL()).UTC().Format(time.RFC3339)
	err := e.Repo.RenewLease(ctx, instanceID, agentID, expiresAt, nowStr)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Lease{}, ErrLeaseMismatch
	}
	if err != nil {
		return domain.Lease{}, err
	}
	e.Heartbeats.Mark(instanceID)
	return domain.Lease{InstanceID: instanceID, OwnerID: agentID, ExpiresAt: expiresAt}, nil
}

// ReportTerminal records the final status of an instance on behalf of the
// agent that ran it. The owner check and the status write are one atomic
// compare-and-set, so reports from superseded agents never land. A non-empty
// logRef is stored as a pointer to the run's log location.
func (e *Engine) ReportTerminal(ctx context.Context, instanceID, agentID, status, logRef string) error {
	if !domain.IsTerminal(status) {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidRequest, status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	nowStr := e.now().UTC().Format(time.RFC3339)
	err = e.Repo.SetTerminalTx(ctx, tx, instanceID, agentID, status, nowStr)
	if errors.Is(err, repo.ErrNotFound) {
		if _, getErr := e.Repo.GetProcessTx(ctx, tx, instanceID); errors.Is(getErr, repo.ErrNotFound) {
			return repo.ErrNotFound
		}
		return ErrLeaseMismatch
	}
	if err != nil {
		return err
	}
	if logRef != "" {
		if err := e.Repo.SetLogRefTx(ctx, tx, instanceID, logRef, nowStr); err != nil {
			return err
		}
	}
	p, err := e.Repo.GetProcessTx(ctx, tx, instanceID)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "process."+status, p.ProjectName, "process", instanceID, agentID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Heartbeats.Forget(instanceID)
	return nil
}

// Suspend parks a running instance until an external event resumes it. The
// agent gives up its lease; the owner column keeps the last owner so a resume
// can notify it.
func (e *Engine) Suspend(ctx context.Context, instanceID, agentID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	nowStr := e.now().UTC().Format(time.RFC3339)
	err = e.Repo.SuspendTx(ctx, tx, instanceID, agentID, nowStr)
	if errors.Is(err, repo.ErrNotFound) {
		if _, getErr := e.Repo.GetProcessTx(ctx, tx, instanceID); errors.Is(getErr, repo.ErrNotFound) {
			return repo.ErrNotFound
		}
		return ErrLeaseMismatch
	}
	if err != nil {
		return err
	}
	p, err := e.Repo.GetProcessTx(ctx, tx, instanceID)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "process.suspended", p.ProjectName, "process", instanceID, agentID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Heartbeats.Forget(instanceID)
	return nil
}

// Resume moves a suspended instance back into the pending queue, carrying the
// given arguments into the next claim payload. A connected former owner gets
// a resume command as a hint; delivery is best effort.
func (e *Engine) Resume(ctx context.Context, instanceID, actorID string, args map[string]any) (domain.ProcessInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProcessTx(ctx, tx, instanceID)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	if p.Status != domain.StatusSuspended {
		return domain.ProcessInstance{}, fmt.Errorf("%w: cannot resume %s instance", ErrInvalidTransition, p.Status)
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetResumeArgsTx(ctx, tx, instanceID, args, nowStr); err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := e.Repo.UpdateStatusTx(ctx, tx, instanceID, domain.StatusSuspended, domain.StatusStarting, nowStr); err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "process.resumed", p.ProjectName, "process", instanceID, actorID, nil); err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProcessInstance{}, err
	}
	if p.LeaseOwner != nil {
		e.Hub.Push(*p.LeaseOwner, domain.Command{
			ID:         uuid.NewString(),
			Type:       domain.CommandResume,
			InstanceID: instanceID,
			Args:       args,
			CreatedAt:  nowStr,
		})
	}
	p.Status = domain.StatusStarting
	p.ResumeArgs = args
	p.LeaseOwner = nil
	p.LeaseExpiresAt = nil
	p.UpdatedAt = nowStr
	return p, nil
}

// Cancel stops an instance. Pending and suspended instances are cancelled
// directly. For a running instance the lease owner gets a cancel command and
// is expected to report the terminal status itself; with force the server
// marks the instance cancelled immediately and lets the lease lapse.
func (e *Engine) Cancel(ctx context.Context, instanceID, actorID string, force bool) (domain.ProcessInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProcessTx(ctx, tx, instanceID)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	switch p.Status {
	case domain.StatusStarting, domain.StatusSuspended:
		if err := e.Repo.UpdateStatusTx(ctx, tx, instanceID, p.Status, domain.StatusCancelled, nowStr); err != nil {
			return domain.ProcessInstance{}, err
		}
		if err := e.Events.Append(ctx, tx, "process.cancelled", p.ProjectName, "process", instanceID, actorID, nil); err != nil {
			return domain.ProcessInstance{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.ProcessInstance{}, err
		}
		p.Status = domain.StatusCancelled
		p.LeaseOwner = nil
		p.LeaseExpiresAt = nil
		p.UpdatedAt = nowStr
		return p, nil
	case domain.StatusRunning:
		if force {
			if err := e.Repo.UpdateStatusTx(ctx, tx, instanceID, domain.StatusRunning, domain.StatusCancelled, nowStr); err != nil {
				return domain.ProcessInstance{}, err
			}
			if err := e.Events.Append(ctx, tx, "process.cancelled", p.ProjectName, "process", instanceID, actorID, events.EventPayload{"force": true}); err != nil {
				return domain.ProcessInstance{}, err
			}
		} else {
			if err := e.Events.Append(ctx, tx, "process.cancel_requested", p.ProjectName, "process", instanceID, actorID, nil); err != nil {
				return domain.ProcessInstance{}, err
			}
		}
		if err := tx.Commit(); err != nil {
			return domain.ProcessInstance{}, err
		}
		if p.LeaseOwner != nil {
			e.Hub.Push(*p.LeaseOwner, domain.Command{
				ID:         uuid.NewString(),
				Type:       domain.CommandCancel,
				InstanceID: instanceID,
				CreatedAt:  nowStr,
			})
		}
		if force {
			e.Heartbeats.Forget(instanceID)
			p.Status = domain.StatusCancelled
			p.LeaseOwner = nil
			p.LeaseExpiresAt = nil
			p.UpdatedAt = nowStr
		}
		return p, nil
	default:
		return domain.ProcessInstance{}, fmt.Errorf("%w: instance already %s", ErrInvalidTransition, p.Status)
	}
}

// ReclaimExpired requeues running instances whose lease ran out. Instances
// with a fresh in-memory heartbeat are skipped for one sweep to ride out a
// durable renew still in flight. Returns the requeued instance ids.
func (e *Engine) ReclaimExpired(ctx context.Context) ([]string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	expired, err := e.Repo.ListExpiredRunningTx(ctx, tx, nowStr)
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, p := range expired {
		if e.Heartbeats.FreshWithin(p.ID, e.leaseTTL()/3) {
			continue
		}
		if p.LeaseOwner == nil {
			continue
		}
		err := e.Repo.RequeueExpiredTx(ctx, tx, p.ID, *p.LeaseOwner, nowStr, nowStr)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "process.reclaimed", p.ProjectName, "process", p.ID, "system", events.EventPayload{
			"previous_owner": *p.LeaseOwner,
		}); err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, p.ID)
	}
	if len(reclaimed) == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, id := range reclaimed {
		e.Heartbeats.Forget(id)
	}
	return reclaimed, nil
}
