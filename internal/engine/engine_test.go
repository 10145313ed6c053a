package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	// Clock is the mutable time the engine and heartbeat tracker see.
	Clock *time.Time
}

func (e testEnv) advance(d time.Duration) {
	*e.Clock = e.Clock.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := &config.Config{
		Projects: map[string]*config.Project{
			"proj-1": {
				EntryPoints: []string{"default", "deploy"},
				Configuration: map[string]any{
					"arguments": map[string]any{"region": "us", "retries": 3},
				},
				Profiles: map[string]*config.Profile{
					"eu": {Configuration: map[string]any{"arguments": map[string]any{"region": "eu"}}},
				},
			},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return now }
	eng.Heartbeats.Now = eng.Now
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	for name, p := range cfg.Projects {
		if err := r.UpsertProject(ctx, name, p); err != nil {
			t.Fatalf("seed project: %v", err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: &now}
}

func mustEnqueue(t *testing.T, env testEnv, opts engine.EnqueueOptions) domain.ProcessInstance {
	t.Helper()
	if opts.ProjectName == "" {
		opts.ProjectName = "proj-1"
	}
	if opts.EntryPoint == "" {
		opts.EntryPoint = "default"
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	p, err := env.Engine.Enqueue(env.Ctx, opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return p
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{ProjectName: "proj-1", ActorID: "tester"})
	if !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("missing entry point: expected invalid request, got %v", err)
	}
	_, err = env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{ProjectName: "nope", EntryPoint: "default", ActorID: "tester"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown project: expected not found, got %v", err)
	}
	_, err = env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{ProjectName: "proj-1", EntryPoint: "bogus", ActorID: "tester"})
	if !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("unknown entry point: expected invalid request, got %v", err)
	}
	_, err = env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{ProjectName: "proj-1", EntryPoint: "default", ActiveProfiles: []string{"nope"}, ActorID: "tester"})
	if !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("unknown profile: expected invalid request, got %v", err)
	}
}

func TestEnqueueResolvesProfiles(t *testing.T) {
	env := newTestEnv(t)
	p := mustEnqueue(t, env, engine.EnqueueOptions{ActiveProfiles: []string{"eu"}})
	args := p.MergedConfig["arguments"].(map[string]any)
	if args["region"] != "eu" {
		t.Fatalf("expected profile override, region=%v", args["region"])
	}
	if args["retries"] != float64(3) && args["retries"] != 3 {
		t.Fatalf("expected base key kept, retries=%v", args["retries"])
	}
}

func TestClaimHappyPath(t *testing.T) {
	env := newTestEnv(t)
	p := mustEnqueue(t, env, engine.EnqueueOptions{})

	res, err := env.Engine.ClaimNext(env.Ctx, "agent-1", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res == nil || res.Instance.ID != p.ID {
		t.Fatalf("expected to claim %s, got %+v", p.ID, res)
	}
	if res.Instance.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", res.Instance.Status)
	}

	// two heartbeats at half TTL each keep the lease alive
	firstExpiry := res.Lease.ExpiresAt
	env.advance(15 * time.Second)
	lease, err := env.Engine.RenewLease(env.Ctx, p.ID, "agent-1")
	if err != nil {
		t.Fatalf("renew 1: %v", err)
	}
	if lease.ExpiresAt <= firstExpiry {
		t.Fatalf("expected expiry to move forward: %s -> %s", firstExpiry, lease.ExpiresAt)
	}
	env.advance(15 * time.Second)
	if _, err := env.Engine.RenewLease(env.Ctx, p.ID, "agent-1"); err != nil {
		t.Fatalf("renew 2: %v", err)
	}

	if err := env.Engine.ReportTerminal(env.Ctx, p.ID, "agent-1", domain.StatusFinished, "s3://logs/run-1"); err != nil {
		t.Fatalf("report: %v", err)
	}
	got, err := env.Engine.Repo.GetProcess(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusFinished {
		t.Fatalf("expected finished, got %s", got.Status)
	}
	if got.LeaseOwner != nil || got.LeaseExpiresAt != nil {
		t.Fatalf("expected lease cleared, got %+v", got)
	}
	if got.LogRef != "s3://logs/run-1" {
		t.Fatalf("expected log ref stored, got %q", got.LogRef)
	}
}

func TestClaimNothingPending(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ClaimNext(env.Ctx, "agent-1", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res != nil {
		t.Fatalf("expected empty claim, got %+v", res)
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	mustEnqueue(t, env, engine.EnqueueOptions{})

	const racers = 8
	var wg sync.WaitGroup
	winners := make(chan string, racers)
	for i := 0; i < racers; i++ {
		agent := "agent-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.Engine.ClaimNext(env.Ctx, agent, nil)
			if err != nil {
				t.Errorf("claim %s: %v", agent, err)
				return
			}
			if res != nil {
				winners <- agent
			}
		}()
	}
	wg.Wait()
	close(winners)
	var count int
	for range winners {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winner, got %d", count)
	}
}

func TestRacingClaimsGetDistinctInstances(t *testing.T) {
	env := newTestEnv(t)
	const n = 5
	for i := 0; i < n; i++ {
		mustEnqueue(t, env, engine.EnqueueOptions{})
	}
	var wg sync.WaitGroup
	claimed := make(chan string, n)
	for i := 0; i < n; i++ {
		agent := "agent-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.Engine.ClaimNext(env.Ctx, agent, nil)
			if err != nil {
				t.Errorf("claim %s: %v", agent, err)
				return
			}
			if res != nil {
				claimed <- res.Instance.ID
			}
		}()
	}
	wg.Wait()
	close(claimed)
	seen := map[string]bool{}
	for id := range claimed {
		if seen[id] {
			t.Fatalf("instance %s claimed twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct assignments, got %d", n, len(seen))
	}
}

func TestClaimRespectsRequirements(t *testing.T) {
	env := newTestEnv(t)
	gpu := mustEnqueue(t, env, engine.EnqueueOptions{Requirements: []string{"gpu"}})
	plain := mustEnqueue(t, env, engine.EnqueueOptions{})

	res, err := env.Engine.ClaimNext(env.Ctx, "agent-1", []string{"docker"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res == nil || res.Instance.ID != plain.ID {
		t.Fatalf("expected the unconstrained instance, got %+v", res)
	}

	res, err = env.Engine.ClaimNext(env.Ctx, "agent-2", []string{"docker", "gpu"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res == nil || res.Instance.ID != gpu.ID {
		t.Fatalf("expected the gpu instance, got %+v", res)
	}
}

func TestExpiredLeaseIsReclaimedAndReassigned(t *testing.T) {
	env := newTestEnv(t)
	p := mustEnqueue(t, env, engine.EnqueueOptions{})

	if res, err := env.Engine.ClaimNext(env.Ctx, "agent-1", nil); err != nil || res == nil {
		t.Fatalf("first claim: %v %+v", err, res)
	}

	// nothing expired yet
	reclaimed, err := env.Engine.ReclaimExpired(env.Ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("expected no reclaims before expiry, got %v", reclaimed)
	}

	env.advance(31 * time.Second)
	reclaimed, err = env.Engine.ReclaimExpired(env.Ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != p.ID {
		t.Fatalf("expected %s reclaimed, got %v", p.ID, reclaimed)
	}
	got, err := env.Engine.Repo.GetProcess(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusStarting || got.LeaseOwner != nil {
		t.Fatalf("expected requeued instance, got %+v", got)
	}

	// second agent picks it up
	res, err := env.Engine.ClaimNext(env.Ctx, "agent-2", nil)
	if err != nil || res == nil {
		t.Fatalf("second claim: %v %+v", err, res)
	}

	// the superseded agent is a zombie now
	if _, err := env.Engine.RenewLease(env.Ctx, p.ID, "agent-1"); !errors.Is(err, engine.ErrLeaseMismatch) {
		t.Fatalf("zombie renew: expected lease mismatch, got %v", err)
	}
	if err := env.Engine.ReportTerminal(env.Ctx, p.ID, "agent-1", domain.StatusFinished, ""); !errors.Is(err, engine.ErrLeaseMismatch) {
		t.Fatalf("zombie report: expected lease mismatch, got %v", err)
	}

	// the current owner still works
	if err := env.Engine.ReportTerminal(env.Ctx, p.ID, "agent-2", domain.StatusFinished, ""); err != nil {
		t.Fatalf("current owner report: %v", err)
	}
}

func TestReclaimSkipsFreshHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	p := mustEnqueue(t, env, engine.EnqueueOptions{})
	if res, err := env.Engine.ClaimNext(env.Ctx, "agent-1", nil); err != nil || res == nil {
		t.Fatalf("claim: %v %+v", err, res)
	}
	env.advance(31 * time.Second)
	// a ping just happened even though the durable expiry lapsed
	env.Engine.Heartbeats.Mark(p.ID)
	reclaimed, err := env.Engine.ReclaimExpired(env.Ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("expected fresh instance skipped, got %v", reclaimed)
	}
}

func TestReportTerminalValidation(t *testing.T) {
	env := newTestEnv(t)
	p := mustEnqueue(t, env, engine.EnqueueOptions{})
	if res, err := env.Engine.ClaimNext(env.Ctx, "agent-1", nil); err != nil || res == nil {
		t.Fatalf("claim: %v %+v", err, res)
	}
	if err := env.Engine.ReportTerminal(env.Ctx, p.ID, "agent-1", "running", ""); !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("non-terminal status: expected invalid request, got %v", err)
	}
	if err := env.Engine.ReportTerminal(env.Ctx, "missing", "agent-1", domain.StatusFailed, ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown instance: expected not found, got %v", err)
	}
}

func TestCancelStarting(t *testing.T) {
	env := newTestEnv(t)
	p := mustEnqueue(t, env, engine.EnqueueOptions{})
	got, err := env.Engine.Cancel(env.Ctx, p.ID, "tester", false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	// terminal states are absorbing
	if _, err := env.Engine.Cancel(env.Ctx, p.ID, "tester", false); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("cancel terminal: expected invalid transition, got %v", err)
	}
}

func TestCancelRunning(t *testing.T) {
	env := newTestEnv(t)
	p := mustEnqueue(t, env, engine.EnqueueOptions{})
	if res, err := env.Engine.ClaimNext(env.Ctx, "agent-1", nil); err != nil || res == nil {
		t.Fatalf("claim: %v %+v", err, res)
	}

	// without force the instance stays running; the owner is asked to stop
	got, err := env.Engine.Cancel(env.Ctx, p.ID, "tester", false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.StatusRunning {
		t.Fatalf("expected still running, got %s", got.Status)
	}

	got, err = env.Engine.Cancel(env.Ctx, p.ID, "tester", true)
	if err != nil {
		t.Fatalf("force cancel: %v", err)
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	p := mustEnqueue(t, env, engine.EnqueueOptions{})
	if res, err := env.Engine.ClaimNext(env.Ctx, "agent-1", nil); err != nil || res == nil {
		t.Fatalf("claim: %v %+v", err, res)
	}

	if err := env.Engine.Suspend(env.Ctx, p.ID, "agent-2"); !errors.Is(err, engine.ErrLeaseMismatch) {
		t.Fatalf("suspend by non-owner: expected lease mismatch, got %v", err)
	}
	if err := env.Engine.Suspend(env.Ctx, p.ID, "agent-1"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	got, err := env.Engine.Repo.GetProcess(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusSuspended || got.LeaseExpiresAt != nil {
		t.Fatalf("expected suspended with no active lease, got %+v", got)
	}

	resumed, err := env.Engine.Resume(env.Ctx, p.ID, "tester", map[string]any{"approved": true})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != domain.StatusStarting {
		t.Fatalf("expected starting after resume, got %s", resumed.Status)
	}

	// the next claim carries the resume args
	res, err := env.Engine.ClaimNext(env.Ctx, "agent-3", nil)
	if err != nil || res == nil {
		t.Fatalf("claim after resume: %v %+v", err, res)
	}
	if res.Instance.ResumeArgs["approved"] != true {
		t.Fatalf("expected resume args in claim payload, got %+v", res.Instance.ResumeArgs)
	}

	// resuming a non-suspended instance fails
	if _, err := env.Engine.Resume(env.Ctx, p.ID, "tester", nil); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("resume running: expected invalid transition, got %v", err)
	}
}

func TestSuspendedCanBeCancelled(t *testing.T) {
	env := newTestEnv(t)
	p := mustEnqueue(t, env, engine.EnqueueOptions{})
	if res, err := env.Engine.ClaimNext(env.Ctx, "agent-1", nil); err != nil || res == nil {
		t.Fatalf("claim: %v %+v", err, res)
	}
	if err := env.Engine.Suspend(env.Ctx, p.ID, "agent-1"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	got, err := env.Engine.Cancel(env.Ctx, p.ID, "tester", false)
	if err != nil {
		t.Fatalf("cancel suspended: %v", err)
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}
