package buildqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

// ReasonLeaseExpired is the failure reason after repeated lease losses.
const ReasonLeaseExpired = "LeaseExpiredRepeatedly"

var (
	// ErrNotLeaseOwner is returned when a worker acts on a job whose lease it
	// does not hold or has lost.
	ErrNotLeaseOwner = errors.New("lease not held by worker")

	// ErrNotRunning is returned when the job is not in the running state.
	ErrNotRunning = errors.New("build is not running")
)

// Request asks for a commit to be turned into an image.
type Request struct {
	TenantID  string
	RepoURL   string
	CommitSHA string
	BuildEnv  map[string]string
}

// ContentKey derives the idempotency key for a request. Identical
// (tenant, repo, commit, buildEnv) inputs always map to the same key.
func ContentKey(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", req.TenantID, req.RepoURL, req.CommitSHA)
	keys := lo.Keys(req.BuildEnv)
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, req.BuildEnv[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Result is the terminal outcome a worker reports for a leased job.
type Result struct {
	ImageDigest   string
	FailureReason string
}

// Config bounds queue concurrency and retries.
type Config struct {
	GlobalConcurrency int
	TenantConcurrency int
	MaxAttempts       int
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency: 8,
		TenantConcurrency: 2,
		MaxAttempts:       3,
	}
}

// Queue is a persistent, idempotent FIFO build queue with an atomic lease
// model. Jobs are selected oldest-first within a tenant; tenants are served
// round-robin when several have pending work.
type Queue struct {
	store storage.Store
	bus   *events.Bus
	cfg   Config
	now   func() time.Time

	// lastTenant is the cursor for round-robin tenant fairness. In-memory
	// only; losing it on restart costs nothing but one rotation.
	lastTenant string
}

// New creates a queue over the store.
func New(store storage.Store, bus *events.Bus, cfg Config) *Queue {
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = DefaultConfig().GlobalConcurrency
	}
	if cfg.TenantConcurrency <= 0 {
		cfg.TenantConcurrency = DefaultConfig().TenantConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Queue{store: store, bus: bus, cfg: cfg, now: time.Now}
}

// Enqueue registers a build request. Duplicate requests return the existing
// build; only a newly created row emits build.queued.
func (q *Queue) Enqueue(ctx context.Context, req Request) (*types.Build, error) {
	if req.TenantID == "" || req.RepoURL == "" || req.CommitSHA == "" {
		return nil, fmt.Errorf("enqueue: tenant, repo and commit are required")
	}

	build := &types.Build{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		RepoURL:   req.RepoURL,
		CommitSHA: req.CommitSHA,
		BuildEnv:  req.BuildEnv,
		Key:       ContentKey(req),
		Status:    types.BuildPending,
		CreatedAt: q.now(),
	}

	winner, created, err := q.store.CreateBuildIdempotent(build)
	if err != nil {
		return nil, fmt.Errorf("enqueue build: %w", err)
	}
	if created {
		q.bus.Emit(ctx, events.ForBuild(events.BuildQueued, winner.TenantID, winner.ID, map[string]any{
			"repo":   winner.RepoURL,
			"commit": winner.CommitSHA,
		}))
		logger := log.WithBuild(winner.ID)
		logger.Info().
			Str("tenant", winner.TenantID).
			Str("commit", shortSHA(winner.CommitSHA)).
			Msg("Build queued")
	}
	return winner, nil
}

// Lease hands the oldest eligible pending job to workerID with a lease
// expiring at now+ttl. Returns nil when nothing is eligible.
func (q *Queue) Lease(ctx context.Context, workerID string, ttl time.Duration) (*types.Build, error) {
	if err := q.reclaimExpired(ctx); err != nil {
		return nil, err
	}

	builds, err := q.store.ListBuilds()
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}

	now := q.now()
	running := lo.Filter(builds, func(b *types.Build, _ int) bool {
		return b.Status == types.BuildRunning
	})
	if len(running) >= q.cfg.GlobalConcurrency {
		return nil, nil
	}
	runningByTenant := lo.CountValuesBy(running, func(b *types.Build) string { return b.TenantID })

	pending := lo.Filter(builds, func(b *types.Build, _ int) bool {
		return b.Status == types.BuildPending && runningByTenant[b.TenantID] < q.cfg.TenantConcurrency
	})
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, candidate := range q.fairOrder(pending) {
		leased, err := q.store.MutateBuild(candidate.ID, func(b *types.Build) error {
			if b.Status != types.BuildPending {
				return ErrNotRunning
			}
			b.Status = types.BuildRunning
			b.LeaseOwner = workerID
			b.LeaseExpiresAt = now.Add(ttl)
			b.StartedAt = now
			return nil
		})
		if err != nil {
			// Raced with another worker; try the next candidate.
			continue
		}
		q.lastTenant = leased.TenantID
		q.bus.Emit(ctx, events.ForBuild(events.BuildStarted, leased.TenantID, leased.ID, map[string]any{
			"worker":  workerID,
			"attempt": leased.Attempts + 1,
		}))
		return leased, nil
	}
	return nil, nil
}

// fairOrder rotates tenants so the tenant after the last served one goes
// first, preserving FIFO order within each tenant.
func (q *Queue) fairOrder(pending []*types.Build) []*types.Build {
	byTenant := lo.GroupBy(pending, func(b *types.Build) string { return b.TenantID })
	tenants := lo.Keys(byTenant)
	sort.Strings(tenants)

	start := 0
	for i, tenant := range tenants {
		if tenant > q.lastTenant {
			start = i
			break
		}
	}

	ordered := make([]*types.Build, 0, len(pending))
	remaining := len(pending)
	for round := 0; remaining > 0; round++ {
		for i := 0; i < len(tenants); i++ {
			jobs := byTenant[tenants[(start+i)%len(tenants)]]
			if round < len(jobs) {
				ordered = append(ordered, jobs[round])
				remaining--
			}
		}
	}
	return ordered
}

// Heartbeat extends the worker's lease. It fails once the lease has expired
// or moved to another worker.
func (q *Queue) Heartbeat(buildID, workerID string, ttl time.Duration) error {
	now := q.now()
	_, err := q.store.MutateBuild(buildID, func(b *types.Build) error {
		if b.Status != types.BuildRunning {
			return fmt.Errorf("build %s: %w", buildID, ErrNotRunning)
		}
		if b.LeaseOwner != workerID || b.LeaseExpiresAt.Before(now) {
			return fmt.Errorf("build %s: %w", buildID, ErrNotLeaseOwner)
		}
		b.LeaseExpiresAt = now.Add(ttl)
		return nil
	})
	return err
}

// Complete moves a leased job to its terminal state and emits the matching
// event. A digest marks success; otherwise the failure reason is recorded.
func (q *Queue) Complete(ctx context.Context, buildID, workerID string, result Result) error {
	now := q.now()
	completed, err := q.store.MutateBuild(buildID, func(b *types.Build) error {
		if b.Status != types.BuildRunning {
			return fmt.Errorf("build %s: %w", buildID, ErrNotRunning)
		}
		if b.LeaseOwner != workerID {
			return fmt.Errorf("build %s: %w", buildID, ErrNotLeaseOwner)
		}
		b.LeaseOwner = ""
		b.LeaseExpiresAt = time.Time{}
		b.CompletedAt = now
		if result.ImageDigest != "" {
			b.Status = types.BuildSucceeded
			b.ImageDigest = result.ImageDigest
		} else {
			b.Status = types.BuildFailed
			b.FailureReason = result.FailureReason
		}
		return nil
	})
	if err != nil {
		return err
	}

	if completed.Status == types.BuildSucceeded {
		q.bus.Emit(ctx, events.ForBuild(events.BuildSucceeded, completed.TenantID, completed.ID, map[string]any{
			"digest": completed.ImageDigest,
		}))
	} else {
		q.bus.Emit(ctx, events.ForBuild(events.BuildFailed, completed.TenantID, completed.ID, map[string]any{
			"reason": completed.FailureReason,
		}))
	}
	return nil
}

// Cancel aborts a pending build. Running builds are left to their worker.
func (q *Queue) Cancel(ctx context.Context, buildID string) error {
	_, err := q.store.MutateBuild(buildID, func(b *types.Build) error {
		if b.Status != types.BuildPending {
			return fmt.Errorf("build %s: %w", buildID, storage.ErrTerminal)
		}
		b.Status = types.BuildCancelled
		b.CompletedAt = q.now()
		return nil
	})
	return err
}

// reclaimExpired returns lease-expired jobs to pending, failing them for good
// after MaxAttempts losses.
func (q *Queue) reclaimExpired(ctx context.Context) error {
	running, err := q.store.ListBuildsByStatus(types.BuildRunning)
	if err != nil {
		return fmt.Errorf("list running builds: %w", err)
	}

	now := q.now()
	for _, b := range running {
		if !b.LeaseExpiresAt.Before(now) {
			continue
		}
		reclaimed, err := q.store.MutateBuild(b.ID, func(b *types.Build) error {
			if b.Status != types.BuildRunning || !b.LeaseExpiresAt.Before(now) {
				return ErrNotRunning
			}
			b.Attempts++
			b.LeaseOwner = ""
			b.LeaseExpiresAt = time.Time{}
			if b.Attempts >= q.cfg.MaxAttempts {
				b.Status = types.BuildFailed
				b.FailureReason = ReasonLeaseExpired
				b.CompletedAt = now
			} else {
				b.Status = types.BuildPending
			}
			return nil
		})
		if err != nil {
			continue
		}
		if reclaimed.Status == types.BuildFailed {
			q.bus.Emit(ctx, events.ForBuild(events.BuildFailed, reclaimed.TenantID, reclaimed.ID, map[string]any{
				"reason": reclaimed.FailureReason,
			}))
			logger2 := log.WithBuild(reclaimed.ID)
			logger2.Warn().
				Int("attempts", reclaimed.Attempts).
				Msg("Build failed after repeated lease expiry")
		} else {
			logger3 := log.WithBuild(reclaimed.ID)
			logger3.Warn().
				Int("attempts", reclaimed.Attempts).
				Msg("Expired lease reclaimed")
		}
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return strings.TrimSpace(sha)
}
