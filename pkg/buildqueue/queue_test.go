package buildqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(store)
	bus.Start()
	t.Cleanup(bus.Stop)

	return New(store, bus, cfg), store
}

func request(tenant, commit string) Request {
	return Request{
		TenantID:  tenant,
		RepoURL:   "https://git.example.com/" + tenant + "/app.git",
		CommitSHA: commit,
		BuildEnv:  map[string]string{"NODE_ENV": "production"},
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	q, store := newTestQueue(t, Config{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, request("t1", "abc123"))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, request("t1", "abc123"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	builds, err := store.ListBuilds()
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

func TestContentKeyIgnoresEnvOrder(t *testing.T) {
	a := Request{TenantID: "t1", RepoURL: "r", CommitSHA: "c",
		BuildEnv: map[string]string{"A": "1", "B": "2"}}
	b := Request{TenantID: "t1", RepoURL: "r", CommitSHA: "c",
		BuildEnv: map[string]string{"B": "2", "A": "1"}}
	c := Request{TenantID: "t1", RepoURL: "r", CommitSHA: "c",
		BuildEnv: map[string]string{"A": "1", "B": "3"}}

	assert.Equal(t, ContentKey(a), ContentKey(b))
	assert.NotEqual(t, ContentKey(a), ContentKey(c))
}

func TestLeaseOldestFirst(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }
	older, err := q.Enqueue(ctx, request("t1", "commit-old"))
	require.NoError(t, err)

	q.now = func() time.Time { return base.Add(time.Second) }
	_, err = q.Enqueue(ctx, request("t1", "commit-new"))
	require.NoError(t, err)

	job, err := q.Lease(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, older.ID, job.ID)
	assert.Equal(t, types.BuildRunning, job.Status)
	assert.Equal(t, "worker-1", job.LeaseOwner)
}

func TestLeaseRespectsTenantCap(t *testing.T) {
	q, _ := newTestQueue(t, Config{TenantConcurrency: 1})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, request("t1", "c1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, request("t1", "c2"))
	require.NoError(t, err)

	first, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second, "tenant at cap must not lease a second job")
}

func TestLeaseRoundRobinAcrossTenants(t *testing.T) {
	q, _ := newTestQueue(t, Config{TenantConcurrency: 4, GlobalConcurrency: 8})
	ctx := context.Background()

	// t1 enqueued everything first; t2 must still get a turn.
	_, err := q.Enqueue(ctx, request("t1", "c1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, request("t1", "c2"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, request("t2", "c3"))
	require.NoError(t, err)

	first, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := q.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)

	tenants := map[string]bool{first.TenantID: true, second.TenantID: true}
	assert.True(t, tenants["t1"] && tenants["t2"], "both tenants served, got %v", tenants)
}

func TestHeartbeat(t *testing.T) {
	q, store := newTestQueue(t, Config{})
	ctx := context.Background()

	build, err := q.Enqueue(ctx, request("t1", "c1"))
	require.NoError(t, err)
	_, err = q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Heartbeat(build.ID, "w1", 2*time.Minute))
	assert.ErrorIs(t, q.Heartbeat(build.ID, "w2", time.Minute), ErrNotLeaseOwner)

	stored, err := store.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", stored.LeaseOwner)
}

func TestExpiredLeaseReturnsToPending(t *testing.T) {
	q, store := newTestQueue(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	build, err := q.Enqueue(ctx, request("t1", "c1"))
	require.NoError(t, err)
	_, err = q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	// Advance past the lease; the next Lease call reclaims it first.
	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	reclaimed, err := q.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, build.ID, reclaimed.ID)
	assert.Equal(t, 1, reclaimed.Attempts)
	assert.Equal(t, "w2", reclaimed.LeaseOwner)

	stored, err := store.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildRunning, stored.Status)
}

func TestRepeatedLeaseExpiryFailsBuild(t *testing.T) {
	q, store := newTestQueue(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	build, err := q.Enqueue(ctx, request("t1", "c1"))
	require.NoError(t, err)

	offset := time.Duration(0)
	q.now = func() time.Time { return time.Now().Add(offset) }

	// Lease and let the lease expire three times.
	for i := 0; i < 3; i++ {
		job, err := q.Lease(ctx, "flaky-worker", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		offset += 2 * time.Minute
	}
	// The third expiry is noticed during the next reclaim pass.
	job, err := q.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	stored, err := store.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildFailed, stored.Status)
	assert.Equal(t, ReasonLeaseExpired, stored.FailureReason)
}

func TestCompleteSuccess(t *testing.T) {
	q, store := newTestQueue(t, Config{})
	ctx := context.Background()

	build, err := q.Enqueue(ctx, request("t1", "c1"))
	require.NoError(t, err)
	_, err = q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, build.ID, "w1", Result{ImageDigest: "sha256:deadbeef"}))

	stored, err := store.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildSucceeded, stored.Status)
	assert.Equal(t, "sha256:deadbeef", stored.ImageDigest)
	assert.Empty(t, stored.LeaseOwner)
}

func TestCompleteFailureAndWrongOwner(t *testing.T) {
	q, store := newTestQueue(t, Config{})
	ctx := context.Background()

	build, err := q.Enqueue(ctx, request("t1", "c1"))
	require.NoError(t, err)
	_, err = q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, q.Complete(ctx, build.ID, "imposter", Result{FailureReason: "x"}), ErrNotLeaseOwner)

	require.NoError(t, q.Complete(ctx, build.ID, "w1", Result{FailureReason: "compile error"}))

	stored, err := store.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildFailed, stored.Status)
	assert.Equal(t, "compile error", stored.FailureReason)

	// Terminal: a second completion is rejected.
	assert.ErrorIs(t, q.Complete(ctx, build.ID, "w1", Result{ImageDigest: "d"}), ErrNotRunning)
}

func TestCancelPendingOnly(t *testing.T) {
	q, store := newTestQueue(t, Config{})
	ctx := context.Background()

	build, err := q.Enqueue(ctx, request("t1", "c1"))
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, build.ID))

	stored, err := store.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildCancelled, stored.Status)

	assert.Error(t, q.Cancel(ctx, build.ID))
}
