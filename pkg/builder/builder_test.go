package builder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/buildqueue"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

func newFixture(t *testing.T) (*buildqueue.Queue, storage.Store, *events.Bus) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(store)
	bus.Start()
	t.Cleanup(bus.Stop)

	return buildqueue.New(store, bus, buildqueue.Config{}), store, bus
}

func fastConfig() Config {
	return Config{
		Workers:        1,
		LeaseTTL:       time.Minute,
		PollInterval:   10 * time.Millisecond,
		HeartbeatEvery: 50 * time.Millisecond,
	}
}

func TestExecutorBuildsQueuedJob(t *testing.T) {
	queue, store, bus := newFixture(t)
	source := NewFakeSource()
	pusher := NewFakePusher()

	build, err := queue.Enqueue(context.Background(), buildqueue.Request{
		TenantID:  "t1",
		RepoURL:   "https://git.example.com/t1/app.git",
		CommitSHA: "abc123",
		BuildEnv:  map[string]string{"NODE_ENV": "production"},
	})
	require.NoError(t, err)

	exec := New(queue, source, pusher, bus, fastConfig())
	exec.Start()
	defer exec.Stop()

	require.Eventually(t, func() bool {
		stored, err := store.GetBuild(build.ID)
		return err == nil && stored.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	stored, err := store.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildSucceeded, stored.Status)
	assert.Contains(t, stored.ImageDigest, "sha256:")
	assert.Equal(t, 1, source.Builds())
	assert.Equal(t, 1, pusher.Pushes())
}

func TestExecutorRecordsFailure(t *testing.T) {
	queue, store, bus := newFixture(t)
	source := NewFakeSource()
	source.Fail(errors.New("missing Dockerfile"))

	build, err := queue.Enqueue(context.Background(), buildqueue.Request{
		TenantID:  "t1",
		RepoURL:   "https://git.example.com/t1/app.git",
		CommitSHA: "def456",
	})
	require.NoError(t, err)

	exec := New(queue, source, NewFakePusher(), bus, fastConfig())
	exec.Start()
	defer exec.Stop()

	require.Eventually(t, func() bool {
		stored, err := store.GetBuild(build.ID)
		return err == nil && stored.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	stored, err := store.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "missing Dockerfile")
}

func TestDeterministicDigestForIdenticalInputs(t *testing.T) {
	source := NewFakeSource()
	pusher := NewFakePusher()
	ctx := context.Background()

	build := &types.Build{
		ID:        "b1",
		TenantID:  "t1",
		CommitSHA: "abc123",
		BuildEnv:  map[string]string{"A": "1", "B": "2"},
	}

	img1, err := source.Build(ctx, build)
	require.NoError(t, err)
	img2, err := source.Build(ctx, build)
	require.NoError(t, err)

	d1, _, err := pusher.Push(ctx, build, img1)
	require.NoError(t, err)
	d2, _, err := pusher.Push(ctx, build, img2)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestRepoSlug(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://git.example.com/acme/Checkout.git", "checkout"},
		{"https://git.example.com/acme/api", "api"},
		{"", "app"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, repoSlug(tt.url), tt.url)
	}
}

func TestProgressEventsEmitted(t *testing.T) {
	queue, store, bus := newFixture(t)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	build, err := queue.Enqueue(context.Background(), buildqueue.Request{
		TenantID:  "t1",
		RepoURL:   "https://git.example.com/t1/app.git",
		CommitSHA: "abc123",
	})
	require.NoError(t, err)

	exec := New(queue, NewFakeSource(), NewFakePusher(), bus, fastConfig())
	exec.Start()
	defer exec.Stop()

	require.Eventually(t, func() bool {
		stored, err := store.GetBuild(build.ID)
		return err == nil && stored.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	seen := map[string]bool{}
	drain := time.After(time.Second)
	for done := false; !done; {
		select {
		case e := <-sub:
			seen[e.Type] = true
		case <-drain:
			done = true
		}
	}
	assert.True(t, seen[ProgressStarted], "building.started missing, saw %v", seen)
	assert.True(t, seen[ProgressCompleted], "building.completed missing, saw %v", seen)
	assert.True(t, seen[events.BuildSucceeded], "build.succeeded missing, saw %v", seen)
}
