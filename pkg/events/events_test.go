package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/storage"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := NewBus(store)
	bus.Start()
	t.Cleanup(bus.Stop)
	return bus
}

func TestPublishAssignsOrderedIDs(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	first, err := bus.Publish(ctx, ForService(ServiceCreated, "t1", "svc-1", nil))
	require.NoError(t, err)
	second, err := bus.Publish(ctx, ForService(ServiceUpdated, "t1", "svc-1", nil))
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.NotEmpty(t, second.ID)
	assert.Less(t, first.ID, second.ID, "ULIDs are lexically ordered by publish time")
	assert.False(t, first.Timestamp.IsZero())
}

func TestSubscribeReceivesPublished(t *testing.T) {
	bus := newTestBus(t)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	published, err := bus.Publish(context.Background(), ForAttempt(DeploymentStarted, "t1", "att-1", map[string]any{"revision": 4}))
	require.NoError(t, err)

	select {
	case got := <-sub:
		assert.Equal(t, published.ID, got.ID)
		assert.Equal(t, DeploymentStarted, got.Type)
		assert.Equal(t, "deploymentAttempt", got.Resource.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestReplayFromCursor(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var ids []string
	for _, eventType := range []string{BuildQueued, BuildStarted, BuildSucceeded} {
		e, err := bus.Publish(ctx, ForBuild(eventType, "t1", "b-1", nil))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	all, err := bus.Replay("", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)

	tail, err := bus.Replay(ids[0], 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, ids[1], tail[0].ID)
	assert.Equal(t, ids[2], tail[1].ID)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := newTestBus(t)
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub)
	assert.Zero(t, bus.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := newTestBus(t)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	// Never read from sub; publishing well past the buffer must not block.
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, err := bus.Publish(ctx, ForService(ServiceUpdated, "t1", "svc-1", nil))
			assert.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
