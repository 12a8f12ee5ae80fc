package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, storage.Store, *events.Bus) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(store)
	bus.Start()
	t.Cleanup(bus.Stop)

	return NewCollector(store, bus, nil, time.Minute), store, bus
}

func TestSampleCountsServicesAndAttempts(t *testing.T) {
	c, store, _ := newTestCollector(t)

	spec := types.ServiceSpec{
		Image:    "registry.local/api:1",
		Strategy: types.Strategy{Type: types.StrategyRolling},
	}
	require.NoError(t, store.CreateService(&types.Service{
		ID: "svc-1", TenantID: "t1", Name: "api", Spec: spec,
	}))
	require.NoError(t, store.CreateService(&types.Service{
		ID: "svc-2", TenantID: "t1", Name: "worker", Spec: spec,
	}))
	require.NoError(t, store.CreateAttempt(&types.DeploymentAttempt{
		ID: "at-1", ServiceID: "svc-1", TenantID: "t1", ServiceName: "api",
		State: types.AttemptObserving, StartedAt: time.Now(),
	}))

	c.Sample()

	assert.Equal(t, 2.0, testutil.ToFloat64(ServicesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(AttemptsActive.WithLabelValues("observing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(AttemptsActive.WithLabelValues("shifting")))
}

func TestSampleCountsBuildBacklog(t *testing.T) {
	c, store, _ := newTestCollector(t)

	_, created, err := store.CreateBuildIdempotent(&types.Build{
		ID: "b-1", TenantID: "t1", RepoURL: "https://git.example.com/api.git",
		CommitSHA: "abc123", Key: "k1", Status: types.BuildPending,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, created)

	c.Sample()

	assert.Equal(t, 1.0, testutil.ToFloat64(BuildsTotal.WithLabelValues("pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(BuildsTotal.WithLabelValues("running")))
}

func TestObserveFoldsEventsIntoCounters(t *testing.T) {
	c, _, _ := newTestCollector(t)

	rolledBack := testutil.ToFloat64(DeploymentsFinished.WithLabelValues("rolledBack"))
	warnings := testutil.ToFloat64(BudgetThresholds.WithLabelValues("warning"))
	dead := testutil.ToFloat64(WebhooksDeadLettered)

	c.observe(types.Event{Type: events.DeploymentRolledBack})
	c.observe(types.Event{Type: events.BudgetWarning})
	c.observe(types.Event{Type: events.WebhookDeadLettered})

	assert.Equal(t, rolledBack+1, testutil.ToFloat64(DeploymentsFinished.WithLabelValues("rolledBack")))
	assert.Equal(t, warnings+1, testutil.ToFloat64(BudgetThresholds.WithLabelValues("warning")))
	assert.Equal(t, dead+1, testutil.ToFloat64(WebhooksDeadLettered))
}

func TestCollectorConsumesPublishedEvents(t *testing.T) {
	c, _, bus := newTestCollector(t)
	c.Start()
	defer c.Stop()

	before := testutil.ToFloat64(DeploymentsFinished.WithLabelValues("committed"))
	_, err := bus.Publish(context.Background(), types.Event{
		Type:     events.DeploymentSucceeded,
		TenantID: "t1",
		Resource: types.ResourceRef{Kind: "service", ID: "svc-1"},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(DeploymentsFinished.WithLabelValues("committed")) == before+1
	}, 2*time.Second, 10*time.Millisecond)
}
