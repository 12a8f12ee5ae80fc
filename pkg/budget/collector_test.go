package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/orchestrator"
	"github.com/loomhq/loom/pkg/types"
)

func TestCollectorTickMetersRunningWorkloads(t *testing.T) {
	gate, store, _ := newTestGate(t, StaticCaps{DefaultCap: 1000})

	svc := &types.Service{
		ID:       "svc-1",
		TenantID: "t1",
		Name:     "api",
		Spec: types.ServiceSpec{
			Image:     "registry.example.com/api@sha256:abc",
			Resources: &types.Resources{CPU: "500m", Memory: "1Gi"},
			Strategy:  types.Strategy{Type: types.StrategyRolling},
		},
		CurrentRevision: 3,
	}
	require.NoError(t, store.CreateService(svc))

	gw := orchestrator.NewFake()
	_, err := gw.ApplyWorkload(context.Background(), orchestrator.WorkloadSpec{
		Handle:   orchestrator.Handle{TenantID: "t1", Service: "api", Version: "r3"},
		Image:    svc.Spec.Image,
		Replicas: 2,
	})
	require.NoError(t, err)

	collector := NewCollector(store, gate, gw, nil, time.Minute)
	require.NoError(t, collector.Tick(context.Background()))

	summary, err := gate.Summary("t1")
	require.NoError(t, err)

	// 0.5 cores x 60s x 2 replicas.
	assert.InDelta(t, 60.0, summary.Quantities[types.MetricCPUSeconds], 0.01)
	// 1 GiB x (1/60)h x 2 replicas.
	assert.InDelta(t, 2.0/60.0, summary.Quantities[types.MetricMemoryGBHours], 0.001)
	assert.Greater(t, summary.Cost, 0.0)
}

func TestCollectorSkipsUndeployedServices(t *testing.T) {
	gate, store, _ := newTestGate(t, StaticCaps{DefaultCap: 1000})

	require.NoError(t, store.CreateService(&types.Service{
		ID:       "svc-2",
		TenantID: "t1",
		Name:     "worker",
		Spec:     types.ServiceSpec{Image: "registry.example.com/w@sha256:def", Strategy: types.Strategy{Type: types.StrategyRolling}},
	}))

	collector := NewCollector(store, gate, orchestrator.NewFake(), nil, time.Minute)
	require.NoError(t, collector.Tick(context.Background()))

	summary, err := gate.Summary("t1")
	require.NoError(t, err)
	assert.Zero(t, summary.Cost)
}
