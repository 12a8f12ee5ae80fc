package multiregion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/orchestrator"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

type recordingRouter struct {
	mu       sync.Mutex
	programs []map[string]int
}

func (r *recordingRouter) ProgramGlobalRoute(ctx context.Context, key orchestrator.RouteKey, weights map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[string]int, len(weights))
	for k, v := range weights {
		snapshot[k] = v
	}
	r.programs = append(r.programs, snapshot)
	return nil
}

func (r *recordingRouter) last() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.programs) == 0 {
		return nil
	}
	return r.programs[len(r.programs)-1]
}

func (r *recordingRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.programs)
}

type fakeRegion struct {
	url     string
	applied atomic.Int32
}

func (f *fakeRegion) ApplyService(ctx context.Context, tenantID, name string, s types.ServiceSpec) error {
	f.applied.Add(1)
	return nil
}

func (f *fakeRegion) Endpoint() string { return f.url }

// probeServer serves /healthz with a switchable status code.
func probeServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(srv.Close)
	return srv, &status
}

func twoRegionPlacement() Placement {
	return Placement{
		TenantID: "t1",
		Service:  "api",
		Spec: types.ServiceSpec{
			Image:    "registry.example.com/t1/api@sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Strategy: types.Strategy{Type: types.StrategyRolling},
		},
		Regions: []types.RegionSpec{
			{Region: "us-east", Weight: 60, Enabled: true},
			{Region: "us-west", Weight: 40, Enabled: true},
		},
		Policy: types.TrafficPolicy{
			Strategy: types.RoutingWeighted,
			HealthCheck: &types.RegionProbe{
				Path:             "/healthz",
				IntervalSeconds:  1,
				TimeoutSeconds:   2,
				FailureThreshold: 2,
			},
			Failover: types.FailoverPolicy{Primary: "us-east", Fallbacks: []string{"us-west"}},
		},
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestWeightedFailoverAndRecovery(t *testing.T) {
	east, eastStatus := probeServer(t)
	west, _ := probeServer(t)

	router := &recordingRouter{}
	m := New(router, map[string]RegionClient{
		"us-east": &fakeRegion{url: east.URL},
		"us-west": &fakeRegion{url: west.URL},
	}, Config{})
	c := &clock{t: time.Now()}
	m.now = c.Now

	require.NoError(t, m.Apply(context.Background(), twoRegionPlacement()))
	assert.Equal(t, map[string]int{"us-east": 60, "us-west": 40}, router.last())

	// Two consecutive probe failures cross the threshold.
	eastStatus.Store(http.StatusInternalServerError)
	for i := 0; i < 2; i++ {
		c.Advance(1500 * time.Millisecond)
		m.Tick(context.Background())
	}
	assert.Equal(t, map[string]int{"us-east": 0, "us-west": 100}, router.last())

	// Recovery needs an equally long run of healthy observations.
	eastStatus.Store(http.StatusOK)
	c.Advance(1500 * time.Millisecond)
	m.Tick(context.Background())
	assert.Equal(t, map[string]int{"us-east": 0, "us-west": 100}, router.last(),
		"one healthy probe must not restore the region")

	c.Advance(1500 * time.Millisecond)
	m.Tick(context.Background())
	assert.Equal(t, map[string]int{"us-east": 60, "us-west": 40}, router.last())
}

func TestFailStaticWhenAllUnhealthy(t *testing.T) {
	east, eastStatus := probeServer(t)
	west, westStatus := probeServer(t)

	router := &recordingRouter{}
	m := New(router, map[string]RegionClient{
		"us-east": &fakeRegion{url: east.URL},
		"us-west": &fakeRegion{url: west.URL},
	}, Config{})
	c := &clock{t: time.Now()}
	m.now = c.Now

	require.NoError(t, m.Apply(context.Background(), twoRegionPlacement()))
	require.Equal(t, 1, router.count())

	eastStatus.Store(http.StatusServiceUnavailable)
	westStatus.Store(http.StatusServiceUnavailable)
	for i := 0; i < 4; i++ {
		c.Advance(1500 * time.Millisecond)
		m.Tick(context.Background())
	}

	// Last known split is retained; nothing was reprogrammed.
	assert.Equal(t, 1, router.count())
	assert.Equal(t, map[string]int{"us-east": 60, "us-west": 40}, router.last())
}

func TestGeoRoutesThroughFailoverChain(t *testing.T) {
	east, eastStatus := probeServer(t)
	west, _ := probeServer(t)
	eu, _ := probeServer(t)

	router := &recordingRouter{}
	m := New(router, map[string]RegionClient{
		"us-east": &fakeRegion{url: east.URL},
		"us-west": &fakeRegion{url: west.URL},
		"eu-west": &fakeRegion{url: eu.URL},
	}, Config{})
	c := &clock{t: time.Now()}
	m.now = c.Now

	p := twoRegionPlacement()
	p.Regions = append(p.Regions, types.RegionSpec{Region: "eu-west", Weight: 0, Enabled: true})
	p.Policy.Strategy = types.RoutingGeo
	p.Policy.Failover = types.FailoverPolicy{Primary: "us-east", Fallbacks: []string{"eu-west", "us-west"}}

	require.NoError(t, m.Apply(context.Background(), p))
	assert.Equal(t, map[string]int{"us-east": 100, "us-west": 0, "eu-west": 0}, router.last())

	eastStatus.Store(http.StatusBadGateway)
	for i := 0; i < 2; i++ {
		c.Advance(1500 * time.Millisecond)
		m.Tick(context.Background())
	}
	assert.Equal(t, map[string]int{"us-east": 0, "us-west": 0, "eu-west": 100}, router.last())
}

func TestLatencyWeighting(t *testing.T) {
	regions := []types.RegionSpec{
		{Region: "us-east", Weight: 50, Enabled: true},
		{Region: "us-west", Weight: 50, Enabled: true},
	}
	health := map[string]*regionHealth{
		"us-east": {healthy: true, latency: 10 * time.Millisecond},
		"us-west": {healthy: true, latency: 40 * time.Millisecond},
	}

	weights, ok := planWeights(regions, types.TrafficPolicy{Strategy: types.RoutingLatency}, health)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"us-east": 80, "us-west": 20}, weights)
}

func TestDistributeSumsToHundred(t *testing.T) {
	cases := []struct {
		name   string
		scores map[string]float64
	}{
		{"thirds", map[string]float64{"a": 1, "b": 1, "c": 1}},
		{"skewed", map[string]float64{"a": 7, "b": 2, "c": 1}},
		{"tiny", map[string]float64{"a": 0.001, "b": 0.002}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			weights := make(map[string]int, len(tc.scores))
			for name := range tc.scores {
				weights[name] = 0
			}
			distribute(weights, tc.scores)
			total := 0
			for _, w := range weights {
				total += w
			}
			assert.Equal(t, 100, total)
		})
	}
}

func TestRegionalSpecOverrides(t *testing.T) {
	base := types.ServiceSpec{
		Image: "registry.example.com/t1/api@sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Env: map[string]types.EnvValue{
			"LOG_LEVEL": {Value: "info"},
		},
	}
	replicas := 5
	rs := types.RegionSpec{
		Region:           "eu-west",
		ReplicasOverride: &replicas,
		EnvOverride:      map[string]string{"LOG_LEVEL": "debug", "REGION": "eu-west"},
		Enabled:          true,
	}

	out := regionalSpec(base, rs)
	require.NotNil(t, out.Autoscale)
	assert.Equal(t, 5, out.Autoscale.Min)
	assert.Equal(t, 5, out.Autoscale.Max)
	assert.Equal(t, "debug", out.Env["LOG_LEVEL"].Value)
	assert.Equal(t, "eu-west", out.Env["REGION"].Value)

	// The global spec is untouched.
	assert.Nil(t, base.Autoscale)
	assert.Equal(t, "info", base.Env["LOG_LEVEL"].Value)
}

func TestStoreRegionPropagation(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	region := &StoreRegion{Store: store, URL: "http://edge.eu-west.example.com"}
	s := types.ServiceSpec{
		Image:    "registry.example.com/t1/api@sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Strategy: types.Strategy{Type: types.StrategyRolling},
	}

	require.NoError(t, region.ApplyService(context.Background(), "t1", "api", s))
	created, err := store.GetServiceByName("t1", "api")
	require.NoError(t, err)
	firstHash := created.SpecHash

	// Identical re-apply is a no-op.
	require.NoError(t, region.ApplyService(context.Background(), "t1", "api", s))
	same, err := store.GetServiceByName("t1", "api")
	require.NoError(t, err)
	assert.Equal(t, created.UpdatedAt, same.UpdatedAt)

	s.Image = "registry.example.com/t1/api@sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	require.NoError(t, region.ApplyService(context.Background(), "t1", "api", s))
	updated, err := store.GetServiceByName("t1", "api")
	require.NoError(t, err)
	assert.NotEqual(t, firstHash, updated.SpecHash)
}

func TestApplyRejectsBadPlacements(t *testing.T) {
	router := &recordingRouter{}
	m := New(router, map[string]RegionClient{
		"us-east": &fakeRegion{url: "http://east.example.com"},
	}, Config{})

	p := twoRegionPlacement() // references us-west, which is not registered
	err := m.Apply(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown region")

	p = twoRegionPlacement()
	p.Regions = []types.RegionSpec{
		{Region: "us-east", Weight: 60, Enabled: true},
		{Region: "us-east", Weight: 40, Enabled: true},
	}
	err = m.Apply(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared twice")
}
