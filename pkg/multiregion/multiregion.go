package multiregion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/orchestrator"
	"github.com/loomhq/loom/pkg/spec"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

// RegionClient is the control-plane surface of one region: spec propagation
// in, a probeable public endpoint out.
type RegionClient interface {
	// ApplyService upserts the regional service declaration. The regional
	// reconciler converges on it independently.
	ApplyService(ctx context.Context, tenantID, name string, s types.ServiceSpec) error

	// Endpoint returns the region's public endpoint base URL.
	Endpoint() string
}

// GlobalRouter programs the cross-region traffic split, keyed by service.
// Weights are region name -> percent and sum to 100.
type GlobalRouter interface {
	ProgramGlobalRoute(ctx context.Context, key orchestrator.RouteKey, weights map[string]int) error
}

// Placement declares one service's multi-region intent.
type Placement struct {
	TenantID string
	Service  string
	Spec     types.ServiceSpec
	Regions  []types.RegionSpec
	Policy   types.TrafficPolicy
}

func (p Placement) key() string {
	return p.TenantID + "/" + p.Service
}

type placementState struct {
	placement Placement

	// lastWeights is the last successfully programmed split, retained
	// verbatim while every region is unhealthy (fail-static).
	lastWeights map[string]int

	health map[string]*regionHealth
}

// Config tunes the multi-region control loop.
type Config struct {
	TickInterval time.Duration
	Parallelism  int
}

// Manager propagates specs to regional control planes, probes regional
// endpoints, and reprograms the global route when regional health changes.
type Manager struct {
	router  GlobalRouter
	regions map[string]RegionClient
	prober  *Prober
	cfg     Config

	mu         sync.Mutex
	placements map[string]*placementState

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a manager over the given named regions.
func New(router GlobalRouter, regions map[string]RegionClient, cfg Config) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Manager{
		router:     router,
		regions:    regions,
		prober:     NewProber(),
		cfg:        cfg,
		placements: make(map[string]*placementState),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Apply registers (or replaces) a placement and propagates it immediately.
func (m *Manager) Apply(ctx context.Context, p Placement) error {
	if len(p.Regions) == 0 {
		return fmt.Errorf("placement %s: no regions", p.key())
	}
	seen := map[string]bool{}
	for _, r := range p.Regions {
		if _, ok := m.regions[r.Region]; !ok {
			return fmt.Errorf("placement %s: unknown region %q", p.key(), r.Region)
		}
		if seen[r.Region] {
			return fmt.Errorf("placement %s: region %q declared twice", p.key(), r.Region)
		}
		seen[r.Region] = true
		if r.Weight < 0 || r.Weight > 100 {
			return fmt.Errorf("placement %s: region %q weight %d out of range", p.key(), r.Region, r.Weight)
		}
	}

	m.mu.Lock()
	state, ok := m.placements[p.key()]
	if !ok {
		state = &placementState{health: make(map[string]*regionHealth)}
		m.placements[p.key()] = state
	}
	state.placement = p
	m.mu.Unlock()

	return m.reconcilePlacement(ctx, state)
}

// Remove drops a placement. Regional services are left in place; tearing a
// region down is an explicit per-region operation.
func (m *Manager) Remove(tenantID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.placements, tenantID+"/"+name)
}

// Start launches the control loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
	logger := log.WithComponent("multiregion")
	logger.Info().
		Dur("tick", m.cfg.TickInterval).
		Msg("Multi-region manager started")
}

// Stop halts the loop and waits for the in-flight tick.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick(context.Background())
		}
	}
}

// Tick runs one pass over every placement.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	states := make([]*placementState, 0, len(m.placements))
	for _, s := range m.placements {
		states = append(states, s)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallelism)
	for _, state := range states {
		state := state
		g.Go(func() error {
			if err := m.reconcilePlacement(gctx, state); err != nil {
				logger2 := log.WithComponent("multiregion")
				logger2.Error().
					Str("service", state.placement.key()).
					Err(err).
					Msg("Placement reconcile failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// reconcilePlacement propagates the spec, refreshes probes, and reprograms
// the global route when the computed weights changed.
func (m *Manager) reconcilePlacement(ctx context.Context, state *placementState) error {
	p := state.placement

	g, gctx := errgroup.WithContext(ctx)
	for _, rs := range p.Regions {
		if !rs.Enabled {
			continue
		}
		rs := rs
		client := m.regions[rs.Region]
		g.Go(func() error {
			regional := regionalSpec(p.Spec, rs)
			if err := client.ApplyService(gctx, p.TenantID, p.Service, regional); err != nil {
				return fmt.Errorf("propagate to %s: %w", rs.Region, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	now := m.now()
	for _, rs := range p.Regions {
		if !rs.Enabled {
			continue
		}
		h, ok := state.health[rs.Region]
		if !ok {
			h = newRegionHealth()
			state.health[rs.Region] = h
		}
		m.prober.Observe(ctx, m.regions[rs.Region].Endpoint(), p.Policy.HealthCheck, h, now)
	}

	weights, ok := planWeights(p.Regions, p.Policy, state.health)
	if !ok {
		// Every region unhealthy: fail static on the last known split.
		logger3 := log.WithComponent("multiregion")
		logger3.Warn().
			Str("service", p.key()).
			Msg("All regions unhealthy, retaining last route")
		return nil
	}

	if weightsEqual(weights, state.lastWeights) {
		return nil
	}

	key := orchestrator.RouteKey{TenantID: p.TenantID, Service: p.Service}
	if err := m.router.ProgramGlobalRoute(ctx, key, weights); err != nil {
		return fmt.Errorf("program global route: %w", err)
	}
	state.lastWeights = weights

	logger4 := log.WithComponent("multiregion")
	logger4.Info().
		Str("service", p.key()).
		Interface("weights", weights).
		Msg("Global route updated")
	return nil
}

func weightsEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// regionalSpec applies a region's overrides to the global spec.
func regionalSpec(s types.ServiceSpec, rs types.RegionSpec) types.ServiceSpec {
	out := s

	if rs.ReplicasOverride != nil {
		n := *rs.ReplicasOverride
		out.Autoscale = &types.Autoscale{Min: n, Max: n}
	}

	if len(rs.EnvOverride) > 0 {
		env := make(map[string]types.EnvValue, len(s.Env)+len(rs.EnvOverride))
		for k, v := range s.Env {
			env[k] = v
		}
		for k, v := range rs.EnvOverride {
			env[k] = types.EnvValue{Value: v}
		}
		out.Env = env
	}

	return out
}

// StoreRegion binds a region's control-plane store; propagation writes the
// service row the regional reconciler converges on.
type StoreRegion struct {
	Store storage.Store
	URL   string
}

func (r *StoreRegion) Endpoint() string { return r.URL }

func (r *StoreRegion) ApplyService(ctx context.Context, tenantID, name string, s types.ServiceSpec) error {
	hash, err := spec.Hash(&s)
	if err != nil {
		return err
	}

	existing, err := r.Store.GetServiceByName(tenantID, name)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		now := time.Now().UTC()
		return r.Store.CreateService(&types.Service{
			ID:        uuid.New().String(),
			TenantID:  tenantID,
			Name:      name,
			Spec:      s,
			SpecHash:  hash,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if existing.SpecHash == hash {
		return nil
	}
	existing.Spec = s
	existing.SpecHash = hash
	existing.UpdatedAt = time.Now().UTC()
	return r.Store.UpdateService(existing)
}

var _ RegionClient = (*StoreRegion)(nil)
