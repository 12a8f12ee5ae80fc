package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/pkg/budget"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/healthgate"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/orchestrator"
	"github.com/loomhq/loom/pkg/spec"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/traffic"
	"github.com/loomhq/loom/pkg/types"
)

const leaseKindService = "service"

// Config tunes the reconcile loop.
type Config struct {
	TickInterval time.Duration
	LeaseTTL     time.Duration
	Parallelism  int

	// Strategy wall-clock caps. Exceeding one fails the attempt and rolls back.
	RollingTimeout   time.Duration
	CanaryTimeout    time.Duration
	BlueGreenTimeout time.Duration

	// ObserveWindow is the rolling/fallback observation dwell when the
	// service declares no health gate window.
	ObserveWindow time.Duration
}

// DefaultConfig returns the reconciler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:     2 * time.Second,
		LeaseTTL:         30 * time.Second,
		Parallelism:      4,
		RollingTimeout:   15 * time.Minute,
		CanaryTimeout:    60 * time.Minute,
		BlueGreenTimeout: 30 * time.Minute,
		ObserveWindow:    60 * time.Second,
	}
}

// promotionSteps is the canary auto-promotion weight sequence. Internal
// default, not wire-configurable.
var promotionSteps = []int{25, 50, 75, 100}

// Manager drives every service's deployment state machine. One logical
// reconciler runs per service at a time, guaranteed by a store lease keyed by
// service id; each tick renews the lease and executes at most one state
// transition, persisted before any non-idempotent side effect.
type Manager struct {
	store    storage.Store
	gw       orchestrator.Gateway
	splitter *traffic.Splitter
	gate     *healthgate.Evaluator
	admitter *budget.Gate
	bus      *events.Bus
	cfg      Config
	nodeID   string
	resolver ImageResolver

	mu     sync.Mutex
	halted map[string]string // serviceID -> reason; cleared by operator Resume

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a reconcile manager. nodeID identifies this process as a lease
// owner.
func New(store storage.Store, gw orchestrator.Gateway, splitter *traffic.Splitter, gate *healthgate.Evaluator, admitter *budget.Gate, bus *events.Bus, nodeID string, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.RollingTimeout <= 0 {
		cfg.RollingTimeout = def.RollingTimeout
	}
	if cfg.CanaryTimeout <= 0 {
		cfg.CanaryTimeout = def.CanaryTimeout
	}
	if cfg.BlueGreenTimeout <= 0 {
		cfg.BlueGreenTimeout = def.BlueGreenTimeout
	}
	if cfg.ObserveWindow <= 0 {
		cfg.ObserveWindow = def.ObserveWindow
	}
	return &Manager{
		store:    store,
		gw:       gw,
		splitter: splitter,
		gate:     gate,
		admitter: admitter,
		bus:      bus,
		cfg:      cfg,
		nodeID:   nodeID,
		halted:   make(map[string]string),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the tick loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
	logger := log.WithComponent("reconciler")
	logger.Info().
		Dur("tick", m.cfg.TickInterval).
		Msg("Reconciler started")
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
			m.ReconcileAll(context.Background())
		}
	}
}

// ReconcileAll ticks every service once, bounded-parallel across services.
func (m *Manager) ReconcileAll(ctx context.Context) {
	services, err := m.store.ListServices()
	if err != nil {
		logger2 := log.WithComponent("reconciler")
		logger2.Error().Err(err).Msg("Failed to list services")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallelism)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			if err := m.Reconcile(gctx, svc.ID); err != nil {
				logger3 := log.WithService(svc.Name)
				logger3.Error().Err(err).Msg("Reconcile tick failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Reconcile executes one state-machine step for a service. Safe to call from
// several processes: the per-service lease admits one holder at a time.
func (m *Manager) Reconcile(ctx context.Context, serviceID string) error {
	if reason, ok := m.haltedReason(serviceID); ok {
		logger4 := log.WithComponent("reconciler")
		logger4.Debug().
			Str("service", serviceID).
			Str("reason", reason).
			Msg("Service halted, skipping")
		return nil
	}

	if _, err := m.store.AcquireLease(leaseKindService, serviceID, m.nodeID, m.cfg.LeaseTTL); err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			return nil
		}
		return fmt.Errorf("acquire lease: %w", err)
	}

	svc, err := m.store.GetService(serviceID)
	if err != nil {
		return fmt.Errorf("load service: %w", err)
	}

	attempt, err := m.store.GetActiveAttempt(serviceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load active attempt: %w", err)
	}

	if attempt != nil {
		// A changed spec cancels the in-flight attempt, unless it is already
		// rolling back; rollback completes first and the diff is picked up on
		// the next tick.
		if attempt.TargetHash != svc.SpecHash && attempt.FailureKind == "" {
			return m.cancel(ctx, svc, attempt)
		}
		return m.step(ctx, svc, attempt)
	}

	converged, err := m.converged(svc)
	if err != nil {
		return err
	}
	if converged {
		return nil
	}
	return m.begin(ctx, svc)
}

// converged reports whether the declared spec already matches the latest
// committed revision.
func (m *Manager) converged(svc *types.Service) (bool, error) {
	if svc.CurrentRevision == 0 {
		return false, nil
	}
	rev, err := m.store.GetRevision(svc.ID, svc.CurrentRevision)
	if err != nil {
		return false, fmt.Errorf("load revision %d: %w", svc.CurrentRevision, err)
	}
	hash, err := spec.Hash(&rev.Spec)
	if err != nil {
		return false, fmt.Errorf("hash revision spec: %w", err)
	}
	return hash == svc.SpecHash, nil
}

// begin admits and creates a new attempt for the declared spec.
func (m *Manager) begin(ctx context.Context, svc *types.Service) error {
	now := m.now()
	attempt := &types.DeploymentAttempt{
		ID:           uuid.New().String(),
		ServiceID:    svc.ID,
		TenantID:     svc.TenantID,
		ServiceName:  svc.Name,
		Strategy:     svc.Spec.Strategy,
		TargetHash:   svc.SpecHash,
		FromRevision: svc.CurrentRevision,
		ToRevision:   svc.CurrentRevision + 1,
		State:        types.AttemptPending,
		Deadline:     now.Add(m.strategyTimeout(svc.Spec.Strategy.Type)),
		StartedAt:    now,
	}
	if err := m.store.CreateAttempt(attempt); err != nil {
		return fmt.Errorf("create attempt: %w", err)
	}

	logger5 := log.WithAttempt(attempt.ID)
	logger5.Info().
		Str("service", svc.Name).
		Str("strategy", string(svc.Spec.Strategy.Type)).
		Int64("from", attempt.FromRevision).
		Int64("to", attempt.ToRevision).
		Msg("Deployment attempt started")

	decision, err := m.admitter.Admit(ctx, svc.TenantID, budget.ActionDeploy)
	if err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	if !decision.Allowed {
		return m.fail(ctx, svc, attempt, types.FailureAdmissionRejected, decision.Reason, false)
	}

	m.bus.Emit(ctx, m.attemptEvent(events.DeploymentStarted, attempt, map[string]any{
		"strategy": string(attempt.Strategy.Type),
		"revision": attempt.ToRevision,
	}))
	return nil
}

func (m *Manager) strategyTimeout(t types.StrategyType) time.Duration {
	switch t {
	case types.StrategyCanary:
		return m.cfg.CanaryTimeout
	case types.StrategyBlueGreen:
		return m.cfg.BlueGreenTimeout
	default:
		return m.cfg.RollingTimeout
	}
}

// cancel runs best-effort cleanup of a superseded attempt so the next tick
// can start fresh against the new spec.
func (m *Manager) cancel(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt) error {
	logger6 := log.WithAttempt(attempt.ID)
	logger6.Info().
		Str("service", svc.Name).
		Msg("Attempt superseded by new spec, cancelling")
	return m.fail(ctx, svc, attempt, "", fmt.Sprintf("superseded by spec %s", svc.SpecHash), true)
}

// Promote releases a canary holding at its initial weight when autoPromote is
// off. A canary already promoting is left alone.
func (m *Manager) Promote(ctx context.Context, serviceID string) error {
	attempt, err := m.store.GetActiveAttempt(serviceID)
	if err != nil {
		return err
	}
	if attempt.Strategy.Type != types.StrategyCanary {
		return fmt.Errorf("attempt %s: not a canary", attempt.ID)
	}
	_, err = m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
		if len(a.Program) != 1 {
			return nil
		}
		a.Program = append(a.Program, promotionProgram(a.Program[0].Weight, stepDwell(a.Strategy))...)
		// Wake the scheduler; the held observation counts as served.
		a.ResumeAt = m.now()
		return nil
	})
	return err
}

// Resume clears a halt set by an internal inconsistency, after operator
// intervention.
func (m *Manager) Resume(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.halted, serviceID)
}

func (m *Manager) halt(serviceID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted[serviceID] = reason
}

func (m *Manager) haltedReason(serviceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.halted[serviceID]
	return reason, ok
}

func (m *Manager) attemptEvent(eventType string, attempt *types.DeploymentAttempt, data map[string]any) types.Event {
	if data == nil {
		data = map[string]any{}
	}
	data["serviceId"] = attempt.ServiceID
	data["service"] = attempt.ServiceName
	return events.ForAttempt(eventType, attempt.TenantID, attempt.ID, data)
}
