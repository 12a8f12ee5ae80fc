package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/healthgate"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/orchestrator"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

// ImageResolver pins a mutable tag reference to an immutable digest.
type ImageResolver interface {
	Resolve(ctx context.Context, image string) (string, error)
}

// SetImageResolver installs the resolver used for tag references. Without
// one, only digest-pinned images deploy.
func (m *Manager) SetImageResolver(r ImageResolver) {
	m.resolver = r
}

// step advances the attempt by at most one transition.
func (m *Manager) step(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt) error {
	// An attempt marked failing but not yet terminal is mid-rollback; finish
	// that before anything else. Crash-safe: cleanup is idempotent.
	if attempt.FailureKind != "" {
		return m.finishFailure(ctx, svc, attempt)
	}

	if m.now().After(attempt.Deadline) && attempt.State != types.AttemptPending {
		return m.fail(ctx, svc, attempt, types.FailureTimeout,
			fmt.Sprintf("strategy exceeded %s cap", attempt.Strategy.Type), true)
	}

	switch attempt.State {
	case types.AttemptPending:
		return m.stepPending(ctx, svc, attempt)
	case types.AttemptBuilding:
		return m.stepBuilding(ctx, svc, attempt)
	case types.AttemptValidating:
		return m.stepValidating(ctx, svc, attempt)
	case types.AttemptShifting:
		return m.stepShifting(ctx, svc, attempt)
	case types.AttemptObserving:
		return m.stepObserving(ctx, svc, attempt)
	default:
		return nil
	}
}

// stepPending routes the attempt to image resolution or straight to rollout.
func (m *Manager) stepPending(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt) error {
	if isDigestRef(svc.Spec.Image) {
		_, err := m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
			a.ImageDigest = svc.Spec.Image
			a.State = types.AttemptValidating
			return nil
		})
		return err
	}
	_, err := m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
		a.State = types.AttemptBuilding
		return nil
	})
	return err
}

// stepBuilding pins a tag reference through the resolver.
func (m *Manager) stepBuilding(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt) error {
	if m.resolver == nil {
		return m.fail(ctx, svc, attempt, types.FailureBuildFailed,
			fmt.Sprintf("image %q is not digest-pinned and no resolver is configured", svc.Spec.Image), false)
	}
	digest, err := m.resolver.Resolve(ctx, svc.Spec.Image)
	if err != nil {
		if orchestrator.IsRetryable(err) {
			return nil // next tick
		}
		return m.fail(ctx, svc, attempt, types.FailureBuildFailed, err.Error(), false)
	}
	_, err = m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
		a.ImageDigest = digest
		a.State = types.AttemptValidating
		return nil
	})
	return err
}

// stepValidating applies the candidate workload and waits for readiness.
// Apply is idempotent, so it may run every tick before the state persists.
func (m *Manager) stepValidating(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt) error {
	green := greenHandle(attempt)
	desired := desiredReplicas(&svc.Spec)

	program := attempt.Program
	if len(program) == 0 {
		program = buildProgram(&svc.Spec, m.cfg.ObserveWindow)
		if attempt.FromRevision == 0 {
			// Nothing live to split against; go straight to full traffic.
			program = []types.TrafficStep{{Weight: 100, Dwell: program[len(program)-1].Dwell}}
		}
	}

	replicas := desired
	if attempt.Strategy.Type == types.StrategyCanary && attempt.FromRevision > 0 {
		replicas = canaryReplicas(desired, program[0].Weight)
	}

	if _, err := m.gw.ApplyWorkload(ctx, workloadSpec(svc, attempt, green, replicas)); err != nil {
		return m.gatewayFailure(ctx, svc, attempt, "apply workload", err)
	}

	status, err := m.gw.GetWorkloadStatus(ctx, green)
	if err != nil {
		return m.gatewayFailure(ctx, svc, attempt, "read workload status", err)
	}
	if status.ObservedGeneration < status.Generation {
		return nil // stale status, re-read next tick
	}
	if status.Ready < replicas || status.Updated < replicas {
		return nil
	}

	_, err = m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
		a.Program = program
		a.StepIndex = 0
		a.State = types.AttemptShifting
		return nil
	})
	return err
}

// stepShifting applies the current program step's route weights. Route
// programming is idempotent; after a crash the authoritative route decides
// whether the shift already landed.
func (m *Manager) stepShifting(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt) error {
	if attempt.StepIndex >= len(attempt.Program) {
		return m.inconsistency(ctx, svc, attempt,
			fmt.Sprintf("step index %d beyond program of %d", attempt.StepIndex, len(attempt.Program)))
	}
	step := attempt.Program[attempt.StepIndex]
	green := greenHandle(attempt)
	key := routeKey(attempt)

	blue, hasBlue := blueHandle(attempt)
	applied := false

	current, programmed, err := m.splitter.CandidateWeight(ctx, key, green)
	if err != nil {
		return m.gatewayFailure(ctx, svc, attempt, "read route", err)
	}
	if programmed {
		if err := m.checkRouteBackends(ctx, key, blue, hasBlue, green); err != nil {
			return m.inconsistency(ctx, svc, attempt, err.Error())
		}
		applied = current == step.Weight
	}

	if !applied {
		if !hasBlue {
			err = m.splitter.PointAll(ctx, key, green, svc.Spec.Ports)
		} else {
			err = m.splitter.Shift(ctx, key, blue, green, step.Weight, svc.Spec.Ports)
		}
		if err != nil {
			return m.gatewayFailure(ctx, svc, attempt, "shift traffic", err)
		}
	}

	// Canary workloads track their traffic share.
	if attempt.Strategy.Type == types.StrategyCanary && hasBlue {
		replicas := canaryReplicas(desiredReplicas(&svc.Spec), step.Weight)
		if err := m.gw.ScaleWorkload(ctx, green, replicas); err != nil && !orchestrator.IsRetryable(err) {
			return m.gatewayFailure(ctx, svc, attempt, "scale candidate", err)
		}
	}

	now := m.now()
	updated, err := m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
		a.Program[a.StepIndex].AppliedAt = now
		a.ResumeAt = now.Add(a.Program[a.StepIndex].Dwell.Std())
		a.State = types.AttemptObserving
		return nil
	})
	if err != nil {
		return err
	}

	// The first shift is part of deployment.started; promotions get their own
	// progress events.
	if attempt.StepIndex > 0 {
		m.bus.Emit(ctx, m.attemptEvent(events.DeploymentProgressing, updated, map[string]any{
			"weight": step.Weight,
			"step":   attempt.StepIndex,
		}))
	}
	logger := log.WithAttempt(attempt.ID)
	logger.Info().
		Str("service", svc.Name).
		Int("weight", step.Weight).
		Msg("Traffic shifted")
	return nil
}

// checkRouteBackends verifies the programmed route only names this attempt's
// blue and green workloads.
func (m *Manager) checkRouteBackends(ctx context.Context, key orchestrator.RouteKey, blue orchestrator.Handle, hasBlue bool, green orchestrator.Handle) error {
	backends, err := m.gw.GetRoute(ctx, key)
	if err != nil || backends == nil {
		return nil // unreadable or unprogrammed routes are not an inconsistency
	}
	for _, b := range backends {
		if b.Handle == green {
			continue
		}
		if hasBlue && b.Handle == blue {
			continue
		}
		return fmt.Errorf("route %s names unexpected backend %s", key, b.Handle)
	}
	return nil
}

// stepObserving polls the health gate through the step's dwell.
func (m *Manager) stepObserving(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt) error {
	now := m.now()
	gate := svc.Spec.HealthGate
	green := greenHandle(attempt)

	if gate == nil || !gate.Enabled {
		if now.Before(attempt.ResumeAt) {
			return nil
		}
		return m.advance(ctx, svc, attempt)
	}

	verdict, err := m.gate.Evaluate(ctx, green, *gate, now)
	if err != nil {
		// Metrics source outage reads as Unknown; the deadline still bounds us.
		logger2 := log.WithAttempt(attempt.ID)
		logger2.Warn().Err(err).Msg("Health evaluation failed")
		verdict = healthgate.Verdict{Outcome: healthgate.Unknown, Rationale: err.Error(), EvaluatedAt: now}
	}

	record := func(a *types.DeploymentAttempt) {
		a.Verdicts = append(a.Verdicts, types.GateVerdict{
			Healthy:     verdict.Outcome == healthgate.Healthy,
			Unknown:     verdict.Outcome == healthgate.Unknown,
			Rationale:   verdict.Rationale,
			EvaluatedAt: verdict.EvaluatedAt,
		})
		if len(a.Verdicts) > 50 {
			a.Verdicts = a.Verdicts[len(a.Verdicts)-50:]
		}
	}

	switch verdict.Outcome {
	case healthgate.Unhealthy:
		if _, err := m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
			record(a)
			return nil
		}); err != nil {
			return err
		}
		return m.fail(ctx, svc, attempt, types.FailureHealthGateFailed, verdict.Rationale, true)

	case healthgate.Unknown:
		_, err := m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
			record(a)
			if !now.Before(a.ResumeAt) {
				// Not enough signal to pass or fail; extend the observation.
				extend := time.Duration(gate.WindowSeconds) * time.Second / 2
				if extend <= 0 {
					extend = m.cfg.ObserveWindow / 2
				}
				a.ResumeAt = now.Add(extend)
			}
			return nil
		})
		return err

	default: // healthy
		if _, err := m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
			record(a)
			return nil
		}); err != nil {
			return err
		}
		if now.Before(attempt.ResumeAt) {
			return nil
		}
		return m.advance(ctx, svc, attempt)
	}
}

// advance moves to the next program step or commits. A manual canary holds
// at its initial weight until Promote extends the program.
func (m *Manager) advance(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt) error {
	if holdForPromotion(attempt) {
		return nil
	}
	if attempt.StepIndex+1 < len(attempt.Program) {
		_, err := m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
			a.StepIndex++
			a.State = types.AttemptShifting
			return nil
		})
		return err
	}
	return m.commit(ctx, svc, attempt)
}

// commit finalizes the attempt: record the revision, advance the service
// pointer, retire the previous workload. Each piece is idempotent so a crash
// mid-commit finishes on the next tick.
func (m *Manager) commit(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt) error {
	now := m.now()

	if _, err := m.store.GetRevision(svc.ID, attempt.ToRevision); err != nil {
		if !isNotFound(err) {
			return err
		}
		if err := m.store.CreateRevision(&types.Revision{
			ServiceID:   svc.ID,
			Number:      attempt.ToRevision,
			ImageDigest: attempt.ImageDigest,
			Spec:        svc.Spec,
			BuildID:     attempt.BuildID,
			CreatedAt:   now,
		}); err != nil {
			return fmt.Errorf("create revision: %w", err)
		}
	}

	if svc.CurrentRevision != attempt.ToRevision {
		svc.CurrentRevision = attempt.ToRevision
		if err := m.store.UpdateService(svc); err != nil {
			return fmt.Errorf("advance service revision: %w", err)
		}
	}

	// The two most recent revisions stay for rollback.
	if err := m.store.PruneRevisions(svc.ID, 2); err != nil {
		logger3 := log.WithService(svc.Name)
		logger3.Warn().Err(err).Msg("Revision prune failed")
	}

	if blue, ok := blueHandle(attempt); ok {
		if err := m.gw.DeleteWorkload(ctx, blue); err != nil {
			logger4 := log.WithAttempt(attempt.ID)
			logger4.Warn().
				Str("workload", blue.Name()).
				Err(err).
				Msg("Failed to delete retired workload")
		}
	}

	m.gate.Reset(greenHandle(attempt))

	updated, err := m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
		a.State = types.AttemptCommitted
		a.FinishedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	m.bus.Emit(ctx, m.attemptEvent(events.DeploymentSucceeded, updated, map[string]any{
		"revision": attempt.ToRevision,
		"digest":   attempt.ImageDigest,
	}))
	logger5 := log.WithAttempt(attempt.ID)
	logger5.Info().
		Str("service", svc.Name).
		Int64("revision", attempt.ToRevision).
		Msg("Deployment committed")
	return nil
}

// gatewayFailure sorts a gateway error: retryable ones wait for the next
// tick, permanent ones fail the attempt with rollback.
func (m *Manager) gatewayFailure(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt, op string, err error) error {
	if orchestrator.IsRetryable(err) {
		logger6 := log.WithAttempt(attempt.ID)
		logger6.Warn().Str("op", op).Err(err).Msg("Retryable gateway error")
		return nil
	}
	return m.fail(ctx, svc, attempt, types.FailureOrchestratorPermanent, fmt.Sprintf("%s: %v", op, err), true)
}

// inconsistency halts the service and fails the attempt without cleanup;
// operator intervention required.
func (m *Manager) inconsistency(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt, detail string) error {
	logger7 := log.WithAttempt(attempt.ID)
	logger7.Error().
		Str("service", svc.Name).
		Str("detail", detail).
		Msg("INTERNAL INCONSISTENCY, halting service reconciliation")
	m.halt(svc.ID, detail)

	updated, err := m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
		a.FailureKind = types.FailureInternal
		a.Failure = detail
		a.State = types.AttemptFailed
		a.FinishedAt = m.now()
		return nil
	})
	if err != nil {
		return err
	}
	m.bus.Emit(ctx, m.attemptEvent(events.DeploymentFailed, updated, map[string]any{
		"reason": string(types.FailureInternal),
		"detail": detail,
	}))
	return nil
}

// fail marks the attempt failing and, when cleanup is requested, restores the
// previous revision's traffic and deletes the candidate workload. The failure
// mark persists before cleanup so a crash resumes the rollback.
func (m *Manager) fail(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt, kind types.FailureKind, reason string, cleanup bool) error {
	marked, err := m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
		a.FailureKind = kind
		a.Failure = reason
		return nil
	})
	if err != nil {
		return err
	}
	if !cleanup {
		return m.finalizeFailure(ctx, svc, marked)
	}
	return m.finishFailure(ctx, svc, marked)
}

// finishFailure runs (or resumes) rollback cleanup, then finalizes.
func (m *Manager) finishFailure(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt) error {
	green := greenHandle(attempt)
	key := routeKey(attempt)

	if blue, ok := blueHandle(attempt); ok {
		if err := m.splitter.Shift(ctx, key, blue, green, 0, svc.Spec.Ports); err != nil {
			return m.rollbackFailed(ctx, svc, attempt, fmt.Sprintf("restore route: %v", err))
		}
	}
	if err := m.gw.DeleteWorkload(ctx, green); err != nil {
		if orchestrator.IsRetryable(err) {
			return nil // retry cleanup next tick
		}
		return m.rollbackFailed(ctx, svc, attempt, fmt.Sprintf("delete candidate: %v", err))
	}
	return m.finalizeFailure(ctx, svc, attempt)
}

// finalizeFailure writes the terminal state and emits the matching event.
func (m *Manager) finalizeFailure(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt) error {
	kind := attempt.FailureKind
	rolledBack := kind == types.FailureHealthGateFailed || kind == types.FailureTimeout

	m.gate.Reset(greenHandle(attempt))

	updated, err := m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
		if rolledBack {
			a.State = types.AttemptRolledBack
			a.RollbackTo = a.FromRevision
		} else {
			a.State = types.AttemptFailed
		}
		a.FinishedAt = m.now()
		return nil
	})
	if err != nil {
		return err
	}

	if rolledBack {
		m.bus.Emit(ctx, m.attemptEvent(events.DeploymentRolledBack, updated, map[string]any{
			"reason":     string(kind),
			"rollbackTo": updated.RollbackTo,
		}))
	} else {
		m.bus.Emit(ctx, m.attemptEvent(events.DeploymentFailed, updated, map[string]any{
			"reason": string(kind),
			"detail": updated.Failure,
		}))
	}
	logger8 := log.WithAttempt(attempt.ID)
	logger8.Warn().
		Str("service", svc.Name).
		Str("state", string(updated.State)).
		Str("reason", string(kind)).
		Str("detail", updated.Failure).
		Msg("Deployment attempt ended")
	return nil
}

// rollbackFailed records a cleanup that could not complete. Operator alert.
func (m *Manager) rollbackFailed(ctx context.Context, svc *types.Service, attempt *types.DeploymentAttempt, detail string) error {
	logger9 := log.WithAttempt(attempt.ID)
	logger9.Error().
		Str("service", svc.Name).
		Str("detail", detail).
		Msg("ROLLBACK FAILED, manual intervention required")

	updated, err := m.store.MutateAttempt(attempt.ID, func(a *types.DeploymentAttempt) error {
		a.FailureKind = types.FailureRollbackFailed
		a.Failure = detail
		a.State = types.AttemptFailed
		a.FinishedAt = m.now()
		return nil
	})
	if err != nil {
		return err
	}
	m.bus.Emit(ctx, m.attemptEvent(events.DeploymentFailed, updated, map[string]any{
		"reason": string(types.FailureRollbackFailed),
		"detail": detail,
	}))
	return nil
}

func holdForPromotion(attempt *types.DeploymentAttempt) bool {
	c := attempt.Strategy.Canary
	return attempt.Strategy.Type == types.StrategyCanary &&
		c != nil && !c.AutoPromote &&
		attempt.FromRevision > 0 &&
		len(attempt.Program) == 1
}

func isDigestRef(image string) bool {
	return strings.Contains(image, "@sha256:")
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
