package reconciler

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/loomhq/loom/pkg/orchestrator"
	"github.com/loomhq/loom/pkg/types"
)

// greenHandle names the attempt's candidate workload.
func greenHandle(attempt *types.DeploymentAttempt) orchestrator.Handle {
	return orchestrator.Handle{
		TenantID: attempt.TenantID,
		Service:  attempt.ServiceName,
		Version:  fmt.Sprintf("r%d", attempt.ToRevision),
	}
}

// blueHandle names the currently committed workload; ok is false for a first
// deploy with nothing live.
func blueHandle(attempt *types.DeploymentAttempt) (orchestrator.Handle, bool) {
	if attempt.FromRevision == 0 {
		return orchestrator.Handle{}, false
	}
	return orchestrator.Handle{
		TenantID: attempt.TenantID,
		Service:  attempt.ServiceName,
		Version:  fmt.Sprintf("r%d", attempt.FromRevision),
	}, true
}

func routeKey(attempt *types.DeploymentAttempt) orchestrator.RouteKey {
	return orchestrator.RouteKey{TenantID: attempt.TenantID, Service: attempt.ServiceName}
}

// desiredReplicas resolves the service's replica count. Min == Max disables
// autoscaling; either way the declared minimum is what the reconciler
// provisions.
func desiredReplicas(s *types.ServiceSpec) int {
	if s.Autoscale == nil || s.Autoscale.Min <= 0 {
		return 1
	}
	return s.Autoscale.Min
}

// canaryReplicas sizes the canary workload for a traffic weight:
// ceil(weight% x desired), at least one replica while any traffic flows.
func canaryReplicas(desired, weight int) int {
	if weight <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(desired) * float64(weight) / 100))
	if n < 1 {
		n = 1
	}
	return n
}

// buildProgram derives the attempt's traffic program from its strategy. A
// program is the ordered (weight, dwell) sequence the shifting and observing
// states walk through.
func buildProgram(s *types.ServiceSpec, observeWindow time.Duration) []types.TrafficStep {
	gateWindow := observeWindow
	if s.HealthGate != nil && s.HealthGate.WindowSeconds > 0 {
		gateWindow = time.Duration(s.HealthGate.WindowSeconds) * time.Second
	}

	switch s.Strategy.Type {
	case types.StrategyCanary:
		c := s.Strategy.Canary
		observation := c.ObservationTime.Std()
		if observation <= 0 {
			observation = gateWindow
		}
		program := []types.TrafficStep{{
			Weight: c.InitialWeight,
			Dwell:  types.Duration(observation),
		}}
		if c.AutoPromote {
			program = append(program, promotionProgram(c.InitialWeight, types.Duration(observation/time.Duration(len(promotionSteps))))...)
		}
		return program

	case types.StrategyBlueGreen:
		bg := s.Strategy.BlueGreen
		validation := bg.ValidationPeriod.Std()
		if validation <= 0 {
			validation = gateWindow
		}
		if bg.SwitchStrategy == types.SwitchGradual && bg.SwitchDuration.Std() > 0 {
			ramp := bg.SwitchDuration.Std() / time.Duration(len(promotionSteps))
			program := promotionProgram(0, types.Duration(ramp))
			// The final step holds for the validation period instead.
			program[len(program)-1].Dwell = types.Duration(validation)
			return program
		}
		return []types.TrafficStep{{Weight: 100, Dwell: types.Duration(validation)}}

	default: // rolling
		return []types.TrafficStep{{Weight: 100, Dwell: types.Duration(gateWindow)}}
	}
}

// promotionProgram returns the stepped weights above the current one.
func promotionProgram(currentWeight int, dwell types.Duration) []types.TrafficStep {
	steps := lo.Filter(promotionSteps, func(w int, _ int) bool { return w > currentWeight })
	return lo.Map(steps, func(w int, _ int) types.TrafficStep {
		return types.TrafficStep{Weight: w, Dwell: dwell}
	})
}

// stepDwell is the per-step observation for manual canary promotion.
func stepDwell(strategy types.Strategy) types.Duration {
	observation := time.Minute
	if strategy.Canary != nil && strategy.Canary.ObservationTime.Std() > 0 {
		observation = strategy.Canary.ObservationTime.Std()
	}
	return types.Duration(observation / time.Duration(len(promotionSteps)))
}

// workloadSpec assembles the gateway declaration for the attempt's candidate.
func workloadSpec(svc *types.Service, attempt *types.DeploymentAttempt, h orchestrator.Handle, replicas int) orchestrator.WorkloadSpec {
	var env []orchestrator.EnvVar
	for name, v := range svc.Spec.Env {
		env = append(env, orchestrator.EnvVar{Name: name, Value: v.Value, FromSecret: v.FromSecret})
	}
	// Stable order keeps repeated applies byte-identical.
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	var probe *orchestrator.Probe
	if hc := svc.Spec.HealthCheck; hc != nil {
		probe = &orchestrator.Probe{
			Path:                hc.Path,
			Port:                hc.Port,
			InitialDelaySeconds: hc.InitialDelaySeconds,
			PeriodSeconds:       hc.PeriodSeconds,
		}
	}

	return orchestrator.WorkloadSpec{
		Handle:    h,
		Image:     attempt.ImageDigest,
		Replicas:  replicas,
		Ports:     svc.Spec.Ports,
		Env:       env,
		Resources: svc.Spec.Resources,
		Probe:     probe,
		Labels: map[string]string{
			"revision": fmt.Sprintf("%d", attempt.ToRevision),
		},
	}
}
