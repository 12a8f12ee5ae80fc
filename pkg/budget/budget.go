package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

// Action is an admission-controlled operation.
type Action string

const (
	ActionBuild  Action = "build"
	ActionDeploy Action = "deploy"
	ActionScale  Action = "scale"
)

// Threshold percentages with exactly-once notifications per period.
const (
	ThresholdWarning  = 80
	ThresholdCritical = 100
)

// ReasonBudgetExceeded is the deny reason when projected cost passes the cap.
const ReasonBudgetExceeded = "BudgetExceeded"

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed       bool
	Reason        string
	ProjectedCost float64
	Cap           float64
}

// CapProvider resolves a tenant's monthly budget cap in dollars. A zero cap
// means unlimited.
type CapProvider interface {
	Cap(tenantID string) float64
}

// StaticCaps is a CapProvider from a fixed table with a default.
type StaticCaps struct {
	Caps       map[string]float64
	DefaultCap float64
}

func (s StaticCaps) Cap(tenantID string) float64 {
	if cap, ok := s.Caps[tenantID]; ok {
		return cap
	}
	return s.DefaultCap
}

// Estimates is the admission-time cost estimate per action, in dollars.
type Estimates map[Action]float64

// DefaultEstimates are conservative per-action cost projections.
func DefaultEstimates() Estimates {
	return Estimates{
		ActionBuild:  0.10,
		ActionDeploy: 1.00,
		ActionScale:  0.50,
	}
}

// Gate admits or rejects actions against the tenant's budget ledger and
// emits warning/critical threshold events exactly once per period.
type Gate struct {
	store     storage.Store
	bus       *events.Bus
	caps      CapProvider
	estimates Estimates
	now       func() time.Time
}

// NewGate creates a budget gate.
func NewGate(store storage.Store, bus *events.Bus, caps CapProvider, estimates Estimates) *Gate {
	if estimates == nil {
		estimates = DefaultEstimates()
	}
	return &Gate{
		store:     store,
		bus:       bus,
		caps:      caps,
		estimates: estimates,
		now:       time.Now,
	}
}

// PeriodOf returns the month key for a point in time.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Admit checks whether the tenant may perform the action this period. Denials
// are final for the caller; they are never retried by the control plane.
func (g *Gate) Admit(ctx context.Context, tenantID string, action Action) (Decision, error) {
	cap := g.caps.Cap(tenantID)
	if cap <= 0 {
		return Decision{Allowed: true}, nil
	}

	period := PeriodOf(g.now())
	current, err := g.currentCost(tenantID, period)
	if err != nil {
		return Decision{}, err
	}

	projected := current + g.estimates[action]
	decision := Decision{ProjectedCost: projected, Cap: cap}

	if projected > cap {
		decision.Allowed = false
		decision.Reason = ReasonBudgetExceeded
		g.notifyThreshold(ctx, tenantID, period, ThresholdCritical, current, cap)
		logger := log.WithComponent("budget")
		logger.Warn().
			Str("tenant", tenantID).
			Str("action", string(action)).
			Float64("projected", projected).
			Float64("cap", cap).
			Msg("Admission denied")
		return decision, nil
	}

	decision.Allowed = true
	return decision, nil
}

// Record appends metered usage to the ledger and fires any threshold
// notifications the new summary crosses. All events must belong to tenantID
// and the current period; the summary refold happens in one transaction.
func (g *Gate) Record(ctx context.Context, tenantID string, batch []*types.BudgetEvent) (*types.BudgetSummary, error) {
	if len(batch) == 0 {
		return g.store.GetBudgetSummary(tenantID, PeriodOf(g.now()))
	}

	summary, err := g.store.AppendBudget(batch)
	if err != nil {
		return nil, fmt.Errorf("append budget events for %s: %w", tenantID, err)
	}

	cap := g.caps.Cap(tenantID)
	if cap > 0 {
		if summary.Cost >= cap {
			g.notifyThreshold(ctx, tenantID, summary.Period, ThresholdCritical, summary.Cost, cap)
		} else if summary.Cost >= cap*ThresholdWarning/100 {
			g.notifyThreshold(ctx, tenantID, summary.Period, ThresholdWarning, summary.Cost, cap)
		}
	}
	return summary, nil
}

// Summary returns the tenant's current-period summary, zero-valued when the
// ledger has no events yet.
func (g *Gate) Summary(tenantID string) (*types.BudgetSummary, error) {
	period := PeriodOf(g.now())
	summary, err := g.store.GetBudgetSummary(tenantID, period)
	if errors.Is(err, storage.ErrNotFound) {
		return &types.BudgetSummary{
			TenantID:   tenantID,
			Period:     period,
			Quantities: make(map[types.Metric]float64),
		}, nil
	}
	return summary, err
}

func (g *Gate) currentCost(tenantID, period string) (float64, error) {
	summary, err := g.store.GetBudgetSummary(tenantID, period)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget summary for %s/%s: %w", tenantID, period, err)
	}
	return summary.Cost, nil
}

// notifyThreshold emits the threshold event if this is the first crossing of
// that threshold in the period. The sentinel row makes it exactly-once.
func (g *Gate) notifyThreshold(ctx context.Context, tenantID, period string, threshold int, cost, cap float64) {
	first, err := g.store.MarkBudgetThreshold(tenantID, period, threshold)
	if err != nil {
		logger2 := log.WithComponent("budget")
		logger2.Error().
			Str("tenant", tenantID).
			Str("period", period).
			Int("threshold", threshold).
			Err(err).
			Msg("Failed to mark budget threshold")
		return
	}
	if !first {
		return
	}

	eventType := events.BudgetWarning
	if threshold >= ThresholdCritical {
		eventType = events.BudgetExceeded
	}
	g.bus.Emit(ctx, events.ForBudget(eventType, tenantID, period, map[string]any{
		"threshold": threshold,
		"cost":      cost,
		"cap":       cap,
	}))
}
