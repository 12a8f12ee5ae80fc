package budget

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

func newTestGate(t *testing.T, caps StaticCaps) (*Gate, storage.Store, *events.Bus) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(store)
	bus.Start()
	t.Cleanup(bus.Stop)

	return NewGate(store, bus, caps, nil), store, bus
}

func usage(tenantID string, metric types.Metric, quantity, cost float64) *types.BudgetEvent {
	return &types.BudgetEvent{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Period:     PeriodOf(time.Now()),
		Metric:     metric,
		Quantity:   quantity,
		Cost:       cost,
		RecordedAt: time.Now(),
	}
}

func TestAdmitAllowsUnderCap(t *testing.T) {
	gate, _, _ := newTestGate(t, StaticCaps{DefaultCap: 100})

	decision, err := gate.Admit(context.Background(), "t1", ActionDeploy)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reason)
}

func TestAdmitDeniesOverCap(t *testing.T) {
	gate, _, bus := newTestGate(t, StaticCaps{DefaultCap: 100})
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	// $99.80 spent against a $100 cap; a $1 deploy must be denied.
	_, err := gate.Record(context.Background(), "t2", []*types.BudgetEvent{
		usage("t2", types.MetricCPUSeconds, 1000, 99.80),
	})
	require.NoError(t, err)

	decision, err := gate.Admit(context.Background(), "t2", ActionDeploy)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonBudgetExceeded, decision.Reason)
	assert.InDelta(t, 100.80, decision.ProjectedCost, 0.001)

	// Exactly one budget.exceeded for the period, even after a second denial.
	_, err = gate.Admit(context.Background(), "t2", ActionDeploy)
	require.NoError(t, err)

	exceeded := 0
	deadline := time.After(2 * time.Second)
	for exceeded == 0 {
		select {
		case e := <-sub:
			if e.Type == events.BudgetExceeded {
				exceeded++
			}
		case <-deadline:
			t.Fatal("no budget.exceeded event")
		}
	}
	select {
	case e := <-sub:
		assert.NotEqual(t, events.BudgetExceeded, e.Type, "budget.exceeded emitted twice")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, exceeded)
}

func TestAdmitUnlimitedWhenNoCap(t *testing.T) {
	gate, _, _ := newTestGate(t, StaticCaps{})

	decision, err := gate.Admit(context.Background(), "t1", ActionBuild)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestRecordEmitsWarningOnce(t *testing.T) {
	gate, _, bus := newTestGate(t, StaticCaps{DefaultCap: 100})
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	ctx := context.Background()
	_, err := gate.Record(ctx, "t1", []*types.BudgetEvent{
		usage("t1", types.MetricBuilds, 1, 85),
	})
	require.NoError(t, err)
	_, err = gate.Record(ctx, "t1", []*types.BudgetEvent{
		usage("t1", types.MetricBuilds, 1, 5),
	})
	require.NoError(t, err)

	warnings := 0
	drain := time.After(500 * time.Millisecond)
	for done := false; !done; {
		select {
		case e := <-sub:
			if e.Type == events.BudgetWarning {
				warnings++
			}
		case <-drain:
			done = true
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestSummaryMatchesAppendedEvents(t *testing.T) {
	gate, store, _ := newTestGate(t, StaticCaps{DefaultCap: 1000})
	ctx := context.Background()

	batch := []*types.BudgetEvent{
		usage("t1", types.MetricCPUSeconds, 360, 0.005),
		usage("t1", types.MetricMemoryGBHours, 0.5, 0.003),
		usage("t1", types.MetricBuilds, 1, 0.10),
	}
	summary, err := gate.Record(ctx, "t1", batch)
	require.NoError(t, err)

	var wantCost float64
	for _, e := range batch {
		wantCost += e.Cost
	}
	assert.InDelta(t, wantCost, summary.Cost, 1e-9)
	assert.Equal(t, 360.0, summary.Quantities[types.MetricCPUSeconds])
	assert.Equal(t, 1.0, summary.Quantities[types.MetricBuilds])

	// Reopen path: the stored summary equals the refolded events.
	listed, err := store.ListBudgetEvents("t1", PeriodOf(time.Now()))
	require.NoError(t, err)
	var sum float64
	for _, e := range listed {
		sum += e.Cost
	}
	assert.InDelta(t, summary.Cost, sum, 1e-9)
}

func TestSummaryZeroWhenEmpty(t *testing.T) {
	gate, _, _ := newTestGate(t, StaticCaps{DefaultCap: 100})

	summary, err := gate.Summary("fresh")
	require.NoError(t, err)
	assert.Zero(t, summary.Cost)
	assert.Empty(t, summary.Quantities)
}
