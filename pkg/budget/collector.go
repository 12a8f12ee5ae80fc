package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/orchestrator"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

// Pricing maps metered metrics to dollars per unit.
type Pricing map[types.Metric]float64

// DefaultPricing mirrors the published rate card.
func DefaultPricing() Pricing {
	return Pricing{
		types.MetricCPUSeconds:    0.000012,
		types.MetricMemoryGBHours: 0.005,
		types.MetricEgressGB:      0.09,
		types.MetricRequests:      0.0000004,
		types.MetricBuilds:        0.10,
	}
}

// Collector meters running workloads on a fixed cadence and appends the
// resulting usage to each tenant's ledger through the gate, one transaction
// per tenant per tick.
type Collector struct {
	store    storage.Store
	gate     *Gate
	gw       orchestrator.Gateway
	pricing  Pricing
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	now      func() time.Time
}

// NewCollector creates a metering collector. interval is the sampling cadence.
func NewCollector(store storage.Store, gate *Gate, gw orchestrator.Gateway, pricing Pricing, interval time.Duration) *Collector {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Collector{
		store:    store,
		gate:     gate,
		gw:       gw,
		pricing:  pricing,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the sampling loop.
func (c *Collector) Start() {
	go c.run()
}

// Stop halts sampling and waits for the in-flight tick to finish.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Tick(context.Background()); err != nil {
				logger := log.WithComponent("budget")
				logger.Error().Err(err).Msg("Metering tick failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Tick samples every service's running usage and appends it to the ledger.
func (c *Collector) Tick(ctx context.Context) error {
	services, err := c.store.ListServices()
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}

	now := c.now()
	period := PeriodOf(now)
	perTenant := make(map[string][]*types.BudgetEvent)

	for _, svc := range services {
		if svc.CurrentRevision == 0 {
			continue
		}
		h := orchestrator.Handle{
			TenantID: svc.TenantID,
			Service:  svc.Name,
			Version:  fmt.Sprintf("r%d", svc.CurrentRevision),
		}
		status, err := c.gw.GetWorkloadStatus(ctx, h)
		if err != nil {
			logger2 := log.WithComponent("budget")
			logger2.Debug().
				Str("workload", h.Name()).
				Err(err).
				Msg("Skipping unmetered workload")
			continue
		}
		if status.Ready == 0 {
			continue
		}

		cpuSeconds, memGBHours := usageFor(svc.Spec.Resources, status.Ready, c.interval)
		perTenant[svc.TenantID] = append(perTenant[svc.TenantID],
			c.event(svc.TenantID, period, types.MetricCPUSeconds, cpuSeconds, now),
			c.event(svc.TenantID, period, types.MetricMemoryGBHours, memGBHours, now),
		)
	}

	for tenantID, batch := range perTenant {
		if _, err := c.gate.Record(ctx, tenantID, batch); err != nil {
			logger3 := log.WithComponent("budget")
			logger3.Error().
				Str("tenant", tenantID).
				Err(err).
				Msg("Failed to append metered usage")
		}
	}
	return nil
}

func (c *Collector) event(tenantID, period string, metric types.Metric, quantity float64, now time.Time) *types.BudgetEvent {
	return &types.BudgetEvent{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Period:     period,
		Metric:     metric,
		Quantity:   quantity,
		Cost:       quantity * c.pricing[metric],
		RecordedAt: now,
	}
}

// usageFor converts declared per-replica resources into interval consumption.
// Missing declarations fall back to the platform minimums.
func usageFor(res *types.Resources, replicas int, interval time.Duration) (cpuSeconds, memGBHours float64) {
	cpuCores := 0.1
	memGB := 0.25
	if res != nil {
		if q, err := resource.ParseQuantity(res.CPU); err == nil && res.CPU != "" {
			cpuCores = q.AsApproximateFloat64()
		}
		if q, err := resource.ParseQuantity(res.Memory); err == nil && res.Memory != "" {
			memGB = q.AsApproximateFloat64() / (1 << 30)
		}
	}
	hours := interval.Hours()
	cpuSeconds = cpuCores * interval.Seconds() * float64(replicas)
	memGBHours = memGB * hours * float64(replicas)
	return cpuSeconds, memGBHours
}
