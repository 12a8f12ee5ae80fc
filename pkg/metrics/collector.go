package metrics

import (
	"time"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

// LeaderReporter reports whether this node currently leads the cluster.
type LeaderReporter interface {
	IsLeader() bool
}

// Collector samples control-plane state into gauges and folds bus events into
// counters.
type Collector struct {
	store  storage.Store
	bus    *events.Bus
	leader LeaderReporter

	interval time.Duration
	sub      events.Subscriber
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a collector sampling every interval. leader may be nil
// on single-node deployments without raft.
func NewCollector(store storage.Store, bus *events.Bus, leader LeaderReporter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		bus:      bus,
		leader:   leader,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches sampling and the event subscriber.
func (c *Collector) Start() {
	c.sub = c.bus.Subscribe()
	go c.run()
}

// Stop halts the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.bus.Unsubscribe(c.sub)
	<-c.doneCh
}

func (c *Collector) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Sample()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sample()
		case e, ok := <-c.sub:
			if !ok {
				return
			}
			c.observe(e)
		}
	}
}

// Sample refreshes the polled gauges from the store.
func (c *Collector) Sample() {
	if services, err := c.store.ListServices(); err == nil {
		ServicesTotal.Set(float64(len(services)))

		active := map[types.AttemptState]int{}
		for _, svc := range services {
			attempt, err := c.store.GetActiveAttempt(svc.ID)
			if err != nil {
				continue
			}
			active[attempt.State]++
		}
		AttemptsActive.Reset()
		for state, n := range active {
			AttemptsActive.WithLabelValues(string(state)).Set(float64(n))
		}
	}

	statuses := []types.BuildStatus{
		types.BuildPending, types.BuildRunning,
		types.BuildSucceeded, types.BuildFailed, types.BuildCancelled,
	}
	for _, status := range statuses {
		builds, err := c.store.ListBuildsByStatus(status)
		if err != nil {
			continue
		}
		BuildsTotal.WithLabelValues(string(status)).Set(float64(len(builds)))
	}

	if due, err := c.store.ListDueDeliveries(time.Now(), 10000); err == nil {
		WebhookBacklog.Set(float64(len(due)))
	}

	if c.leader != nil {
		if c.leader.IsLeader() {
			RaftLeader.Set(1)
		} else {
			RaftLeader.Set(0)
		}
	}
}

// observe folds one published event into the counters.
func (c *Collector) observe(e types.Event) {
	EventsTotal.WithLabelValues(e.Type).Inc()

	switch e.Type {
	case events.DeploymentSucceeded:
		DeploymentsFinished.WithLabelValues("committed").Inc()
	case events.DeploymentRolledBack:
		DeploymentsFinished.WithLabelValues("rolledBack").Inc()
	case events.DeploymentFailed:
		DeploymentsFinished.WithLabelValues("failed").Inc()
	case events.BudgetWarning:
		BudgetThresholds.WithLabelValues("warning").Inc()
	case events.BudgetExceeded:
		BudgetThresholds.WithLabelValues("critical").Inc()
	case events.WebhookDeadLettered:
		WebhooksDeadLettered.Inc()
	}
}
