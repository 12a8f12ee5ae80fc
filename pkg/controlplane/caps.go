package controlplane

import (
	"sync"

	"github.com/loomhq/loom/pkg/budget"
	"github.com/loomhq/loom/pkg/config"
)

// RuntimeCaps is a budget.CapProvider whose table can be swapped on config
// reload without rebuilding the gate.
type RuntimeCaps struct {
	mu   sync.RWMutex
	caps budget.StaticCaps
}

// NewRuntimeCaps creates a provider from the budget configuration.
func NewRuntimeCaps(cfg config.Budget) *RuntimeCaps {
	c := &RuntimeCaps{}
	c.Update(cfg)
	return c
}

// Cap returns the tenant's monthly cap in dollars.
func (c *RuntimeCaps) Cap(tenantID string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps.Cap(tenantID)
}

// Update replaces the cap table.
func (c *RuntimeCaps) Update(cfg config.Budget) {
	caps := make(map[string]float64, len(cfg.Caps))
	for tenant, cap := range cfg.Caps {
		caps[tenant] = cap
	}
	c.mu.Lock()
	c.caps = budget.StaticCaps{Caps: caps, DefaultCap: cfg.DefaultCap}
	c.mu.Unlock()
}

var _ budget.CapProvider = (*RuntimeCaps)(nil)
