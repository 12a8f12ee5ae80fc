package dns

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/orchestrator"
)

// RegionTarget is the DNS answer for one region: either an address or a
// hostname to alias.
type RegionTarget struct {
	IP   net.IP
	Host string
}

// RouteTable holds the programmed cross-region splits. It implements
// multiregion.GlobalRouter; the DNS server answers from it.
type RouteTable struct {
	mu      sync.RWMutex
	regions map[string]RegionTarget
	routes  map[string]map[string]int // "service.tenant" -> region -> weight
	rnd     *rand.Rand
	rndMu   sync.Mutex
}

// NewRouteTable creates an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{
		regions: make(map[string]RegionTarget),
		routes:  make(map[string]map[string]int),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRegion registers a region's answer target. target is an IP address or a
// hostname; hostnames are answered as CNAMEs.
func (t *RouteTable) SetRegion(name, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ip := net.ParseIP(target); ip != nil {
		t.regions[name] = RegionTarget{IP: ip}
		return
	}
	t.regions[name] = RegionTarget{Host: target}
}

// ProgramGlobalRoute installs the weighted split for one service. Weights are
// region name -> percent.
func (t *RouteTable) ProgramGlobalRoute(ctx context.Context, key orchestrator.RouteKey, weights map[string]int) error {
	if len(weights) == 0 {
		return fmt.Errorf("route %s/%s: empty weights", key.TenantID, key.Service)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for region := range weights {
		if _, ok := t.regions[region]; !ok {
			return fmt.Errorf("route %s/%s: unknown region %q", key.TenantID, key.Service, region)
		}
	}

	copied := make(map[string]int, len(weights))
	for region, w := range weights {
		copied[region] = w
	}
	t.routes[routeName(key.Service, key.TenantID)] = copied
	return nil
}

// Pick selects a region for one query, weighted by the programmed split.
// ok is false when no route is programmed for the name.
func (t *RouteTable) Pick(service, tenantID string) (RegionTarget, bool) {
	t.mu.RLock()
	weights, ok := t.routes[routeName(service, tenantID)]
	if !ok {
		t.mu.RUnlock()
		return RegionTarget{}, false
	}

	total := 0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		t.mu.RUnlock()
		return RegionTarget{}, false
	}

	t.rndMu.Lock()
	n := t.rnd.Intn(total)
	t.rndMu.Unlock()

	var target RegionTarget
	for region, w := range weights {
		if w <= 0 {
			continue
		}
		if n < w {
			target = t.regions[region]
			break
		}
		n -= w
	}
	t.mu.RUnlock()
	return target, true
}

// Weights returns a copy of the programmed split, for diagnostics.
func (t *RouteTable) Weights(service, tenantID string) map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	weights, ok := t.routes[routeName(service, tenantID)]
	if !ok {
		return nil
	}
	out := make(map[string]int, len(weights))
	for region, w := range weights {
		out[region] = w
	}
	return out
}

func routeName(service, tenantID string) string {
	return service + "." + tenantID
}
