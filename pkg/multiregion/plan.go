package multiregion

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/loomhq/loom/pkg/types"
)

// planWeights computes the global split for a placement. ok is false when no
// enabled region is healthy, in which case the caller fails static. Whenever
// at least one healthy region exists, the returned weights route all traffic
// across healthy regions and sum to exactly 100.
func planWeights(regions []types.RegionSpec, policy types.TrafficPolicy, health map[string]*regionHealth) (map[string]int, bool) {
	enabled := lo.Filter(regions, func(r types.RegionSpec, _ int) bool { return r.Enabled })
	if len(enabled) == 0 {
		return nil, false
	}

	healthy := lo.Filter(enabled, func(r types.RegionSpec, _ int) bool {
		h, ok := health[r.Region]
		return ok && h.healthy
	})
	if len(healthy) == 0 {
		return nil, false
	}

	weights := make(map[string]int, len(enabled))
	for _, r := range enabled {
		weights[r.Region] = 0
	}

	switch policy.Strategy {
	case types.RoutingLatency:
		scores := make(map[string]float64, len(healthy))
		for _, r := range healthy {
			w := float64(r.Weight)
			if w <= 0 {
				w = 1
			}
			lat := health[r.Region].latency
			if lat <= 0 {
				lat = time.Millisecond
			}
			scores[r.Region] = w / lat.Seconds()
		}
		distribute(weights, scores)

	case types.RoutingGeo:
		// Static mapping collapses to the failover chain for the global
		// route: all traffic to the first healthy region in chain order.
		chain := append([]string{policy.Failover.Primary}, policy.Failover.Fallbacks...)
		for _, r := range healthy {
			if !lo.Contains(chain, r.Region) {
				chain = append(chain, r.Region)
			}
		}
		for _, name := range chain {
			if h, ok := health[name]; ok && h.healthy {
				weights[name] = 100
				return weights, true
			}
		}
		return nil, false

	default: // weighted
		scores := make(map[string]float64, len(healthy))
		for _, r := range healthy {
			scores[r.Region] = float64(r.Weight)
		}
		if sum(scores) == 0 {
			// All healthy regions configured at zero: split evenly.
			for name := range scores {
				scores[name] = 1
			}
		}
		distribute(weights, scores)
	}

	return weights, true
}

func sum(scores map[string]float64) float64 {
	total := 0.0
	for _, v := range scores {
		total += v
	}
	return total
}

// distribute writes scores into weights normalized to sum 100, using largest
// remainders with a name tie-break for determinism.
func distribute(weights map[string]int, scores map[string]float64) {
	total := sum(scores)
	if total == 0 {
		return
	}

	type share struct {
		name string
		frac float64
	}
	names := lo.Keys(scores)
	sort.Strings(names)

	assigned := 0
	shares := make([]share, 0, len(names))
	for _, name := range names {
		exact := scores[name] / total * 100
		floor := int(math.Floor(exact))
		weights[name] = floor
		assigned += floor
		shares = append(shares, share{name: name, frac: exact - float64(floor)})
	}

	sort.SliceStable(shares, func(i, j int) bool { return shares[i].frac > shares[j].frac })
	for i := 0; i < 100-assigned && i < len(shares); i++ {
		weights[shares[i].name]++
	}
}
