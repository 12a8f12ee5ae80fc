package multiregion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

// Probe defaults applied when the policy leaves fields zero.
const (
	defaultProbeInterval  = 10
	defaultProbeTimeout   = 5
	defaultProbeThreshold = 3
)

// regionHealth is the per-(placement, region) probe state machine. A region
// starts healthy, goes unhealthy after failureThreshold consecutive failures,
// and recovers after an equally long run of consecutive successes.
type regionHealth struct {
	healthy   bool
	consecBad int
	consecOK  int
	latency   time.Duration
	lastProbe time.Time
}

func newRegionHealth() *regionHealth {
	return &regionHealth{healthy: true}
}

// Prober performs HTTP endpoint probes and advances regionHealth state.
type Prober struct {
	client *http.Client
}

// NewProber creates a prober with its own pooled client.
func NewProber() *Prober {
	return &Prober{client: &http.Client{}}
}

// Observe probes the endpoint if its interval has elapsed and folds the
// result into h. Probes off their cadence are skipped, so Observe is cheap to
// call every tick.
func (p *Prober) Observe(ctx context.Context, endpoint string, probe *types.RegionProbe, h *regionHealth, now time.Time) {
	cfg := normalizeProbe(probe)
	if now.Sub(h.lastProbe) < time.Duration(cfg.IntervalSeconds)*time.Second {
		return
	}
	h.lastProbe = now

	latency, err := p.check(ctx, endpoint, cfg)
	if err != nil {
		h.consecBad++
		h.consecOK = 0
		if h.healthy && h.consecBad >= cfg.FailureThreshold {
			h.healthy = false
			logger := log.WithComponent("multiregion")
			logger.Warn().
				Str("endpoint", endpoint).
				Int("failures", h.consecBad).
				Err(err).
				Msg("Region unhealthy")
		}
		return
	}

	h.consecOK++
	h.consecBad = 0
	h.latency = latency
	if !h.healthy && h.consecOK >= cfg.FailureThreshold {
		h.healthy = true
		logger2 := log.WithComponent("multiregion")
		logger2.Info().
			Str("endpoint", endpoint).
			Dur("latency", latency).
			Msg("Region recovered")
	}
}

func (p *Prober) check(ctx context.Context, endpoint string, cfg types.RegionProbe) (time.Duration, error) {
	url := strings.TrimSuffix(endpoint, "/") + cfg.Path

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		return latency, fmt.Errorf("probe %s: HTTP %d", url, resp.StatusCode)
	}
	return latency, nil
}

func normalizeProbe(probe *types.RegionProbe) types.RegionProbe {
	cfg := types.RegionProbe{Path: "/healthz"}
	if probe != nil {
		cfg = *probe
	}
	if cfg.Path == "" {
		cfg.Path = "/healthz"
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = defaultProbeInterval
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultProbeThreshold
	}
	return cfg
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
