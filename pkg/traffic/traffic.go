package traffic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/orchestrator"
)

const (
	shiftAttempts  = 6
	shiftBaseDelay = time.Second
	shiftMaxDelay  = 60 * time.Second
)

// Splitter programs weighted routes between a stable and a candidate workload
// version. Shifts for one route are ordered: a new shift cancels an in-flight
// retrying shift for the same route and waits for it to drain, so the newest
// requested weight always wins.
type Splitter struct {
	gw orchestrator.Gateway

	mu       sync.Mutex
	inflight map[string]*inflightShift
}

type inflightShift struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSplitter creates a splitter on top of the gateway.
func NewSplitter(gw orchestrator.Gateway) *Splitter {
	return &Splitter{
		gw:       gw,
		inflight: make(map[string]*inflightShift),
	}
}

// Shift programs the route so the candidate receives weight percent of the
// traffic and the stable version the remainder. weight 0 removes the
// candidate leg entirely; weight 100 removes the stable leg. Transient and
// conflict gateway failures are retried with exponential backoff; permanent
// failures return immediately.
func (s *Splitter) Shift(ctx context.Context, key orchestrator.RouteKey, stable, candidate orchestrator.Handle, weight int, ports []int32) error {
	if weight < 0 || weight > 100 {
		return fmt.Errorf("candidate weight %d out of range", weight)
	}

	shiftCtx, entry, prev := s.register(ctx, key)
	if prev != nil {
		<-prev.done
	}
	defer s.finish(key, entry)

	backends := make([]orchestrator.Backend, 0, 2)
	if weight < 100 {
		backends = append(backends, orchestrator.Backend{Handle: stable, Weight: 100 - weight})
	}
	if weight > 0 {
		backends = append(backends, orchestrator.Backend{Handle: candidate, Weight: weight})
	}

	err := retry.Do(
		func() error {
			return s.gw.ProgramRoute(shiftCtx, key, backends, ports)
		},
		retry.Context(shiftCtx),
		retry.Attempts(shiftAttempts),
		retry.Delay(shiftBaseDelay),
		retry.MaxDelay(shiftMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(orchestrator.IsRetryable),
		retry.OnRetry(func(attempt uint, err error) {
			logger := log.WithComponent("traffic")
			logger.Warn().
				Str("route", key.String()).
				Int("weight", weight).
				Uint("attempt", attempt+1).
				Err(err).
				Msg("Route shift retrying")
		}),
	)
	if err != nil {
		if shiftCtx.Err() != nil && ctx.Err() == nil {
			// Preempted by a newer shift; that shift owns the route now.
			return nil
		}
		return fmt.Errorf("shift %s to weight %d: %w", key, weight, err)
	}

	logger2 := log.WithComponent("traffic")
	logger2.Info().
		Str("route", key.String()).
		Str("candidate", candidate.Name()).
		Int("weight", weight).
		Msg("Route shifted")
	return nil
}

// register records the shift as in flight, cancelling and returning any
// previous shift for the same route so the caller can wait for it to drain.
func (s *Splitter) register(ctx context.Context, key orchestrator.RouteKey) (context.Context, *inflightShift, *inflightShift) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.inflight[key.String()]
	if prev != nil {
		prev.cancel()
	}

	shiftCtx, cancel := context.WithCancel(ctx)
	entry := &inflightShift{cancel: cancel, done: make(chan struct{})}
	s.inflight[key.String()] = entry
	return shiftCtx, entry, prev
}

func (s *Splitter) finish(key orchestrator.RouteKey, entry *inflightShift) {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(entry.done)
	entry.cancel()
	if s.inflight[key.String()] == entry {
		delete(s.inflight, key.String())
	}
}

// CandidateWeight reads the programmed route and returns the weight currently
// assigned to the candidate handle. ok is false when no route is programmed,
// which callers treat as weight 0.
func (s *Splitter) CandidateWeight(ctx context.Context, key orchestrator.RouteKey, candidate orchestrator.Handle) (weight int, ok bool, err error) {
	backends, err := s.gw.GetRoute(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("read route %s: %w", key, err)
	}
	if backends == nil {
		return 0, false, nil
	}
	for _, b := range backends {
		if b.Handle == candidate {
			return b.Weight, true, nil
		}
	}
	return 0, true, nil
}

// PointAll programs the whole route at a single version. Used for initial
// rollouts and for restoring the stable version after a revert.
func (s *Splitter) PointAll(ctx context.Context, key orchestrator.RouteKey, h orchestrator.Handle, ports []int32) error {
	return s.Shift(ctx, key, h, h, 0, ports)
}
