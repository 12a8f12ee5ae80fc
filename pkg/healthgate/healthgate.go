package healthgate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/orchestrator"
	"github.com/loomhq/loom/pkg/types"
)

// BucketSeconds is the aggregation granularity of the sliding window.
const BucketSeconds = 10

// Sample is one time bucket of aggregated traffic for a workload.
type Sample struct {
	Bucket       time.Time
	Requests     int64
	Errors5xx    int64
	P95LatencyMs float64
}

// ErrorRate returns the 5xx fraction for the bucket.
func (s Sample) ErrorRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Errors5xx) / float64(s.Requests)
}

// SuccessRate returns the non-5xx fraction for the bucket.
func (s Sample) SuccessRate() float64 {
	return 1 - s.ErrorRate()
}

// MetricsProvider supplies aggregated samples for a workload over [from, to).
// The default binding queries the Prometheus HTTP API; tests script one.
type MetricsProvider interface {
	Window(ctx context.Context, h orchestrator.Handle, from, to time.Time) ([]Sample, error)
}

// Outcome is the verdict of one gate evaluation.
type Outcome string

const (
	Healthy   Outcome = "healthy"
	Unhealthy Outcome = "unhealthy"

	// Unknown means the metrics source covered less than half the window.
	// Callers treat it as neither pass nor fail and extend observation.
	Unknown Outcome = "unknown"
)

// Verdict is the result of evaluating a health gate.
type Verdict struct {
	Outcome        Outcome
	ConsecutiveBad int
	Rationale      string
	EvaluatedAt    time.Time
}

// bucketState is one slot of the per-workload ring buffer.
type bucketState struct {
	bucket time.Time
	bad    bool
	seen   bool
}

type ring struct {
	slots []bucketState
}

// Evaluator scores rollouts against health gates over a sliding window. It
// keeps a ring buffer of bucket verdicts per workload so consecutive-failure
// counting survives between polls.
type Evaluator struct {
	provider MetricsProvider

	mu    sync.Mutex
	rings map[string]*ring
}

// NewEvaluator creates an evaluator bound to a metrics provider.
func NewEvaluator(provider MetricsProvider) *Evaluator {
	return &Evaluator{
		provider: provider,
		rings:    make(map[string]*ring),
	}
}

// Reset drops accumulated state for a workload. Called when an attempt ends
// so a later rollout of the same handle starts clean.
func (e *Evaluator) Reset(h orchestrator.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rings, h.String())
}

// Evaluate scores the workload against the gate as of now.
func (e *Evaluator) Evaluate(ctx context.Context, h orchestrator.Handle, gate types.HealthGate, now time.Time) (Verdict, error) {
	verdict := Verdict{EvaluatedAt: now}

	window := time.Duration(gate.WindowSeconds) * time.Second
	from := now.Add(-window)

	samples, err := e.provider.Window(ctx, h, from, now)
	if err != nil {
		return verdict, fmt.Errorf("metrics window for %s: %w", h, err)
	}

	bucketCount := gate.WindowSeconds / BucketSeconds
	if bucketCount < 1 {
		bucketCount = 1
	}

	// Insufficient coverage: fewer than half the window's buckets have data.
	covered := 0
	for _, s := range samples {
		if !s.Bucket.Before(from) && s.Bucket.Before(now) {
			covered++
		}
	}
	if covered*2 < bucketCount {
		verdict.Outcome = Unknown
		verdict.Rationale = fmt.Sprintf("insufficient data: %d of %d buckets", covered, bucketCount)
		return verdict, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rings[h.String()]
	if !ok || len(r.slots) != bucketCount {
		r = &ring{slots: make([]bucketState, bucketCount)}
		e.rings[h.String()] = r
	}

	for _, s := range samples {
		if s.Bucket.Before(from) || !s.Bucket.Before(now) {
			continue
		}
		idx := int(s.Bucket.Unix()/BucketSeconds) % bucketCount
		bad, why := classify(s, gate)
		r.slots[idx] = bucketState{bucket: s.Bucket, bad: bad, seen: true}
		if bad && verdict.Rationale == "" {
			verdict.Rationale = why
		}
	}

	// Count consecutive bad buckets ending at the most recent seen bucket.
	ordered := make([]bucketState, 0, bucketCount)
	for _, slot := range r.slots {
		if slot.seen && !slot.bucket.Before(from) {
			ordered = append(ordered, slot)
		}
	}
	sortByBucket(ordered)

	consecutive := 0
	for i := len(ordered) - 1; i >= 0; i-- {
		if !ordered[i].bad {
			break
		}
		consecutive++
	}
	verdict.ConsecutiveBad = consecutive

	if gate.FailureThreshold > 0 && consecutive >= gate.FailureThreshold {
		verdict.Outcome = Unhealthy
		if verdict.Rationale == "" {
			verdict.Rationale = fmt.Sprintf("%d consecutive bad buckets", consecutive)
		}
		return verdict, nil
	}

	verdict.Outcome = Healthy
	verdict.Rationale = fmt.Sprintf("%d of %d buckets bad", countBad(ordered), len(ordered))
	return verdict, nil
}

// classify marks a sample Bad when any gate threshold is violated.
func classify(s Sample, gate types.HealthGate) (bool, string) {
	if gate.MaxErrorRate > 0 && s.ErrorRate() > gate.MaxErrorRate {
		return true, fmt.Sprintf("error rate %.4f exceeds %.4f", s.ErrorRate(), gate.MaxErrorRate)
	}
	if gate.MaxP95LatencyMs > 0 && s.P95LatencyMs > float64(gate.MaxP95LatencyMs) {
		return true, fmt.Sprintf("p95 latency %.0fms exceeds %dms", s.P95LatencyMs, gate.MaxP95LatencyMs)
	}
	if gate.MinSuccessRate > 0 && s.SuccessRate() < gate.MinSuccessRate {
		return true, fmt.Sprintf("success rate %.4f below %.4f", s.SuccessRate(), gate.MinSuccessRate)
	}
	return false, ""
}

func countBad(slots []bucketState) int {
	n := 0
	for _, s := range slots {
		if s.bad {
			n++
		}
	}
	return n
}

func sortByBucket(slots []bucketState) {
	for i := 1; i < len(slots); i++ {
		for j := i; j > 0 && slots[j].bucket.Before(slots[j-1].bucket); j-- {
			slots[j], slots[j-1] = slots[j-1], slots[j]
		}
	}
}
