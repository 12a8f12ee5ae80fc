package healthgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/orchestrator"
	"github.com/loomhq/loom/pkg/types"
)

var testHandle = orchestrator.Handle{TenantID: "t1", Service: "api", Version: "v3"}

func testGate() types.HealthGate {
	return types.HealthGate{
		Enabled:          true,
		MaxErrorRate:     0.05,
		MaxP95LatencyMs:  500,
		MinSuccessRate:   0.90,
		WindowSeconds:    60,
		FailureThreshold: 3,
	}
}

// feedWindow fills every bucket in [now-window, now) with the given sample
// shape, offset by bucket index.
func feedWindow(p *Scripted, now time.Time, gate types.HealthGate, shape func(i int) Sample) {
	buckets := gate.WindowSeconds / BucketSeconds
	start := now.Add(-time.Duration(gate.WindowSeconds) * time.Second).Truncate(time.Duration(BucketSeconds) * time.Second)
	for i := 0; i < buckets; i++ {
		s := shape(i)
		s.Bucket = start.Add(time.Duration(i*BucketSeconds) * time.Second)
		p.Feed(testHandle, s)
	}
}

func TestEvaluateHealthy(t *testing.T) {
	provider := NewScripted()
	eval := NewEvaluator(provider)
	now := time.Now().Truncate(time.Duration(BucketSeconds) * time.Second)

	feedWindow(provider, now, testGate(), func(i int) Sample {
		return Sample{Requests: 1000, Errors5xx: 10, P95LatencyMs: 120}
	})

	verdict, err := eval.Evaluate(context.Background(), testHandle, testGate(), now)
	require.NoError(t, err)
	assert.Equal(t, Healthy, verdict.Outcome)
	assert.Zero(t, verdict.ConsecutiveBad)
}

func TestEvaluateUnhealthyAfterConsecutiveBad(t *testing.T) {
	provider := NewScripted()
	eval := NewEvaluator(provider)
	now := time.Now().Truncate(time.Duration(BucketSeconds) * time.Second)
	gate := testGate()
	buckets := gate.WindowSeconds / BucketSeconds

	// Last three buckets violate the error-rate threshold.
	feedWindow(provider, now, gate, func(i int) Sample {
		if i >= buckets-3 {
			return Sample{Requests: 1000, Errors5xx: 100, P95LatencyMs: 120}
		}
		return Sample{Requests: 1000, Errors5xx: 10, P95LatencyMs: 120}
	})

	verdict, err := eval.Evaluate(context.Background(), testHandle, gate, now)
	require.NoError(t, err)
	assert.Equal(t, Unhealthy, verdict.Outcome)
	assert.Equal(t, 3, verdict.ConsecutiveBad)
	assert.Contains(t, verdict.Rationale, "error rate")
}

func TestEvaluateBadBucketsNotConsecutive(t *testing.T) {
	provider := NewScripted()
	eval := NewEvaluator(provider)
	now := time.Now().Truncate(time.Duration(BucketSeconds) * time.Second)
	gate := testGate()

	// Alternating bad buckets never reach three in a row.
	feedWindow(provider, now, gate, func(i int) Sample {
		if i%2 == 0 {
			return Sample{Requests: 1000, Errors5xx: 100, P95LatencyMs: 120}
		}
		return Sample{Requests: 1000, Errors5xx: 0, P95LatencyMs: 120}
	})

	verdict, err := eval.Evaluate(context.Background(), testHandle, gate, now)
	require.NoError(t, err)
	assert.Equal(t, Healthy, verdict.Outcome)
	assert.Less(t, verdict.ConsecutiveBad, gate.FailureThreshold)
}

func TestEvaluateLatencyThreshold(t *testing.T) {
	provider := NewScripted()
	eval := NewEvaluator(provider)
	now := time.Now().Truncate(time.Duration(BucketSeconds) * time.Second)
	gate := testGate()
	buckets := gate.WindowSeconds / BucketSeconds

	feedWindow(provider, now, gate, func(i int) Sample {
		if i >= buckets-gate.FailureThreshold {
			return Sample{Requests: 500, P95LatencyMs: 900}
		}
		return Sample{Requests: 500, P95LatencyMs: 100}
	})

	verdict, err := eval.Evaluate(context.Background(), testHandle, gate, now)
	require.NoError(t, err)
	assert.Equal(t, Unhealthy, verdict.Outcome)
	assert.Contains(t, verdict.Rationale, "p95 latency")
}

func TestEvaluateUnknownOnSparseData(t *testing.T) {
	provider := NewScripted()
	eval := NewEvaluator(provider)
	now := time.Now().Truncate(time.Duration(BucketSeconds) * time.Second)
	gate := testGate()

	// Only two of six buckets have data: below half coverage.
	provider.Feed(testHandle,
		Sample{Bucket: now.Add(-20 * time.Second), Requests: 100},
		Sample{Bucket: now.Add(-10 * time.Second), Requests: 100},
	)

	verdict, err := eval.Evaluate(context.Background(), testHandle, gate, now)
	require.NoError(t, err)
	assert.Equal(t, Unknown, verdict.Outcome)
	assert.Contains(t, verdict.Rationale, "insufficient data")
}

func TestEvaluateProviderError(t *testing.T) {
	provider := NewScripted()
	eval := NewEvaluator(provider)
	provider.Fail(errors.New("scrape timeout"))

	_, err := eval.Evaluate(context.Background(), testHandle, testGate(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scrape timeout")
}

func TestResetClearsConsecutiveState(t *testing.T) {
	provider := NewScripted()
	eval := NewEvaluator(provider)
	now := time.Now().Truncate(time.Duration(BucketSeconds) * time.Second)
	gate := testGate()

	feedWindow(provider, now, gate, func(i int) Sample {
		return Sample{Requests: 1000, Errors5xx: 200}
	})
	verdict, err := eval.Evaluate(context.Background(), testHandle, gate, now)
	require.NoError(t, err)
	require.Equal(t, Unhealthy, verdict.Outcome)

	eval.Reset(testHandle)
	provider.Clear(testHandle)
	later := now.Add(time.Duration(gate.WindowSeconds) * time.Second)
	feedWindow(provider, later, gate, func(i int) Sample {
		return Sample{Requests: 1000, Errors5xx: 0}
	})

	verdict, err = eval.Evaluate(context.Background(), testHandle, gate, later)
	require.NoError(t, err)
	assert.Equal(t, Healthy, verdict.Outcome)
	assert.Zero(t, verdict.ConsecutiveBad)
}
