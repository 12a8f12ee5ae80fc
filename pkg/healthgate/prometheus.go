package healthgate

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/loomhq/loom/pkg/orchestrator"
)

// PromProvider reads request, error, and latency series from a Prometheus
// HTTP API. It expects the ingress tier to export:
//
//	loom_http_requests_total{workload=...}
//	loom_http_errors_total{workload=...}          (5xx only)
//	loom_http_request_duration_seconds_bucket{workload=...}
type PromProvider struct {
	api promv1.API
}

// NewPromProvider creates a provider against the Prometheus server at addr.
func NewPromProvider(addr string) (*PromProvider, error) {
	client, err := api.NewClient(api.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return &PromProvider{api: promv1.NewAPI(client)}, nil
}

// NewPromProviderFromAPI wraps an existing API client.
func NewPromProviderFromAPI(v1api promv1.API) *PromProvider {
	return &PromProvider{api: v1api}
}

func (p *PromProvider) Window(ctx context.Context, h orchestrator.Handle, from, to time.Time) ([]Sample, error) {
	step := time.Duration(BucketSeconds) * time.Second
	r := promv1.Range{Start: from, End: to, Step: step}

	requests, err := p.queryRange(ctx,
		fmt.Sprintf(`sum(rate(loom_http_requests_total{workload=%q}[%ds])) * %d`, h.Name(), BucketSeconds, BucketSeconds), r)
	if err != nil {
		return nil, err
	}
	errors5xx, err := p.queryRange(ctx,
		fmt.Sprintf(`sum(rate(loom_http_errors_total{workload=%q}[%ds])) * %d`, h.Name(), BucketSeconds, BucketSeconds), r)
	if err != nil {
		return nil, err
	}
	p95, err := p.queryRange(ctx,
		fmt.Sprintf(`histogram_quantile(0.95, sum(rate(loom_http_request_duration_seconds_bucket{workload=%q}[%ds])) by (le)) * 1000`, h.Name(), BucketSeconds), r)
	if err != nil {
		return nil, err
	}

	byBucket := make(map[time.Time]*Sample)
	bucketFor := func(ts time.Time) *Sample {
		b := ts.Truncate(step)
		s, ok := byBucket[b]
		if !ok {
			s = &Sample{Bucket: b}
			byBucket[b] = s
		}
		return s
	}

	for ts, v := range requests {
		bucketFor(ts).Requests = int64(v)
	}
	for ts, v := range errors5xx {
		bucketFor(ts).Errors5xx = int64(v)
	}
	for ts, v := range p95 {
		bucketFor(ts).P95LatencyMs = v
	}

	samples := make([]Sample, 0, len(byBucket))
	for _, s := range byBucket {
		// Buckets with no traffic at all carry no signal; skip them so
		// coverage accounting reflects observed load only.
		if s.Requests == 0 && s.P95LatencyMs == 0 {
			continue
		}
		samples = append(samples, *s)
	}
	return samples, nil
}

// queryRange flattens a range query result into timestamp -> value. NaN
// points (empty histogram_quantile windows) are dropped.
func (p *PromProvider) queryRange(ctx context.Context, query string, r promv1.Range) (map[time.Time]float64, error) {
	value, _, err := p.api.QueryRange(ctx, query, r)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("query %q: unexpected result type %s", query, value.Type())
	}
	out := make(map[time.Time]float64)
	for _, stream := range matrix {
		for _, point := range stream.Values {
			v := float64(point.Value)
			if v != v {
				continue
			}
			out[point.Timestamp.Time()] = v
		}
	}
	return out, nil
}

var _ MetricsProvider = (*PromProvider)(nil)
