// Package healthgate scores in-flight rollouts against per-service health
// gates. Samples arrive in fixed time buckets from a MetricsProvider, a bucket
// is Bad when any configured threshold is violated, and a workload turns
// Unhealthy only after the gate's failure threshold of consecutive Bad
// buckets. A window with less than half its buckets covered yields Unknown.
package healthgate
