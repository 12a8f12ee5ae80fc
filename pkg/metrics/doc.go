// Package metrics exposes the control plane's Prometheus metrics and the
// component health registry backing /healthz and /readyz.
//
// Gauges describing inventory (services, active attempts, builds, webhook
// backlog) are polled from the store by Collector; counters (events,
// deployment outcomes, budget thresholds) are fed from the event bus.
package metrics
