// Package multiregion runs a service across regional control planes. A
// placement declares the per-region weights and overrides plus a traffic
// policy; the manager propagates the spec to every enabled region, probes
// each region's public endpoint, and reprograms the global route when
// regional health changes. Weighted, latency and geo strategies are
// supported; when every region is unhealthy the last known split is kept.
package multiregion
