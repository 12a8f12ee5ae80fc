// Package cluster elects a control-plane leader via raft. Control loops run
// only on the leader; losing leadership stops them and the per-resource store
// leases expire on their own TTLs.
package cluster
