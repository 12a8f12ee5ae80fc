// Package controlplane is the composition root: it opens the store, wires the
// event bus, gateway, budget gate, build queue, and raft elector, and runs the
// control loops (reconciler, build executor, webhook dispatcher, metering,
// multi-region, retention janitor) while this node holds leadership.
package controlplane
