// Package budget is the usage and budget gate: admission checks for builds,
// deploys and scales against each tenant's monthly cap, an append-only usage
// ledger whose period summary always equals the sum of its events, and a
// metering collector that samples running workloads on a fixed cadence.
// Warning (80%) and critical (100%) threshold events fire exactly once per
// tenant period, enforced by a sentinel row.
package budget
