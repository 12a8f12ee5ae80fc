// Package traffic shifts request weight between workload versions through the
// orchestrator gateway. The splitter validates weights, retries transient
// failures with exponential backoff, and lets callers resume interrupted
// shifts by reading the authoritative programmed route back.
package traffic
