// Package buildqueue is the persistent build work queue. Enqueues are
// idempotent on the content address of (tenant, repo, commit, buildEnv),
// workers take jobs under expiring leases with atomic conditional
// transitions, and tenants with pending work are served round-robin under a
// global and a per-tenant concurrency cap.
package buildqueue
