/*
Package types defines the core data model of the Loom control plane.

Entities are plain structs persisted through pkg/storage and referenced by ID;
there is no cyclic ownership. The important lifecycles:

  - Service holds the declared ServiceSpec, keyed by (tenant, name). At most
    one Service is active per key.
  - Revision is an immutable ServiceSpec snapshot created only by the
    reconciler at promotion time. Revisions form a linear per-service history;
    the two most recent are retained for rollback.
  - DeploymentAttempt is one reconciliation episode moving a service between
    revisions. Once an attempt reaches a terminal state (Committed, RolledBack,
    Failed) it is never mutated again.
  - Build is content-addressed on (tenant, repo, commit, buildEnv): duplicate
    requests collapse to a single row and a single execution.
  - BudgetEvent rows are append-only; BudgetSummary is the derived per-period
    aggregate and always equals the sum of its events.

Row versions are monotonically increasing integers used for optimistic
concurrency by the storage layer.
*/
package types
