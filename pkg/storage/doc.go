/*
Package storage persists all control-plane state in an embedded BoltDB
database.

One bucket per logical table: services, revisions, attempts, builds,
build_keys, budget_events, budget_summaries, webhook_subscriptions,
webhook_deliveries, events, leases, sentinels. Rows are JSON-encoded entity
structs from pkg/types.

# Concurrency model

Rows that multiple loops touch carry a monotonically increasing Version;
Update* methods fail with ErrVersionConflict when the row changed since it was
read. Multi-step transitions (build queue leasing, delivery state moves,
attempt step persistence) go through the Mutate* helpers, which run the
caller's function inside a single bbolt write transaction so the conditional
check and the write are atomic.

Two invariants are enforced at this layer rather than by callers:

  - at most one non-terminal DeploymentAttempt exists per service
    (CreateAttempt rejects a second), and terminal attempts are immutable
    (Mutate/Update fail with ErrTerminal);
  - a budget period summary always equals the sum of its ledger events
    (AppendBudget appends and re-folds the summary in one transaction).

Leases are plain rows with an owner and expiry; they expire passively, so a
crashed holder's lease is simply claimable once the clock passes ExpiresAt.
*/
package storage
