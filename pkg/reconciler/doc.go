// Package reconciler drives each service's declared spec to a committed
// revision through a persisted state machine:
//
//	Pending -> Building -> Validating -> Shifting -> Observing -> Committed
//
// with RolledBack and Failed as the terminal failure states. A store lease
// keyed by service id admits one reconciler per service; each tick executes
// at most one transition and persists it before any non-idempotent side
// effect, so a crashed node's successor resumes from the row. Rolling,
// canary and blue-green strategies compile to a traffic program, an ordered
// (weight, dwell) sequence walked by the shifting and observing states under
// the service's health gate.
package reconciler
