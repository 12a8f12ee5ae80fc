// Package webhook delivers signed events to tenant-registered HTTP endpoints
// at least once. Deliveries are persisted rows driven through
// Queued -> InFlight -> Delivered | Retrying | DeadLettered, with an
// exponential retry schedule capped at seven attempts and a per-subscription
// circuit breaker in front of dead endpoints. Payloads carry a hex
// HMAC-SHA256 signature computed under the subscription secret.
package webhook
