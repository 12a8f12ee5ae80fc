package storage

import (
	"errors"
	"time"

	"github.com/loomhq/loom/pkg/types"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an optimistic-concurrency update
	// observes a row version other than the one it read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrTerminal is returned when a mutation targets a row that has already
	// reached a terminal state.
	ErrTerminal = errors.New("row is terminal")

	// ErrLeaseHeld is returned when a lease is owned by another holder.
	ErrLeaseHeld = errors.New("lease held by another owner")
)

// Lease is a time-bounded exclusive claim on a resource.
type Lease struct {
	Kind      string
	ID        string
	Owner     string
	ExpiresAt time.Time
}

// Store defines the interface for control-plane state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Services
	CreateService(service *types.Service) error
	GetService(id string) (*types.Service, error)
	GetServiceByName(tenantID, name string) (*types.Service, error)
	ListServices() ([]*types.Service, error)
	UpdateService(service *types.Service) error
	DeleteService(id string) error

	// Revisions
	CreateRevision(rev *types.Revision) error
	GetRevision(serviceID string, number int64) (*types.Revision, error)
	ListRevisions(serviceID string) ([]*types.Revision, error)
	LatestRevision(serviceID string) (*types.Revision, error)
	PruneRevisions(serviceID string, keep int) error

	// Deployment attempts
	CreateAttempt(attempt *types.DeploymentAttempt) error
	GetAttempt(id string) (*types.DeploymentAttempt, error)
	GetActiveAttempt(serviceID string) (*types.DeploymentAttempt, error)
	ListAttemptsByService(serviceID string) ([]*types.DeploymentAttempt, error)
	UpdateAttempt(attempt *types.DeploymentAttempt) error
	MutateAttempt(id string, fn func(*types.DeploymentAttempt) error) (*types.DeploymentAttempt, error)

	// Builds
	CreateBuildIdempotent(build *types.Build) (*types.Build, bool, error)
	GetBuild(id string) (*types.Build, error)
	GetBuildByKey(key string) (*types.Build, error)
	ListBuilds() ([]*types.Build, error)
	ListBuildsByStatus(status types.BuildStatus) ([]*types.Build, error)
	UpdateBuild(build *types.Build) error
	MutateBuild(id string, fn func(*types.Build) error) (*types.Build, error)
	DeleteBuild(id string) error

	// Budget ledger
	AppendBudget(events []*types.BudgetEvent) (*types.BudgetSummary, error)
	GetBudgetSummary(tenantID, period string) (*types.BudgetSummary, error)
	ListBudgetEvents(tenantID, period string) ([]*types.BudgetEvent, error)
	MarkBudgetThreshold(tenantID, period string, threshold int) (bool, error)

	// Webhook subscriptions and deliveries
	CreateSubscription(sub *types.WebhookSubscription) error
	GetSubscription(id string) (*types.WebhookSubscription, error)
	ListSubscriptions() ([]*types.WebhookSubscription, error)
	UpdateSubscription(sub *types.WebhookSubscription) error
	DeleteSubscription(id string) error

	CreateDelivery(d *types.WebhookDelivery) error
	GetDelivery(id string) (*types.WebhookDelivery, error)
	ListDueDeliveries(now time.Time, limit int) ([]*types.WebhookDelivery, error)
	MutateDelivery(id string, fn func(*types.WebhookDelivery) error) (*types.WebhookDelivery, error)

	// Event log
	AppendEvent(event *types.Event) error
	GetEvent(id string) (*types.Event, error)
	ListEventsAfter(afterID string, limit int) ([]*types.Event, error)
	DeleteEventsBefore(cutoff time.Time) (int, error)

	// Leases
	AcquireLease(kind, id, owner string, ttl time.Duration) (*Lease, error)
	RenewLease(kind, id, owner string, ttl time.Duration) (*Lease, error)
	ReleaseLease(kind, id, owner string) error
	GetLease(kind, id string) (*Lease, error)

	// Utility
	Close() error
}
