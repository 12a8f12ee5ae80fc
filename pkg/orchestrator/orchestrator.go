package orchestrator

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/pkg/types"
)

// Handle identifies one workload version managed through the gateway.
type Handle struct {
	TenantID string
	Service  string
	Version  string // revision tag, e.g. "r42" or "r42-canary"
}

// Name returns the cluster-side workload name for the handle.
func (h Handle) Name() string {
	return h.Service + "-" + h.Version
}

func (h Handle) String() string {
	return h.TenantID + "/" + h.Name()
}

// EnvVar is one resolved environment entry. FromSecret references
// "<group>.<key>" and is mapped to the cluster manager's secret primitive.
type EnvVar struct {
	Name       string
	Value      string
	FromSecret string
}

// Probe is the liveness/readiness probe programmed into the workload.
type Probe struct {
	Path                string
	Port                int
	InitialDelaySeconds int
	PeriodSeconds       int
}

// WorkloadSpec is the full declaration the gateway needs to apply a workload.
// Two applies with identical specs are no-ops.
type WorkloadSpec struct {
	Handle    Handle
	Image     string
	Replicas  int
	Ports     []int32
	Env       []EnvVar
	Resources *types.Resources
	Probe     *Probe
	Labels    map[string]string
}

// Condition mirrors a cluster-manager workload condition.
type Condition struct {
	Type    string
	Status  string
	Reason  string
	Message string
}

// WorkloadStatus is an eventually consistent snapshot of a workload.
// ObservedGeneration < Generation means the status is stale and must not be
// used for health decisions.
type WorkloadStatus struct {
	Replicas           int
	Ready              int
	Updated            int
	Generation         int64
	ObservedGeneration int64
	Conditions         []Condition
}

// EventType classifies workload events from the watch stream.
type EventType string

const (
	EventScaled   EventType = "scaled"
	EventReady    EventType = "ready"
	EventDegraded EventType = "degraded"
	EventDeleted  EventType = "deleted"
)

// WorkloadEvent is one entry in a workload's event stream.
type WorkloadEvent struct {
	Handle  Handle
	Type    EventType
	Message string
}

// RouteKey identifies the load-balancer front-end of a service.
type RouteKey struct {
	TenantID string
	Service  string
}

func (k RouteKey) String() string {
	return k.TenantID + "/" + k.Service
}

// Backend is one weighted target of a route. Weights across the backends of a
// route sum to 100.
type Backend struct {
	Handle Handle
	Weight int
}

// Gateway abstracts the cluster manager. Writes return only after the cluster
// manager acknowledges them; status reads are eventually consistent.
type Gateway interface {
	// ApplyWorkload creates or updates a workload. Idempotent: identical
	// inputs produce no additional cluster writes.
	ApplyWorkload(ctx context.Context, spec WorkloadSpec) (Handle, error)

	// ScaleWorkload sets the replica count.
	ScaleWorkload(ctx context.Context, h Handle, replicas int) error

	// DeleteWorkload removes the workload. Deleting a missing workload is not
	// an error.
	DeleteWorkload(ctx context.Context, h Handle) error

	// GetWorkloadStatus reads the current workload status.
	GetWorkloadStatus(ctx context.Context, h Handle) (*WorkloadStatus, error)

	// WatchWorkloadEvents streams workload events until ctx is cancelled.
	WatchWorkloadEvents(ctx context.Context, h Handle) (<-chan WorkloadEvent, error)

	// ProgramRoute atomically replaces the weighted backend set of a service's
	// front-end.
	ProgramRoute(ctx context.Context, key RouteKey, backends []Backend, ports []int32) error

	// GetRoute reads the authoritative backend set. Used to resume after a
	// crash mid-shift.
	GetRoute(ctx context.Context, key RouteKey) ([]Backend, error)
}

// ValidateBackends checks the weights-sum-to-100 route invariant.
func ValidateBackends(backends []Backend) error {
	if len(backends) == 0 {
		return fmt.Errorf("route requires at least one backend")
	}
	total := 0
	for _, b := range backends {
		if b.Weight < 0 || b.Weight > 100 {
			return fmt.Errorf("backend %s weight %d out of range", b.Handle, b.Weight)
		}
		total += b.Weight
	}
	if total != 100 {
		return fmt.Errorf("backend weights sum to %d, want 100", total)
	}
	return nil
}
