package types

import (
	"time"
)

// Service is the stored record for a deployable workload, keyed by (TenantID, Name).
// At most one Service is active per key; Spec holds the declared desired state.
type Service struct {
	ID              string
	TenantID        string
	Name            string
	Spec            ServiceSpec
	SpecHash        string
	CurrentRevision int64 // last Committed revision number, 0 if none
	Version         int64 // row version for optimistic concurrency
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ServiceSpec is the declared desired state of a service. It is canonicalized
// before hashing; see pkg/spec.
type ServiceSpec struct {
	Image       string              `json:"image"`
	Ports       []int32             `json:"ports,omitempty"`
	Env         map[string]EnvValue `json:"env,omitempty"`
	Resources   *Resources          `json:"resources,omitempty"`
	Autoscale   *Autoscale          `json:"autoscale,omitempty"`
	HealthCheck *HealthCheck        `json:"healthCheck,omitempty"`
	Strategy    Strategy            `json:"strategy"`
	HealthGate  *HealthGate         `json:"healthGate,omitempty"`
}

// EnvValue is either a literal value or a reference to a secret group key.
type EnvValue struct {
	Value      string `json:"-"`
	FromSecret string `json:"fromSecret,omitempty"` // "<group>.<key>"
}

// Resources holds requested and limit resources in cluster-manager units
// (e.g. cpu "100m", memory "256Mi").
type Resources struct {
	CPU         string `json:"cpu,omitempty" validate:"omitempty,quantity"`
	Memory      string `json:"memory,omitempty" validate:"omitempty,quantity"`
	CPULimit    string `json:"cpuLimit,omitempty" validate:"omitempty,quantity"`
	MemoryLimit string `json:"memoryLimit,omitempty" validate:"omitempty,quantity"`
}

// Autoscale bounds replica counts. Min == Max disables autoscaling.
type Autoscale struct {
	Min int `json:"min" validate:"min=0"`
	Max int `json:"max" validate:"min=0"`
	CPU int `json:"cpu,omitempty" validate:"min=0,max=100"`
	RPS int `json:"rps,omitempty" validate:"min=0"`
}

// HealthCheck is the container liveness probe programmed into the workload.
type HealthCheck struct {
	Path                string `json:"path" validate:"required,startswith=/"`
	Port                int    `json:"port" validate:"min=1,max=65535"`
	InitialDelaySeconds int    `json:"initialDelaySeconds" validate:"min=0"`
	PeriodSeconds       int    `json:"periodSeconds" validate:"min=1"`
}

// StrategyType selects the rollout algorithm.
type StrategyType string

const (
	StrategyRolling   StrategyType = "rolling"
	StrategyCanary    StrategyType = "canary"
	StrategyBlueGreen StrategyType = "blueGreen"
)

// Strategy is a tagged variant: exactly the params struct matching Type is set.
type Strategy struct {
	Type      StrategyType       `json:"type" validate:"required,oneof=rolling canary blueGreen"`
	Canary    *CanaryStrategy    `json:"canary,omitempty"`
	BlueGreen *BlueGreenStrategy `json:"blueGreen,omitempty"`
}

// CanaryStrategy programs a weighted canary rollout.
type CanaryStrategy struct {
	InitialWeight   int      `json:"initialWeight" validate:"min=0,max=100"`
	ObservationTime Duration `json:"observationTime"`
	AutoPromote     bool     `json:"autoPromote"`
}

// SwitchStrategy controls how blue-green routes cut over.
type SwitchStrategy string

const (
	SwitchImmediate SwitchStrategy = "immediate"
	SwitchGradual   SwitchStrategy = "gradual"
)

// BlueGreenStrategy programs a full-duplicate rollout with a single cutover.
type BlueGreenStrategy struct {
	SwitchStrategy   SwitchStrategy `json:"switchStrategy" validate:"oneof=immediate gradual"`
	SwitchDuration   Duration       `json:"switchDuration,omitempty"`
	ValidationPeriod Duration       `json:"validationPeriod"`
	RollbackOnError  bool           `json:"rollbackOnError"`
}

// HealthGate holds the SLO thresholds a rollout must satisfy to advance.
type HealthGate struct {
	Enabled          bool    `json:"enabled"`
	MaxErrorRate     float64 `json:"maxErrorRate" validate:"min=0,max=1"`
	MaxP95LatencyMs  int     `json:"maxP95Latency" validate:"min=0"`
	MinSuccessRate   float64 `json:"minSuccessRate" validate:"min=0,max=1"`
	WindowSeconds    int     `json:"window" validate:"min=0"`
	FailureThreshold int     `json:"failureThreshold" validate:"min=0"`
}

// Revision is an immutable snapshot of a ServiceSpec taken at promotion time.
// Revisions form a linear history per service.
type Revision struct {
	ServiceID   string
	Number      int64 // monotonically increasing per service
	ImageDigest string
	Spec        ServiceSpec
	BuildID     string
	CreatedAt   time.Time
}

// AttemptState is the lifecycle state of a DeploymentAttempt. Terminal states
// are Committed, RolledBack and Failed; terminal attempts are never mutated.
type AttemptState string

const (
	AttemptPending    AttemptState = "pending"
	AttemptBuilding   AttemptState = "building"
	AttemptValidating AttemptState = "validating"
	AttemptShifting   AttemptState = "shifting"
	AttemptObserving  AttemptState = "observing"
	AttemptCommitted  AttemptState = "committed"
	AttemptRolledBack AttemptState = "rolledBack"
	AttemptFailed     AttemptState = "failed"
)

// Terminal reports whether the state is final.
func (s AttemptState) Terminal() bool {
	return s == AttemptCommitted || s == AttemptRolledBack || s == AttemptFailed
}

// FailureKind classifies why an attempt ended in RolledBack or Failed.
type FailureKind string

const (
	FailureBuildFailed           FailureKind = "BuildFailed"
	FailureAdmissionRejected     FailureKind = "AdmissionRejected"
	FailureOrchestratorPermanent FailureKind = "OrchestratorPermanent"
	FailureHealthGateFailed      FailureKind = "HealthGateFailed"
	FailureRollbackFailed        FailureKind = "RollbackFailed"
	FailureTimeout               FailureKind = "StrategyTimeout"
	FailureInternal              FailureKind = "InternalInconsistency"
)

// TrafficStep is one (weight, dwell) pair of an attempt's traffic program.
type TrafficStep struct {
	Weight       int
	Dwell        Duration
	AppliedAt    time.Time
	DwellElapsed bool
}

// GateVerdict records one health-gate evaluation during Observing.
type GateVerdict struct {
	Healthy     bool
	Unknown     bool
	Rationale   string
	EvaluatedAt time.Time
}

// DeploymentAttempt is one reconciliation episode advancing a service from
// FromRevision to ToRevision. Exactly one non-terminal attempt exists per service.
type DeploymentAttempt struct {
	ID           string
	ServiceID    string
	TenantID     string
	ServiceName  string
	Strategy     Strategy
	TargetHash   string
	FromRevision int64
	ToRevision   int64
	ImageDigest  string
	BuildID      string
	State        AttemptState
	Program      []TrafficStep
	StepIndex    int
	Verdicts     []GateVerdict
	FailureKind  FailureKind
	Failure      string
	RollbackTo   int64     // revision rolled back to, when State == RolledBack
	ResumeAt     time.Time // next scheduler wake-up for dwell/observation windows
	Deadline     time.Time // strategy wall-clock cap
	Version      int64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// BuildStatus is the lifecycle state of a Build.
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
)

// Terminal reports whether the build status is final.
func (s BuildStatus) Terminal() bool {
	return s == BuildSucceeded || s == BuildFailed || s == BuildCancelled
}

// Build turns a (repo, commit) pair into an immutable image digest. Builds are
// content-addressed: identical (tenant, repo, commit, buildEnv) collapse to one
// execution and one row.
type Build struct {
	ID             string
	TenantID       string
	RepoURL        string
	CommitSHA      string
	BuildEnv       map[string]string
	Key            string // content-address digest of (tenant, repo, commit, buildEnv)
	Status         BuildStatus
	Attempts       int
	LeaseOwner     string
	LeaseExpiresAt time.Time
	ImageDigest    string
	FailureReason  string
	Version        int64
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Metric names a metered resource dimension.
type Metric string

const (
	MetricCPUSeconds    Metric = "cpu-seconds"
	MetricMemoryGBHours Metric = "memory-gb-hours"
	MetricEgressGB      Metric = "egress-gb"
	MetricRequests      Metric = "requests"
	MetricBuilds        Metric = "builds"
)

// BudgetEvent is one append-only ledger entry. Events are never edited; the
// period summary is derived from them.
type BudgetEvent struct {
	ID         string
	TenantID   string
	Period     string // "2006-01" month key
	Metric     Metric
	Quantity   float64
	Cost       float64
	RecordedAt time.Time
}

// BudgetSummary aggregates a tenant's current-period ledger. Invariant:
// summary equals the sum of its period's events after every commit.
type BudgetSummary struct {
	TenantID   string
	Period     string
	Cost       float64
	Quantities map[Metric]float64
	Version    int64
	UpdatedAt  time.Time
}

// WebhookSubscription is a tenant-registered delivery target.
type WebhookSubscription struct {
	ID         string
	TenantID   string
	URL        string
	Secret     string
	EventTypes []string // empty means all types
	Active     bool
	CreatedAt  time.Time
}

// DeliveryState is the webhook delivery state machine.
type DeliveryState string

const (
	DeliveryQueued      DeliveryState = "queued"
	DeliveryInFlight    DeliveryState = "inFlight"
	DeliveryDelivered   DeliveryState = "delivered"
	DeliveryRetrying    DeliveryState = "retrying"
	DeliveryDeadLetter  DeliveryState = "deadLettered"
)

// WebhookDelivery tracks at-least-once delivery of one event to one subscription.
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventID        string
	Attempt        int
	State          DeliveryState
	NextAttemptAt  time.Time
	LastStatusCode int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ResourceRef points an event at the entity it concerns.
type ResourceRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Event is a durable, externally observable state change. ID is a ULID and is
// stable across delivery retries so receivers can deduplicate.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenantId"`
	Resource  ResourceRef    `json:"resource"`
	Data      map[string]any `json:"data,omitempty"`
}

// RegionSpec declares one region's slice of a multi-region service.
type RegionSpec struct {
	Region           string            `json:"region"`
	Weight           int               `json:"weight" validate:"min=0,max=100"`
	ReplicasOverride *int              `json:"replicasOverride,omitempty"`
	EnvOverride      map[string]string `json:"envOverride,omitempty"`
	Enabled          bool              `json:"enabled"`
}

// RoutingStrategy selects how global traffic is distributed across regions.
type RoutingStrategy string

const (
	RoutingWeighted RoutingStrategy = "weighted"
	RoutingLatency  RoutingStrategy = "latency"
	RoutingGeo      RoutingStrategy = "geo"
)

// FailoverPolicy orders regions for geo fall-through and primary failover.
type FailoverPolicy struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// TrafficPolicy is the global routing intent of a multi-region service.
type TrafficPolicy struct {
	Strategy    RoutingStrategy `json:"strategy" validate:"oneof=weighted latency geo"`
	HealthCheck *RegionProbe    `json:"healthCheck,omitempty"`
	Failover    FailoverPolicy  `json:"failover"`
}

// RegionProbe configures the periodic health probe of a regional endpoint.
type RegionProbe struct {
	Path             string   `json:"path"`
	IntervalSeconds  int      `json:"intervalSeconds"`
	TimeoutSeconds   int      `json:"timeoutSeconds"`
	FailureThreshold int      `json:"failureThreshold"`
}
