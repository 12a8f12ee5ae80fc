package events

import "github.com/loomhq/loom/pkg/types"

// New builds an unpersisted event; Publish assigns the ID and timestamp.
func New(eventType, tenantID, resourceKind, resourceID string, data map[string]any) types.Event {
	return types.Event{
		Type:     eventType,
		TenantID: tenantID,
		Resource: types.ResourceRef{Kind: resourceKind, ID: resourceID},
		Data:     data,
	}
}

// ForService builds an event about a service.
func ForService(eventType, tenantID, serviceID string, data map[string]any) types.Event {
	return New(eventType, tenantID, "service", serviceID, data)
}

// ForAttempt builds an event about a deployment attempt.
func ForAttempt(eventType, tenantID, attemptID string, data map[string]any) types.Event {
	return New(eventType, tenantID, "deploymentAttempt", attemptID, data)
}

// ForBuild builds an event about a build.
func ForBuild(eventType, tenantID, buildID string, data map[string]any) types.Event {
	return New(eventType, tenantID, "build", buildID, data)
}

// ForBudget builds an event about a tenant budget period.
func ForBudget(eventType, tenantID, period string, data map[string]any) types.Event {
	return New(eventType, tenantID, "budgetPeriod", period, data)
}
