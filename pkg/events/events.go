package events

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

// Canonical event types. Webhook subscriptions filter on these.
const (
	DeploymentStarted     = "deployment.started"
	DeploymentProgressing = "deployment.progressing"
	DeploymentSucceeded   = "deployment.succeeded"
	DeploymentFailed      = "deployment.failed"
	DeploymentRolledBack  = "deployment.rolledBack"

	BuildQueued    = "build.queued"
	BuildStarted   = "build.started"
	BuildSucceeded = "build.succeeded"
	BuildFailed    = "build.failed"

	ServiceCreated = "service.created"
	ServiceUpdated = "service.updated"
	ServiceDeleted = "service.deleted"

	BudgetWarning  = "budget.warning"
	BudgetExceeded = "budget.exceeded"

	WebhookDeadLettered = "webhook.deadlettered"

	// Test is emitted on demand to validate a webhook subscription.
	Test = "test"
)

// Subscriber receives published events. Slow subscribers are skipped when
// their buffer fills; the durable log remains the source of truth.
type Subscriber chan types.Event

// Bus persists events to the store and fans them out to in-process
// subscribers. Persistence happens before broadcast, so an event visible on a
// subscription channel is always replayable from the log.
type Bus struct {
	store storage.Store

	mu          sync.RWMutex
	subscribers map[Subscriber]bool

	eventCh chan types.Event
	stopCh  chan struct{}
	wg      sync.WaitGroup

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewBus creates a bus backed by the given store.
func NewBus(store storage.Store) *Bus {
	return &Bus{
		store:       store,
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan types.Event, 256),
		stopCh:      make(chan struct{}),
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
}

// Start begins the broadcast loop.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop drains the broadcast loop and closes all subscriber channels.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = make(map[Subscriber]bool)
}

// Subscribe returns a buffered channel receiving all events published after
// this call.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish assigns the event a monotonic ULID, persists it, then broadcasts.
// The returned event carries the assigned ID and timestamp.
func (b *Bus) Publish(ctx context.Context, event types.Event) (types.Event, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		id, err := b.newID(event.Timestamp)
		if err != nil {
			return event, fmt.Errorf("event id: %w", err)
		}
		event.ID = id
	}

	if err := b.store.AppendEvent(&event); err != nil {
		return event, fmt.Errorf("append event %s: %w", event.Type, err)
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
	return event, nil
}

// Emit publishes and logs instead of returning the error. For call sites
// where event loss must not fail the surrounding operation.
func (b *Bus) Emit(ctx context.Context, event types.Event) {
	if _, err := b.Publish(ctx, event); err != nil {
		logger := log.WithComponent("events")
		logger.Error().
			Str("type", event.Type).
			Str("tenant", event.TenantID).
			Err(err).
			Msg("Failed to publish event")
	}
}

// Replay returns up to limit persisted events with IDs strictly after the
// cursor. An empty cursor starts from the beginning of the log.
func (b *Bus) Replay(cursor string, limit int) ([]*types.Event, error) {
	return b.store.ListEventsAfter(cursor, limit)
}

func (b *Bus) newID(ts time.Time) (string, error) {
	b.entropyMu.Lock()
	defer b.entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(ts), b.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			// Drain what was accepted before Stop.
			for {
				select {
				case event := <-b.eventCh:
					b.broadcast(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) broadcast(event types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
