package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sony/gobreaker"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

// Delivery headers.
const (
	HeaderSignature = "X-Loom-Signature"
	HeaderEvent     = "X-Loom-Event"
	HeaderDelivery  = "X-Loom-Delivery"
)

const (
	// MaxAttempts bounds delivery retries; the last failure dead-letters.
	MaxAttempts = 7

	requestTimeout = 10 * time.Second
)

// retrySchedule is the wait before attempt n+1, indexed by completed attempts.
var retrySchedule = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
}

// Sign computes the hex HMAC-SHA256 of body under the subscription secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Dispatcher fans persisted events out to webhook subscriptions with
// at-least-once delivery. Each subscription gets its own circuit breaker so a
// dead endpoint does not burn dispatch capacity; an open breaker postpones
// the delivery without consuming an attempt.
type Dispatcher struct {
	store  storage.Store
	bus    *events.Bus
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	pollInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	now          func() time.Time
}

// NewDispatcher creates a dispatcher over the store and bus.
func NewDispatcher(store storage.Store, bus *events.Bus, pollInterval time.Duration) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Dispatcher{
		store:        store,
		bus:          bus,
		client:       &http.Client{Timeout: requestTimeout},
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// Start launches the fan-out and delivery loops.
func (d *Dispatcher) Start() {
	sub := d.bus.Subscribe()

	d.wg.Add(2)
	go d.fanoutLoop(sub)
	go d.deliveryLoop()
}

// Stop halts both loops and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) fanoutLoop(sub events.Subscriber) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			d.bus.Unsubscribe(sub)
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			if err := d.Fanout(event); err != nil {
				logger := log.WithComponent("webhook")
				logger.Error().
					Str("event", event.ID).
					Err(err).
					Msg("Event fan-out failed")
			}
		}
	}
}

// Fanout creates a queued delivery for every active subscription of the
// event's tenant that matches its type. Test events never fan out broadly;
// SendTest targets its subscription directly.
func (d *Dispatcher) Fanout(event types.Event) error {
	if event.Type == events.Test {
		return nil
	}
	subs, err := d.store.ListSubscriptions()
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	matching := lo.Filter(subs, func(s *types.WebhookSubscription, _ int) bool {
		return s.Active && s.TenantID == event.TenantID && matchesType(s, event.Type)
	})
	for _, s := range matching {
		if err := d.enqueueDelivery(s.ID, event.ID); err != nil {
			return err
		}
	}
	return nil
}

func matchesType(sub *types.WebhookSubscription, eventType string) bool {
	if len(sub.EventTypes) == 0 {
		return true
	}
	return lo.Contains(sub.EventTypes, eventType)
}

func (d *Dispatcher) enqueueDelivery(subscriptionID, eventID string) error {
	now := d.now().UTC()
	return d.store.CreateDelivery(&types.WebhookDelivery{
		ID:             uuid.New().String(),
		SubscriptionID: subscriptionID,
		EventID:        eventID,
		State:          types.DeliveryQueued,
		NextAttemptAt:  now,
		CreatedAt:      now,
	})
}

// SendTest publishes a test event and queues it for exactly the given
// subscription, so tenants can validate an endpoint before going live.
func (d *Dispatcher) SendTest(ctx context.Context, subscriptionID string) (*types.Event, error) {
	sub, err := d.store.GetSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	event, err := d.bus.Publish(ctx, events.New(events.Test, sub.TenantID, "webhookSubscription", sub.ID, map[string]any{
		"url": sub.URL,
	}))
	if err != nil {
		return nil, err
	}
	if err := d.enqueueDelivery(sub.ID, event.ID); err != nil {
		return nil, err
	}
	return &event, nil
}

func (d *Dispatcher) deliveryLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.DeliverDue(context.Background())
		}
	}
}

// DeliverDue attempts every delivery whose next attempt time has passed.
func (d *Dispatcher) DeliverDue(ctx context.Context) {
	due, err := d.store.ListDueDeliveries(d.now(), 64)
	if err != nil {
		logger2 := log.WithComponent("webhook")
		logger2.Error().Err(err).Msg("Failed to list due deliveries")
		return
	}
	for _, delivery := range due {
		d.attempt(ctx, delivery)
	}
}

// attempt performs one delivery attempt and advances the state machine.
func (d *Dispatcher) attempt(ctx context.Context, delivery *types.WebhookDelivery) {
	logger := log.WithComponent("webhook")

	sub, err := d.store.GetSubscription(delivery.SubscriptionID)
	if err != nil {
		// Subscription deleted after fan-out; drop the delivery.
		_, _ = d.store.MutateDelivery(delivery.ID, func(row *types.WebhookDelivery) error {
			row.State = types.DeliveryDeadLetter
			row.LastError = "subscription gone"
			return nil
		})
		return
	}

	event, err := d.store.GetEvent(delivery.EventID)
	if err != nil {
		logger.Error().Str("delivery", delivery.ID).Err(err).Msg("Event missing for delivery")
		return
	}

	if _, err := d.store.MutateDelivery(delivery.ID, func(row *types.WebhookDelivery) error {
		if row.State != types.DeliveryQueued && row.State != types.DeliveryRetrying {
			return storage.ErrTerminal
		}
		row.State = types.DeliveryInFlight
		row.Attempt++
		return nil
	}); err != nil {
		return
	}

	statusCode, err := d.post(ctx, sub, delivery.ID, event)
	if err == nil && statusCode >= 200 && statusCode < 300 {
		_, _ = d.store.MutateDelivery(delivery.ID, func(row *types.WebhookDelivery) error {
			row.State = types.DeliveryDelivered
			row.LastStatusCode = statusCode
			row.LastError = ""
			return nil
		})
		return
	}

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		// Endpoint's breaker is open; back off without consuming the attempt.
		_, _ = d.store.MutateDelivery(delivery.ID, func(row *types.WebhookDelivery) error {
			row.State = types.DeliveryRetrying
			row.Attempt--
			row.NextAttemptAt = d.now().Add(30 * time.Second)
			row.LastError = err.Error()
			return nil
		})
		return
	}

	lastError := ""
	if err != nil {
		lastError = err.Error()
	} else {
		lastError = fmt.Sprintf("status %d", statusCode)
	}

	updated, mErr := d.store.MutateDelivery(delivery.ID, func(row *types.WebhookDelivery) error {
		row.LastStatusCode = statusCode
		row.LastError = lastError
		if row.Attempt >= MaxAttempts {
			row.State = types.DeliveryDeadLetter
			return nil
		}
		row.State = types.DeliveryRetrying
		row.NextAttemptAt = d.now().Add(retrySchedule[min(row.Attempt-1, len(retrySchedule)-1)])
		return nil
	})
	if mErr != nil {
		logger.Error().Str("delivery", delivery.ID).Err(mErr).Msg("Failed to record delivery attempt")
		return
	}

	if updated.State == types.DeliveryDeadLetter {
		logger.Warn().
			Str("delivery", delivery.ID).
			Str("subscription", sub.ID).
			Int("attempts", updated.Attempt).
			Msg("Delivery dead-lettered")
		d.bus.Emit(ctx, events.New(events.WebhookDeadLettered, sub.TenantID, "webhookDelivery", delivery.ID, map[string]any{
			"subscriptionId": sub.ID,
			"eventId":        delivery.EventID,
			"lastError":      lastError,
		}))
	}
}

// post signs and sends the event envelope through the subscription's breaker.
func (d *Dispatcher) post(ctx context.Context, sub *types.WebhookSubscription, deliveryID string, event *types.Event) (int, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	result, err := d.breaker(sub.ID).Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderSignature, Sign(sub.Secret, body))
		req.Header.Set(HeaderEvent, event.Type)
		req.Header.Set(HeaderDelivery, deliveryID)

		resp, err := d.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= 500 {
			// Count server errors against the breaker.
			return resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	code, _ := result.(int)
	return code, err
}

func (d *Dispatcher) breaker(subscriptionID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[subscriptionID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook-" + subscriptionID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	d.breakers[subscriptionID] = cb
	return cb
}
