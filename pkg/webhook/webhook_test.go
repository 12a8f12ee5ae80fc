package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

func newFixture(t *testing.T) (*Dispatcher, storage.Store, *events.Bus) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(store)
	bus.Start()
	t.Cleanup(bus.Stop)

	return NewDispatcher(store, bus, 50*time.Millisecond), store, bus
}

func subscription(tenantID, url string, eventTypes ...string) *types.WebhookSubscription {
	return &types.WebhookSubscription{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		URL:        url,
		Secret:     "s3cret",
		EventTypes: eventTypes,
		Active:     true,
		CreatedAt:  time.Now(),
	}
}

func TestSign(t *testing.T) {
	// Known-answer check so receivers can implement verification against it.
	sig := Sign("key", []byte("The quick brown fox jumps over the lazy dog"))
	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", sig)
}

func TestDeliverySignedAndDelivered(t *testing.T) {
	d, store, bus := newFixture(t)

	var gotSig, gotType atomic.Value
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get(HeaderSignature))
		gotType.Store(r.Header.Get(HeaderEvent))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sub := subscription("t1", srv.URL)
	require.NoError(t, store.CreateSubscription(sub))

	d.Start()
	defer d.Stop()

	published, err := bus.Publish(context.Background(), events.ForService(events.ServiceCreated, "t1", "svc-1", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		due, err := store.ListDueDeliveries(time.Now().Add(365*24*time.Hour), 10)
		return err == nil && len(due) == 0 && gotSig.Load() != nil
	}, 5*time.Second, 20*time.Millisecond)

	body := gotBody.Load().([]byte)
	assert.Equal(t, Sign(sub.Secret, body), gotSig.Load().(string))
	assert.Equal(t, events.ServiceCreated, gotType.Load().(string))

	var envelope types.Event
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, published.ID, envelope.ID)
	assert.Equal(t, "t1", envelope.TenantID)
}

func TestFanoutFiltersByTenantAndType(t *testing.T) {
	d, store, bus := newFixture(t)

	matching := subscription("t1", "http://hook.example.com/a", events.DeploymentSucceeded)
	otherType := subscription("t1", "http://hook.example.com/b", events.BuildFailed)
	otherTenant := subscription("t2", "http://hook.example.com/c")
	inactive := subscription("t1", "http://hook.example.com/d")
	inactive.Active = false
	for _, s := range []*types.WebhookSubscription{matching, otherType, otherTenant, inactive} {
		require.NoError(t, store.CreateSubscription(s))
	}

	event, err := bus.Publish(context.Background(), events.ForAttempt(events.DeploymentSucceeded, "t1", "att-1", nil))
	require.NoError(t, err)
	require.NoError(t, d.Fanout(event))

	due, err := store.ListDueDeliveries(time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, matching.ID, due[0].SubscriptionID)
}

func TestRetryThenDeadLetter(t *testing.T) {
	d, store, bus := newFixture(t)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	whSub := subscription("t1", srv.URL)
	require.NoError(t, store.CreateSubscription(whSub))

	event, err := bus.Publish(context.Background(), events.ForService(events.ServiceDeleted, "t1", "svc-1", nil))
	require.NoError(t, err)
	require.NoError(t, d.Fanout(event))

	due, err := store.ListDueDeliveries(time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	deliveryID := due[0].ID

	// Drive attempts by hand, collapsing the schedule via the clock.
	offset := time.Duration(0)
	d.now = func() time.Time { return time.Now().Add(offset) }
	for i := 0; i < MaxAttempts; i++ {
		d.DeliverDue(context.Background())
		offset += 2 * time.Hour
	}

	stored, err := store.GetDelivery(deliveryID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDeadLetter, stored.State)
	assert.Equal(t, MaxAttempts, stored.Attempt)
	assert.Equal(t, http.StatusBadRequest, stored.LastStatusCode)
	assert.Equal(t, int32(MaxAttempts), hits.Load())

	// Dead-lettering surfaces as an internal event.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub:
			if e.Type == events.WebhookDeadLettered {
				assert.Equal(t, deliveryID, e.Resource.ID)
				return
			}
		case <-deadline:
			t.Fatal("no webhook.deadlettered event")
		}
	}
}

func TestSendTestTargetsOneSubscription(t *testing.T) {
	d, store, _ := newFixture(t)

	first := subscription("t1", "http://hook.example.com/a")
	second := subscription("t1", "http://hook.example.com/b")
	require.NoError(t, store.CreateSubscription(first))
	require.NoError(t, store.CreateSubscription(second))

	event, err := d.SendTest(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, events.Test, event.Type)

	due, err := store.ListDueDeliveries(time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, first.ID, due[0].SubscriptionID)
	assert.Equal(t, event.ID, due[0].EventID)
}

func TestBreakerOpenDoesNotConsumeAttempts(t *testing.T) {
	d, store, bus := newFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	whSub := subscription("t1", srv.URL)
	require.NoError(t, store.CreateSubscription(whSub))

	event, err := bus.Publish(context.Background(), events.ForService(events.ServiceUpdated, "t1", "svc-1", nil))
	require.NoError(t, err)
	require.NoError(t, d.Fanout(event))

	due, err := store.ListDueDeliveries(time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	deliveryID := due[0].ID

	// Five consecutive 5xx responses trip the breaker; further due passes
	// postpone instead of burning attempts.
	offset := time.Duration(0)
	d.now = func() time.Time { return time.Now().Add(offset) }
	for i := 0; i < 5; i++ {
		d.DeliverDue(context.Background())
		offset += 2 * time.Hour
	}
	stored, err := store.GetDelivery(deliveryID)
	require.NoError(t, err)
	attemptsWhenTripped := stored.Attempt

	d.DeliverDue(context.Background())
	stored, err = store.GetDelivery(deliveryID)
	require.NoError(t, err)
	assert.Equal(t, attemptsWhenTripped, stored.Attempt, "open breaker must not consume an attempt")
	assert.Equal(t, types.DeliveryRetrying, stored.State)
}
