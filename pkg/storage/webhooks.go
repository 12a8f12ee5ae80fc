package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loomhq/loom/pkg/types"
)

// Subscription operations

func (s *BoltStore) CreateSubscription(sub *types.WebhookSubscription) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return b.Put([]byte(sub.ID), data)
	})
}

func (s *BoltStore) GetSubscription(id string) (*types.WebhookSubscription, error) {
	var sub types.WebhookSubscription
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSubscriptions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *BoltStore) ListSubscriptions() ([]*types.WebhookSubscription, error) {
	var subs []*types.WebhookSubscription
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		return b.ForEach(func(k, v []byte) error {
			var sub types.WebhookSubscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			subs = append(subs, &sub)
			return nil
		})
	})
	return subs, err
}

func (s *BoltStore) UpdateSubscription(sub *types.WebhookSubscription) error {
	return s.CreateSubscription(sub)
}

func (s *BoltStore) DeleteSubscription(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete([]byte(id))
	})
}

// Delivery operations

func (s *BoltStore) CreateDelivery(d *types.WebhookDelivery) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeliveries)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.ID), data)
	})
}

func (s *BoltStore) GetDelivery(id string) (*types.WebhookDelivery, error) {
	var d types.WebhookDelivery
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeliveries).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDueDeliveries returns queued or retrying deliveries whose NextAttemptAt
// has passed, oldest first.
func (s *BoltStore) ListDueDeliveries(now time.Time, limit int) ([]*types.WebhookDelivery, error) {
	var due []*types.WebhookDelivery
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeliveries)
		return b.ForEach(func(k, v []byte) error {
			var d types.WebhookDelivery
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if (d.State == types.DeliveryQueued || d.State == types.DeliveryRetrying) && !d.NextAttemptAt.After(now) {
				due = append(due, &d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MutateDelivery applies fn to the current row inside one write transaction.
func (s *BoltStore) MutateDelivery(id string, fn func(*types.WebhookDelivery) error) (*types.WebhookDelivery, error) {
	var out *types.WebhookDelivery
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeliveries)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
		}
		var d types.WebhookDelivery
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		if err := fn(&d); err != nil {
			return err
		}
		d.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&d)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), updated); err != nil {
			return err
		}
		out = &d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
