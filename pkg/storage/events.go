package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loomhq/loom/pkg/types"
)

// Event log operations
//
// Events are keyed by their ULID, so lexical bucket order is creation order
// and ListEventsAfter is a cursor seek.

func (s *BoltStore) AppendEvent(event *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b.Get([]byte(event.ID)) != nil {
			return fmt.Errorf("event already exists: %s", event.ID)
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put([]byte(event.ID), data)
	})
}

func (s *BoltStore) GetEvent(id string) (*types.Event, error) {
	var event types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &event)
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ListEventsAfter returns up to limit events with IDs strictly greater than
// afterID. An empty afterID starts from the beginning of the log.
func (s *BoltStore) ListEventsAfter(afterID string, limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		var k, v []byte
		if afterID == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(afterID))
			if k != nil && string(k) == afterID {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
			if limit > 0 && len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	return events, err
}

// DeleteEventsBefore removes events older than cutoff and reports how many
// were deleted. Used by the retention janitor.
func (s *BoltStore) DeleteEventsBefore(cutoff time.Time) (int, error) {
	var victims [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		return b.ForEach(func(k, v []byte) error {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.Timestamp.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				victims = append(victims, key)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, k := range victims {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(victims), nil
}
