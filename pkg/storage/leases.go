package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

func leaseKey(kind, id string) []byte {
	return []byte(kind + "/" + id)
}

// AcquireLease claims (kind, id) for owner until now+ttl. An unexpired lease
// held by another owner fails with ErrLeaseHeld; re-acquiring one's own lease
// extends it.
func (s *BoltStore) AcquireLease(kind, id, owner string, ttl time.Duration) (*Lease, error) {
	var out *Lease
	now := time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		key := leaseKey(kind, id)

		if data := b.Get(key); data != nil {
			var current Lease
			if err := json.Unmarshal(data, &current); err != nil {
				return err
			}
			if current.Owner != owner && current.ExpiresAt.After(now) {
				return fmt.Errorf("lease %s/%s owned by %s: %w", kind, id, current.Owner, ErrLeaseHeld)
			}
		}

		lease := &Lease{Kind: kind, ID: id, Owner: owner, ExpiresAt: now.Add(ttl)}
		data, err := json.Marshal(lease)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		out = lease
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RenewLease extends an existing lease. Fails if the lease is missing, has
// expired, or is held by another owner.
func (s *BoltStore) RenewLease(kind, id, owner string, ttl time.Duration) (*Lease, error) {
	var out *Lease
	now := time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		key := leaseKey(kind, id)

		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("lease %s/%s: %w", kind, id, ErrNotFound)
		}
		var current Lease
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Owner != owner {
			return fmt.Errorf("lease %s/%s owned by %s: %w", kind, id, current.Owner, ErrLeaseHeld)
		}
		if !current.ExpiresAt.After(now) {
			return fmt.Errorf("lease %s/%s expired at %s: %w", kind, id, current.ExpiresAt, ErrNotFound)
		}

		current.ExpiresAt = now.Add(ttl)
		updated, err := json.Marshal(&current)
		if err != nil {
			return err
		}
		if err := b.Put(key, updated); err != nil {
			return err
		}
		out = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseLease drops the lease if held by owner. Releasing a lease another
// owner has since claimed is a no-op.
func (s *BoltStore) ReleaseLease(kind, id, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		key := leaseKey(kind, id)
		data := b.Get(key)
		if data == nil {
			return nil
		}
		var current Lease
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Owner != owner {
			return nil
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) GetLease(kind, id string) (*Lease, error) {
	var lease Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLeases).Get(leaseKey(kind, id))
		if data == nil {
			return fmt.Errorf("lease %s/%s: %w", kind, id, ErrNotFound)
		}
		return json.Unmarshal(data, &lease)
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}
