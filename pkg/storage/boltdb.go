package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loomhq/loom/pkg/types"
)

var (
	// Bucket names
	bucketServices      = []byte("services")
	bucketRevisions     = []byte("revisions")
	bucketAttempts      = []byte("attempts")
	bucketBuilds        = []byte("builds")
	bucketBuildKeys     = []byte("build_keys")
	bucketBudgetEvents  = []byte("budget_events")
	bucketBudgetSums    = []byte("budget_summaries")
	bucketSubscriptions = []byte("webhook_subscriptions")
	bucketDeliveries    = []byte("webhook_deliveries")
	bucketEvents        = []byte("events")
	bucketLeases        = []byte("leases")
	bucketSentinels     = []byte("sentinels")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the control-plane database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "loom.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServices,
			bucketRevisions,
			bucketAttempts,
			bucketBuilds,
			bucketBuildKeys,
			bucketBudgetEvents,
			bucketBudgetSums,
			bucketSubscriptions,
			bucketDeliveries,
			bucketEvents,
			bucketLeases,
			bucketSentinels,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Service operations

func (s *BoltStore) CreateService(service *types.Service) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		if b.Get([]byte(service.ID)) != nil {
			return fmt.Errorf("service already exists: %s", service.ID)
		}
		service.Version = 1
		data, err := json.Marshal(service)
		if err != nil {
			return err
		}
		return b.Put([]byte(service.ID), data)
	})
}

func (s *BoltStore) GetService(id string) (*types.Service, error) {
	var service types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("service %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &service)
	})
	if err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) GetServiceByName(tenantID, name string) (*types.Service, error) {
	var found *types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			var service types.Service
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			if service.TenantID == tenantID && service.Name == name {
				found = &service
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("service %s/%s: %w", tenantID, name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListServices() ([]*types.Service, error) {
	var services []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			var service types.Service
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			services = append(services, &service)
			return nil
		})
	})
	return services, err
}

// UpdateService writes a service back, enforcing optimistic concurrency on the
// row version the caller read.
func (s *BoltStore) UpdateService(service *types.Service) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		data := b.Get([]byte(service.ID))
		if data == nil {
			return fmt.Errorf("service %s: %w", service.ID, ErrNotFound)
		}
		var current types.Service
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != service.Version {
			return fmt.Errorf("service %s: %w", service.ID, ErrVersionConflict)
		}
		service.Version++
		updated, err := json.Marshal(service)
		if err != nil {
			return err
		}
		return b.Put([]byte(service.ID), updated)
	})
}

func (s *BoltStore) DeleteService(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.Delete([]byte(id))
	})
}

// Revision operations
//
// Revisions are keyed "<serviceID>/<number zero-padded>" so a prefix cursor
// scan yields the linear history in order.

func revisionKey(serviceID string, number int64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", serviceID, number))
}

func (s *BoltStore) CreateRevision(rev *types.Revision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevisions)
		key := revisionKey(rev.ServiceID, rev.Number)
		if b.Get(key) != nil {
			return fmt.Errorf("revision %d already exists for service %s", rev.Number, rev.ServiceID)
		}
		data, err := json.Marshal(rev)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetRevision(serviceID string, number int64) (*types.Revision, error) {
	var rev types.Revision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevisions)
		data := b.Get(revisionKey(serviceID, number))
		if data == nil {
			return fmt.Errorf("revision %s/%d: %w", serviceID, number, ErrNotFound)
		}
		return json.Unmarshal(data, &rev)
	})
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

func (s *BoltStore) ListRevisions(serviceID string) ([]*types.Revision, error) {
	var revs []*types.Revision
	prefix := []byte(serviceID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRevisions).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var rev types.Revision
			if err := json.Unmarshal(v, &rev); err != nil {
				return err
			}
			revs = append(revs, &rev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].Number < revs[j].Number })
	return revs, nil
}

func (s *BoltStore) LatestRevision(serviceID string) (*types.Revision, error) {
	revs, err := s.ListRevisions(serviceID)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, fmt.Errorf("revisions for service %s: %w", serviceID, ErrNotFound)
	}
	return revs[len(revs)-1], nil
}

// PruneRevisions keeps the newest `keep` revisions and deletes the rest.
func (s *BoltStore) PruneRevisions(serviceID string, keep int) error {
	revs, err := s.ListRevisions(serviceID)
	if err != nil {
		return err
	}
	if len(revs) <= keep {
		return nil
	}
	victims := revs[:len(revs)-keep]
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevisions)
		for _, rev := range victims {
			if err := b.Delete(revisionKey(serviceID, rev.Number)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Deployment attempt operations

func (s *BoltStore) CreateAttempt(attempt *types.DeploymentAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		if b.Get([]byte(attempt.ID)) != nil {
			return fmt.Errorf("attempt already exists: %s", attempt.ID)
		}

		// Enforce: at most one non-terminal attempt per service.
		var active *types.DeploymentAttempt
		err := b.ForEach(func(k, v []byte) error {
			var a types.DeploymentAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ServiceID == attempt.ServiceID && !a.State.Terminal() {
				active = &a
			}
			return nil
		})
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("service %s already has active attempt %s", attempt.ServiceID, active.ID)
		}

		attempt.Version = 1
		data, err := json.Marshal(attempt)
		if err != nil {
			return err
		}
		return b.Put([]byte(attempt.ID), data)
	})
}

func (s *BoltStore) GetAttempt(id string) (*types.DeploymentAttempt, error) {
	var attempt types.DeploymentAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("attempt %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &attempt)
	})
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// GetActiveAttempt returns the single non-terminal attempt for a service, or
// ErrNotFound when every attempt is terminal.
func (s *BoltStore) GetActiveAttempt(serviceID string) (*types.DeploymentAttempt, error) {
	var found *types.DeploymentAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		return b.ForEach(func(k, v []byte) error {
			var a types.DeploymentAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ServiceID == serviceID && !a.State.Terminal() {
				found = &a
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("active attempt for service %s: %w", serviceID, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListAttemptsByService(serviceID string) ([]*types.DeploymentAttempt, error) {
	var attempts []*types.DeploymentAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		return b.ForEach(func(k, v []byte) error {
			var a types.DeploymentAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ServiceID == serviceID {
				attempts = append(attempts, &a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].StartedAt.Before(attempts[j].StartedAt) })
	return attempts, nil
}

func (s *BoltStore) UpdateAttempt(attempt *types.DeploymentAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putAttemptOCC(tx, attempt)
	})
}

// MutateAttempt applies fn to the current row inside a single write
// transaction. Terminal attempts are immutable.
func (s *BoltStore) MutateAttempt(id string, fn func(*types.DeploymentAttempt) error) (*types.DeploymentAttempt, error) {
	var out *types.DeploymentAttempt
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("attempt %s: %w", id, ErrNotFound)
		}
		var a types.DeploymentAttempt
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		if a.State.Terminal() {
			return fmt.Errorf("attempt %s: %w", id, ErrTerminal)
		}
		if err := fn(&a); err != nil {
			return err
		}
		a.Version++
		updated, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), updated); err != nil {
			return err
		}
		out = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func putAttemptOCC(tx *bolt.Tx, attempt *types.DeploymentAttempt) error {
	b := tx.Bucket(bucketAttempts)
	data := b.Get([]byte(attempt.ID))
	if data == nil {
		return fmt.Errorf("attempt %s: %w", attempt.ID, ErrNotFound)
	}
	var current types.DeploymentAttempt
	if err := json.Unmarshal(data, &current); err != nil {
		return err
	}
	if current.State.Terminal() {
		return fmt.Errorf("attempt %s: %w", attempt.ID, ErrTerminal)
	}
	if current.Version != attempt.Version {
		return fmt.Errorf("attempt %s: %w", attempt.ID, ErrVersionConflict)
	}
	attempt.Version++
	updated, err := json.Marshal(attempt)
	if err != nil {
		return err
	}
	return b.Put([]byte(attempt.ID), updated)
}
