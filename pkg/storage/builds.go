package storage

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/loomhq/loom/pkg/types"
)

// CreateBuildIdempotent inserts a build unless one with the same content key
// already exists. It returns the winning row and whether this call created it.
func (s *BoltStore) CreateBuildIdempotent(build *types.Build) (*types.Build, bool, error) {
	var (
		out     *types.Build
		created bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketBuildKeys)
		builds := tx.Bucket(bucketBuilds)

		if existingID := keys.Get([]byte(build.Key)); existingID != nil {
			data := builds.Get(existingID)
			if data == nil {
				// Key index points at a pruned row; fall through and recreate.
				if err := keys.Delete([]byte(build.Key)); err != nil {
					return err
				}
			} else {
				var existing types.Build
				if err := json.Unmarshal(data, &existing); err != nil {
					return err
				}
				out = &existing
				created = false
				return nil
			}
		}

		build.Version = 1
		data, err := json.Marshal(build)
		if err != nil {
			return err
		}
		if err := builds.Put([]byte(build.ID), data); err != nil {
			return err
		}
		if err := keys.Put([]byte(build.Key), []byte(build.ID)); err != nil {
			return err
		}
		out = build
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *BoltStore) GetBuild(id string) (*types.Build, error) {
	var build types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("build %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &build)
	})
	if err != nil {
		return nil, err
	}
	return &build, nil
}

func (s *BoltStore) GetBuildByKey(key string) (*types.Build, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBuildKeys).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("build key %s: %w", key, ErrNotFound)
		}
		id = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetBuild(id)
}

func (s *BoltStore) ListBuilds() ([]*types.Build, error) {
	var builds []*types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		return b.ForEach(func(k, v []byte) error {
			var build types.Build
			if err := json.Unmarshal(v, &build); err != nil {
				return err
			}
			builds = append(builds, &build)
			return nil
		})
	})
	return builds, err
}

func (s *BoltStore) ListBuildsByStatus(status types.BuildStatus) ([]*types.Build, error) {
	builds, err := s.ListBuilds()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Build
	for _, build := range builds {
		if build.Status == status {
			filtered = append(filtered, build)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateBuild(build *types.Build) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		data := b.Get([]byte(build.ID))
		if data == nil {
			return fmt.Errorf("build %s: %w", build.ID, ErrNotFound)
		}
		var current types.Build
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != build.Version {
			return fmt.Errorf("build %s: %w", build.ID, ErrVersionConflict)
		}
		build.Version++
		updated, err := json.Marshal(build)
		if err != nil {
			return err
		}
		return b.Put([]byte(build.ID), updated)
	})
}

// MutateBuild applies fn to the current row inside a single write transaction.
// Queue state transitions (lease, heartbeat, complete) go through here so the
// conditional check and the write are atomic.
func (s *BoltStore) MutateBuild(id string, fn func(*types.Build) error) (*types.Build, error) {
	var out *types.Build
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("build %s: %w", id, ErrNotFound)
		}
		var build types.Build
		if err := json.Unmarshal(data, &build); err != nil {
			return err
		}
		if err := fn(&build); err != nil {
			return err
		}
		build.Version++
		updated, err := json.Marshal(&build)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), updated); err != nil {
			return err
		}
		out = &build
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) DeleteBuild(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var build types.Build
		if err := json.Unmarshal(data, &build); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBuildKeys).Delete([]byte(build.Key)); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}
