package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loomhq/loom/pkg/types"
)

func budgetEventKey(e *types.BudgetEvent) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", e.TenantID, e.Period, e.ID))
}

func budgetSummaryKey(tenantID, period string) []byte {
	return []byte(tenantID + "/" + period)
}

// AppendBudget appends ledger events and folds them into the period summary in
// one transaction, preserving the invariant summary = sum(events). All events
// in one call must belong to the same tenant and period.
func (s *BoltStore) AppendBudget(events []*types.BudgetEvent) (*types.BudgetSummary, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("append budget: no events")
	}
	tenantID, period := events[0].TenantID, events[0].Period
	for _, e := range events {
		if e.TenantID != tenantID || e.Period != period {
			return nil, fmt.Errorf("append budget: mixed tenant or period in batch")
		}
	}

	var out *types.BudgetSummary
	err := s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketBudgetEvents)
		sb := tx.Bucket(bucketBudgetSums)

		summary := &types.BudgetSummary{
			TenantID:   tenantID,
			Period:     period,
			Quantities: make(map[types.Metric]float64),
		}
		if data := sb.Get(budgetSummaryKey(tenantID, period)); data != nil {
			if err := json.Unmarshal(data, summary); err != nil {
				return err
			}
			if summary.Quantities == nil {
				summary.Quantities = make(map[types.Metric]float64)
			}
		}

		for _, e := range events {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := eb.Put(budgetEventKey(e), data); err != nil {
				return err
			}
			summary.Cost += e.Cost
			summary.Quantities[e.Metric] += e.Quantity
		}

		summary.Version++
		summary.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		if err := sb.Put(budgetSummaryKey(tenantID, period), data); err != nil {
			return err
		}
		out = summary
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) GetBudgetSummary(tenantID, period string) (*types.BudgetSummary, error) {
	var summary types.BudgetSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBudgetSums).Get(budgetSummaryKey(tenantID, period))
		if data == nil {
			return fmt.Errorf("budget summary %s/%s: %w", tenantID, period, ErrNotFound)
		}
		return json.Unmarshal(data, &summary)
	})
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *BoltStore) ListBudgetEvents(tenantID, period string) ([]*types.BudgetEvent, error) {
	var events []*types.BudgetEvent
	prefix := tenantID + "/" + period + "/"
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBudgetEvents).Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var e types.BudgetEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, &e)
		}
		return nil
	})
	return events, err
}

// MarkBudgetThreshold records that the given threshold notification fired for
// (tenant, period). Returns true exactly once per sentinel.
func (s *BoltStore) MarkBudgetThreshold(tenantID, period string, threshold int) (bool, error) {
	key := []byte(fmt.Sprintf("budget/%s/%s/%d", tenantID, period, threshold))
	var first bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSentinels)
		if b.Get(key) != nil {
			first = false
			return nil
		}
		first = true
		return b.Put(key, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return false, err
	}
	return first, nil
}
