package orchestrator

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cached wraps a Gateway with a short-TTL status cache so tight observation
// loops do not hammer the cluster manager. Writes through the wrapper
// invalidate the affected handle.
type Cached struct {
	Gateway
	statuses *gocache.Cache
}

// NewCached wraps gw with a status cache using the given TTL.
func NewCached(gw Gateway, ttl time.Duration) *Cached {
	return &Cached{
		Gateway:  gw,
		statuses: gocache.New(ttl, 2*ttl),
	}
}

func (c *Cached) GetWorkloadStatus(ctx context.Context, h Handle) (*WorkloadStatus, error) {
	if cached, ok := c.statuses.Get(h.String()); ok {
		status := *cached.(*WorkloadStatus)
		return &status, nil
	}
	status, err := c.Gateway.GetWorkloadStatus(ctx, h)
	if err != nil {
		return nil, err
	}
	c.statuses.SetDefault(h.String(), status)
	return status, nil
}

func (c *Cached) ApplyWorkload(ctx context.Context, spec WorkloadSpec) (Handle, error) {
	h, err := c.Gateway.ApplyWorkload(ctx, spec)
	if err == nil {
		c.statuses.Delete(spec.Handle.String())
	}
	return h, err
}

func (c *Cached) ScaleWorkload(ctx context.Context, h Handle, replicas int) error {
	err := c.Gateway.ScaleWorkload(ctx, h, replicas)
	if err == nil {
		c.statuses.Delete(h.String())
	}
	return err
}

func (c *Cached) DeleteWorkload(ctx context.Context, h Handle) error {
	err := c.Gateway.DeleteWorkload(ctx, h)
	if err == nil {
		c.statuses.Delete(h.String())
	}
	return err
}

var _ Gateway = (*Cached)(nil)
