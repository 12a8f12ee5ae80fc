package builder

import (
	"context"
	"fmt"
	"sync"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"golang.org/x/sync/singleflight"

	"github.com/loomhq/loom/pkg/buildqueue"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/types"
)

// Progress event types emitted while a build executes. These are finer
// grained than the canonical build.* lifecycle events and are not part of the
// webhook filter set by default.
const (
	ProgressStarted     = "building.started"
	ProgressLayerPushed = "building.layerPushed"
	ProgressCompleted   = "building.completed"
	ProgressFailed      = "building.failed"
)

// SourceBuilder turns a leased build into an OCI image. Buildpack and
// language tooling internals live behind this interface.
type SourceBuilder interface {
	Build(ctx context.Context, build *types.Build) (v1.Image, error)
}

// Pusher uploads an image and returns its digest. Pushing the same image
// twice returns the same digest.
type Pusher interface {
	Push(ctx context.Context, build *types.Build, img v1.Image) (digest string, layers int, err error)
}

// Config sizes the executor.
type Config struct {
	Workers        int
	LeaseTTL       time.Duration
	PollInterval   time.Duration
	HeartbeatEvery time.Duration
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        2,
		LeaseTTL:       5 * time.Minute,
		PollInterval:   2 * time.Second,
		HeartbeatEvery: time.Minute,
	}
}

// Executor pulls leased jobs from the queue, builds and pushes images, and
// reports terminal results. Concurrent executions of the same content key
// collapse to a single build via singleflight, so a reclaimed job whose
// original worker is still running does not build twice.
type Executor struct {
	queue   *buildqueue.Queue
	builder SourceBuilder
	pusher  Pusher
	bus     *events.Bus
	cfg     Config

	group  singleflight.Group
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an executor.
func New(queue *buildqueue.Queue, builder SourceBuilder, pusher Pusher, bus *events.Bus, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = def.HeartbeatEvery
	}
	return &Executor{
		queue:   queue,
		builder: builder,
		pusher:  pusher,
		bus:     bus,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker pool.
func (e *Executor) Start() {
	for i := 0; i < e.cfg.Workers; i++ {
		workerID := fmt.Sprintf("builder-%d", i)
		e.wg.Add(1)
		go e.worker(workerID)
	}
	logger := log.WithComponent("builder")
	logger.Info().Int("workers", e.cfg.Workers).Msg("Build executor started")
}

// Stop signals the pool and waits for in-flight builds to report.
func (e *Executor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Executor) worker(workerID string) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx := context.Background()
			job, err := e.queue.Lease(ctx, workerID, e.cfg.LeaseTTL)
			if err != nil {
				logger2 := log.WithComponent("builder")
				logger2.Error().Err(err).Msg("Lease failed")
				continue
			}
			if job == nil {
				continue
			}
			e.execute(ctx, workerID, job)
		}
	}
}

// execute runs one leased job end to end.
func (e *Executor) execute(ctx context.Context, workerID string, job *types.Build) {
	logger := log.WithBuild(job.ID)
	logger.Info().Str("worker", workerID).Str("repo", job.RepoURL).Msg("Build started")

	e.bus.Emit(ctx, events.ForBuild(ProgressStarted, job.TenantID, job.ID, map[string]any{
		"repo":   job.RepoURL,
		"commit": job.CommitSHA,
	}))

	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := e.heartbeat(buildCtx, workerID, job.ID)

	digest, err := e.buildOnce(buildCtx, job)

	cancel()
	<-hbDone

	if err != nil {
		logger.Error().Err(err).Msg("Build failed")
		e.bus.Emit(ctx, events.ForBuild(ProgressFailed, job.TenantID, job.ID, map[string]any{
			"reason": err.Error(),
		}))
		if cerr := e.queue.Complete(ctx, job.ID, workerID, buildqueue.Result{FailureReason: err.Error()}); cerr != nil {
			logger.Error().Err(cerr).Msg("Failed to record build failure")
		}
		return
	}

	logger.Info().Str("digest", digest).Msg("Build succeeded")
	e.bus.Emit(ctx, events.ForBuild(ProgressCompleted, job.TenantID, job.ID, map[string]any{
		"digest": digest,
	}))
	if cerr := e.queue.Complete(ctx, job.ID, workerID, buildqueue.Result{ImageDigest: digest}); cerr != nil {
		logger.Error().Err(cerr).Msg("Failed to record build success")
	}
}

// buildOnce collapses concurrent executions of one content key. Whichever
// caller runs first does the work; the rest reuse its digest.
func (e *Executor) buildOnce(ctx context.Context, job *types.Build) (string, error) {
	digest, err, _ := e.group.Do(job.Key, func() (any, error) {
		img, err := e.builder.Build(ctx, job)
		if err != nil {
			return "", fmt.Errorf("source build: %w", err)
		}
		digest, layers, err := e.pusher.Push(ctx, job, img)
		if err != nil {
			return "", fmt.Errorf("push image: %w", err)
		}
		for n := 1; n <= layers; n++ {
			e.bus.Emit(ctx, events.ForBuild(ProgressLayerPushed, job.TenantID, job.ID, map[string]any{
				"n":     n,
				"total": layers,
			}))
		}
		return digest, nil
	})
	if err != nil {
		return "", err
	}
	return digest.(string), nil
}

func (e *Executor) heartbeat(ctx context.Context, workerID, buildID string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.queue.Heartbeat(buildID, workerID, e.cfg.LeaseTTL); err != nil {
					logger3 := log.WithBuild(buildID)
					logger3.Warn().Err(err).Msg("Heartbeat failed")
					return
				}
			}
		}
	}()
	return done
}
