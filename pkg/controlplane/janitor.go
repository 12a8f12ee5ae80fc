package controlplane

import (
	"time"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/storage"
)

// janitor deletes aged-out rows: events past the event retention and terminal
// builds past the build retention.
type janitor struct {
	store     storage.Store
	retention config.Retention

	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
}

func newJanitor(store storage.Store, retention config.Retention) *janitor {
	if retention.Sweep <= 0 {
		retention.Sweep = time.Hour
	}
	return &janitor{
		store:     store,
		retention: retention,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
	}
}

func (j *janitor) Start() {
	go j.run()
}

func (j *janitor) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

func (j *janitor) run() {
	defer close(j.doneCh)
	ticker := time.NewTicker(j.retention.Sweep)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one retention pass. Failures are logged and retried on the next
// sweep; nothing here is on a request path.
func (j *janitor) Sweep() {
	now := j.now()

	if j.retention.Events > 0 {
		cutoff := now.Add(-j.retention.Events)
		n, err := j.store.DeleteEventsBefore(cutoff)
		if err != nil {
			logger := log.WithComponent("janitor")
			logger.Error().Err(err).Msg("Event sweep failed")
		} else if n > 0 {
			logger2 := log.WithComponent("janitor")
			logger2.Info().Int("deleted", n).Msg("Aged-out events deleted")
		}
	}

	if j.retention.Builds > 0 {
		cutoff := now.Add(-j.retention.Builds)
		builds, err := j.store.ListBuilds()
		if err != nil {
			logger3 := log.WithComponent("janitor")
			logger3.Error().Err(err).Msg("Build sweep failed")
			return
		}
		deleted := 0
		for _, b := range builds {
			if !b.Status.Terminal() || b.CompletedAt.IsZero() || b.CompletedAt.After(cutoff) {
				continue
			}
			if err := j.store.DeleteBuild(b.ID); err != nil {
				logger4 := log.WithBuild(b.ID)
				logger4.Error().Err(err).Msg("Build delete failed")
				continue
			}
			deleted++
		}
		if deleted > 0 {
			logger5 := log.WithComponent("janitor")
			logger5.Info().Int("deleted", deleted).Msg("Aged-out builds deleted")
		}
	}
}
