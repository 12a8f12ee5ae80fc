package healthgate

import (
	"context"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/orchestrator"
)

// Scripted is a MetricsProvider whose samples tests feed in directly. It is
// also the binding used in local single-node mode, where no external metrics
// source exists.
type Scripted struct {
	mu      sync.Mutex
	samples map[string][]Sample
	err     error
}

// NewScripted creates an empty scripted provider.
func NewScripted() *Scripted {
	return &Scripted{samples: make(map[string][]Sample)}
}

// Feed appends samples for a workload.
func (s *Scripted) Feed(h orchestrator.Handle, samples ...Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[h.String()] = append(s.samples[h.String()], samples...)
}

// Clear drops all samples for a workload.
func (s *Scripted) Clear(h orchestrator.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.samples, h.String())
}

// Fail makes every Window call return err until called with nil.
func (s *Scripted) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Scripted) Window(ctx context.Context, h orchestrator.Handle, from, to time.Time) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []Sample
	for _, sample := range s.samples[h.String()] {
		if !sample.Bucket.Before(from) && sample.Bucket.Before(to) {
			out = append(out, sample)
		}
	}
	return out, nil
}

var _ MetricsProvider = (*Scripted)(nil)
