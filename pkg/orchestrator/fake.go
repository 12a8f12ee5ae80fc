package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/mitchellh/hashstructure/v2"
)

// Fake is an in-memory Gateway for tests and local single-node mode. Workloads
// become Ready immediately unless a readiness delay is scripted.
type Fake struct {
	mu        sync.Mutex
	workloads map[string]*fakeWorkload
	routes    map[string][]Backend
	watchers  map[string][]chan WorkloadEvent

	// Writes counts acknowledged cluster writes per handle, so tests can
	// assert apply idempotency.
	writes map[string]int

	// failNext, when set, fails the next matching operation with the queued
	// error and then clears itself.
	failNext map[string]error

	// manualReady holds handles whose readiness tests drive explicitly.
	manualReady map[string]bool
}

type fakeWorkload struct {
	spec       WorkloadSpec
	specHash   uint64
	generation int64
	status     WorkloadStatus
}

// NewFake creates an empty fake gateway.
func NewFake() *Fake {
	return &Fake{
		workloads:   make(map[string]*fakeWorkload),
		routes:      make(map[string][]Backend),
		watchers:    make(map[string][]chan WorkloadEvent),
		writes:      make(map[string]int),
		failNext:    make(map[string]error),
		manualReady: make(map[string]bool),
	}
}

// FailNext queues err for the next operation named op ("apply", "scale",
// "delete", "status", "route").
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

func (f *Fake) takeFailure(op string) error {
	if err, ok := f.failNext[op]; ok {
		delete(f.failNext, op)
		return err
	}
	return nil
}

// HoldReadiness stops the handle's workload from reporting ready until
// ReleaseReadiness is called.
func (f *Fake) HoldReadiness(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manualReady[h.String()] = false
}

// ReleaseReadiness marks a held workload ready at its desired replica count.
func (f *Fake) ReleaseReadiness(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.manualReady, h.String())
	if w, ok := f.workloads[h.String()]; ok {
		w.status.Ready = w.status.Replicas
		w.status.Updated = w.status.Replicas
		w.status.ObservedGeneration = w.generation
	}
	f.notify(h, WorkloadEvent{Handle: h, Type: EventReady})
}

// Writes returns the acknowledged write count for a handle.
func (f *Fake) Writes(h Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[h.String()]
}

// Workloads returns the handles of all live workloads.
func (f *Fake) Workloads() []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Handle
	for _, w := range f.workloads {
		out = append(out, w.spec.Handle)
	}
	return out
}

func (f *Fake) ApplyWorkload(ctx context.Context, spec WorkloadSpec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure("apply"); err != nil {
		return Handle{}, err
	}

	hash, err := hashstructure.Hash(spec, hashstructure.FormatV2, nil)
	if err != nil {
		return Handle{}, Permanent("apply workload", err)
	}

	key := spec.Handle.String()
	if existing, ok := f.workloads[key]; ok {
		if existing.specHash == hash {
			// Identical apply: no-op, no write.
			return spec.Handle, nil
		}
		existing.spec = spec
		existing.specHash = hash
		existing.generation++
		existing.status.Replicas = spec.Replicas
		f.settle(existing, key)
		f.writes[key]++
		return spec.Handle, nil
	}

	w := &fakeWorkload{
		spec:       spec,
		specHash:   hash,
		generation: 1,
		status:     WorkloadStatus{Replicas: spec.Replicas, Generation: 1},
	}
	f.workloads[key] = w
	f.settle(w, key)
	f.writes[key]++
	return spec.Handle, nil
}

// settle moves status to converged unless readiness is held.
func (f *Fake) settle(w *fakeWorkload, key string) {
	w.status.Generation = w.generation
	if held, ok := f.manualReady[key]; ok && !held {
		w.status.ObservedGeneration = w.generation
		w.status.Ready = 0
		w.status.Updated = 0
		return
	}
	w.status.ObservedGeneration = w.generation
	w.status.Ready = w.status.Replicas
	w.status.Updated = w.status.Replicas
}

func (f *Fake) ScaleWorkload(ctx context.Context, h Handle, replicas int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure("scale"); err != nil {
		return err
	}

	w, ok := f.workloads[h.String()]
	if !ok {
		return Permanent("scale workload", fmt.Errorf("workload %s not found", h))
	}
	if w.status.Replicas == replicas {
		return nil
	}
	w.generation++
	w.status.Replicas = replicas
	f.settle(w, h.String())
	f.writes[h.String()]++
	f.notify(h, WorkloadEvent{Handle: h, Type: EventScaled, Message: fmt.Sprintf("replicas=%d", replicas)})
	return nil
}

func (f *Fake) DeleteWorkload(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure("delete"); err != nil {
		return err
	}

	if _, ok := f.workloads[h.String()]; !ok {
		return nil
	}
	delete(f.workloads, h.String())
	f.writes[h.String()]++
	f.notify(h, WorkloadEvent{Handle: h, Type: EventDeleted})
	return nil
}

func (f *Fake) GetWorkloadStatus(ctx context.Context, h Handle) (*WorkloadStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure("status"); err != nil {
		return nil, err
	}

	w, ok := f.workloads[h.String()]
	if !ok {
		return nil, Permanent("get workload status", fmt.Errorf("workload %s not found", h))
	}
	status := w.status
	return &status, nil
}

func (f *Fake) WatchWorkloadEvents(ctx context.Context, h Handle) (<-chan WorkloadEvent, error) {
	f.mu.Lock()
	ch := make(chan WorkloadEvent, 16)
	key := h.String()
	f.watchers[key] = append(f.watchers[key], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		chans := f.watchers[key]
		for i, c := range chans {
			if c == ch {
				f.watchers[key] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch, nil
}

func (f *Fake) notify(h Handle, event WorkloadEvent) {
	for _, ch := range f.watchers[h.String()] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (f *Fake) ProgramRoute(ctx context.Context, key RouteKey, backends []Backend, ports []int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure("route"); err != nil {
		return err
	}

	if err := ValidateBackends(backends); err != nil {
		return Permanent("program route", err)
	}
	snapshot := make([]Backend, len(backends))
	copy(snapshot, backends)
	f.routes[key.String()] = snapshot
	return nil
}

func (f *Fake) GetRoute(ctx context.Context, key RouteKey) ([]Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	backends, ok := f.routes[key.String()]
	if !ok {
		return nil, nil
	}
	out := make([]Backend, len(backends))
	copy(out, backends)
	return out, nil
}

var _ Gateway = (*Fake)(nil)
