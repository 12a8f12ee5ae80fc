package builder

import (
	"context"
	"sort"
	"sync"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"

	"github.com/loomhq/loom/pkg/types"
)

// FakeSource is a SourceBuilder for tests: it assembles a minimal image whose
// digest is a pure function of the build's commit and env.
type FakeSource struct {
	mu     sync.Mutex
	builds int
	err    error
}

// NewFakeSource creates a fake source builder.
func NewFakeSource() *FakeSource {
	return &FakeSource{}
}

// Fail makes subsequent builds return err; nil restores success.
func (f *FakeSource) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Builds returns how many builds actually executed.
func (f *FakeSource) Builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func (f *FakeSource) Build(ctx context.Context, build *types.Build) (v1.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.builds++

	img, err := mutate.Config(empty.Image, v1.Config{
		Labels: map[string]string{
			"io.loom.commit": build.CommitSHA,
			"io.loom.tenant": build.TenantID,
		},
		Env: envSlice(build.BuildEnv),
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// FakePusher records pushes in memory and returns the image's own digest.
type FakePusher struct {
	mu     sync.Mutex
	pushes int
	err    error
}

// NewFakePusher creates a fake pusher.
func NewFakePusher() *FakePusher {
	return &FakePusher{}
}

// Fail makes subsequent pushes return err; nil restores success.
func (f *FakePusher) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Pushes returns the number of completed pushes.
func (f *FakePusher) Pushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

func (f *FakePusher) Push(ctx context.Context, build *types.Build, img v1.Image) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", 0, f.err
	}
	digest, err := img.Digest()
	if err != nil {
		return "", 0, err
	}
	layers, err := img.Layers()
	if err != nil {
		return "", 0, err
	}
	f.pushes++
	return "registry.local/" + build.TenantID + "@" + digest.String(), len(layers), nil
}

var (
	_ SourceBuilder = (*FakeSource)(nil)
	_ Pusher        = (*FakePusher)(nil)
)
