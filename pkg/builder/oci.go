package builder

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/loomhq/loom/pkg/types"
)

// SourceFetcher retrieves the source tree for a commit as a tar stream.
type SourceFetcher interface {
	Fetch(ctx context.Context, build *types.Build) (io.ReadCloser, error)
}

// ArchiveFetcher downloads commit archives over HTTP, the contract every
// supported git host exposes (<repo>/archive/<sha>.tar.gz).
type ArchiveFetcher struct {
	client *http.Client
}

// NewArchiveFetcher creates a fetcher with a bounded download timeout.
func NewArchiveFetcher(timeout time.Duration) *ArchiveFetcher {
	return &ArchiveFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *ArchiveFetcher) Fetch(ctx context.Context, build *types.Build) (io.ReadCloser, error) {
	archiveURL := strings.TrimSuffix(build.RepoURL, ".git") + "/archive/" + build.CommitSHA + ".tar.gz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return nil, fmt.Errorf("archive request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", archiveURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", archiveURL, resp.StatusCode)
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("decompress archive: %w", err)
	}
	return &gzipReadCloser{Reader: gz, underlying: resp.Body}, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	underlying io.ReadCloser
}

func (g *gzipReadCloser) Close() error {
	gerr := g.Reader.Close()
	uerr := g.underlying.Close()
	if gerr != nil {
		return gerr
	}
	return uerr
}

// ArchiveBuilder assembles an OCI image by layering the fetched source tree
// onto a base image. No timestamps enter the layer or config, so identical
// inputs produce an identical digest.
type ArchiveBuilder struct {
	fetcher SourceFetcher
	base    v1.Image
}

// NewArchiveBuilder creates a builder over the fetcher. A nil base starts
// from the empty image.
func NewArchiveBuilder(fetcher SourceFetcher, base v1.Image) *ArchiveBuilder {
	if base == nil {
		base = empty.Image
	}
	return &ArchiveBuilder{fetcher: fetcher, base: base}
}

func (b *ArchiveBuilder) Build(ctx context.Context, build *types.Build) (v1.Image, error) {
	src, err := b.fetcher.Fetch(ctx, build)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	layer, err := tarball.LayerFromReader(src)
	if err != nil {
		return nil, fmt.Errorf("source layer: %w", err)
	}

	img, err := mutate.AppendLayers(b.base, layer)
	if err != nil {
		return nil, fmt.Errorf("append source layer: %w", err)
	}

	env := make([]string, 0, len(build.BuildEnv))
	keys := make([]string, 0, len(build.BuildEnv))
	for k := range build.BuildEnv {
		keys = append(keys, k)
	}
	// Sorted env keeps the config blob, and with it the digest, stable.
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+build.BuildEnv[k])
	}

	img, err = mutate.Config(img, v1.Config{
		Env:        env,
		WorkingDir: "/workspace",
		Labels: map[string]string{
			"io.loom.tenant": build.TenantID,
			"io.loom.commit": build.CommitSHA,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("image config: %w", err)
	}
	return img, nil
}

// RegistryPusher uploads images to the platform registry.
type RegistryPusher struct {
	registry string
	keychain authn.Keychain
}

// NewRegistryPusher creates a pusher targeting registry (host or host/prefix).
func NewRegistryPusher(registry string) *RegistryPusher {
	return &RegistryPusher{registry: registry, keychain: authn.DefaultKeychain}
}

func (p *RegistryPusher) Push(ctx context.Context, build *types.Build, img v1.Image) (string, int, error) {
	repo := fmt.Sprintf("%s/%s/%s", p.registry, build.TenantID, repoSlug(build.RepoURL))
	tag, err := name.NewTag(fmt.Sprintf("%s:%s", repo, shortCommit(build.CommitSHA)))
	if err != nil {
		return "", 0, fmt.Errorf("image reference: %w", err)
	}

	if err := remote.Write(tag, img, remote.WithContext(ctx), remote.WithAuthFromKeychain(p.keychain)); err != nil {
		return "", 0, fmt.Errorf("write %s: %w", tag, err)
	}

	digest, err := img.Digest()
	if err != nil {
		return "", 0, fmt.Errorf("image digest: %w", err)
	}
	layers, err := img.Layers()
	if err != nil {
		return "", 0, fmt.Errorf("image layers: %w", err)
	}
	return fmt.Sprintf("%s@%s", tag.Context().Name(), digest.String()), len(layers), nil
}

// repoSlug extracts a registry-safe repository name from a clone URL.
func repoSlug(repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil || u.Path == "" {
		return "app"
	}
	slug := strings.TrimSuffix(path.Base(u.Path), ".git")
	slug = strings.ToLower(slug)
	if slug == "" || slug == "/" || slug == "." {
		return "app"
	}
	return slug
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

var (
	_ SourceBuilder = (*ArchiveBuilder)(nil)
	_ Pusher        = (*RegistryPusher)(nil)
)
