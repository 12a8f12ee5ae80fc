package builder

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/loomhq/loom/pkg/orchestrator"
)

// RegistryResolver pins a mutable tag reference to the digest the registry
// currently serves for it. Digest references pass through unchanged.
type RegistryResolver struct {
	keychain authn.Keychain
}

// NewRegistryResolver creates a resolver using the default keychain.
func NewRegistryResolver() *RegistryResolver {
	return &RegistryResolver{keychain: authn.DefaultKeychain}
}

func (r *RegistryResolver) Resolve(ctx context.Context, image string) (string, error) {
	if strings.Contains(image, "@sha256:") {
		return image, nil
	}

	ref, err := name.ParseReference(image)
	if err != nil {
		return "", orchestrator.Permanent("resolve image", fmt.Errorf("parse %q: %w", image, err))
	}

	desc, err := remote.Head(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(r.keychain))
	if err != nil {
		// Registry reachability problems are worth retrying; a missing tag
		// comes back as a permanent transport error either way on retry.
		return "", orchestrator.Transient("resolve image", fmt.Errorf("head %q: %w", image, err))
	}

	return fmt.Sprintf("%s@%s", ref.Context().Name(), desc.Digest.String()), nil
}
