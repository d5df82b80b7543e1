package outbound

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrSecretNotFound is returned when no secret exists at a path.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore abstracts a versioned secret backend (Vault KV, encrypted file).
// Paths use "/" as a directory separator, e.g. "rsa_keys/<id>".
type SecretStore interface {
	// Get returns the fields stored at path.
	// Returns ErrSecretNotFound if nothing is stored there.
	Get(ctx context.Context, path string) (map[string]string, error)

	// Put writes a new version of the secret at path.
	Put(ctx context.Context, path string, data map[string]string) error

	// List returns the names stored directly under the directory prefix
	// (e.g. "rsa_keys/"), without the prefix. Nested directories are
	// returned with a trailing "/".
	List(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies the backend is reachable and unsealed.
	Ping(ctx context.Context) error
}

// ChildNames returns the distinct names directly under prefix among paths,
// applying the SecretStore.List contract. Nested entries collapse to
// "<dir>/". The result is sorted.
func ChildNames(paths []string, prefix string) []string {
	seen := make(map[string]struct{})
	for _, p := range paths {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i+1]
		}
		seen[rest] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
