package memory

import (
	"context"
	"sync"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

// MemorySecretStore implements outbound.SecretStore in memory, keeping every
// written version. For development/testing only: secrets are lost on exit.
type MemorySecretStore struct {
	mu       sync.RWMutex
	versions map[string][]map[string]string
	failPut  error
}

// NewSecretStore creates an empty in-memory secret store.
func NewSecretStore() *MemorySecretStore {
	return &MemorySecretStore{
		versions: make(map[string][]map[string]string),
	}
}

// Get returns a copy of the latest version at path.
func (s *MemorySecretStore) Get(ctx context.Context, path string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vs := s.versions[path]
	if len(vs) == 0 {
		return nil, outbound.ErrSecretNotFound
	}
	return copyFields(vs[len(vs)-1]), nil
}

// Put appends a new version at path.
func (s *MemorySecretStore) Put(ctx context.Context, path string, data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPut != nil {
		return s.failPut
	}
	s.versions[path] = append(s.versions[path], copyFields(data))
	return nil
}

// List returns names directly under prefix.
func (s *MemorySecretStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.versions))
	for p := range s.versions {
		paths = append(paths, p)
	}
	return outbound.ChildNames(paths, prefix), nil
}

// Ping always succeeds.
func (s *MemorySecretStore) Ping(ctx context.Context) error {
	return nil
}

// Versions returns how many versions were written at path.
func (s *MemorySecretStore) Versions(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions[path])
}

// FailPuts makes every subsequent Put return err (nil restores normal
// behavior). Used to simulate backend outages in tests.
func (s *MemorySecretStore) FailPuts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = err
}

func copyFields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ outbound.SecretStore = (*MemorySecretStore)(nil)
