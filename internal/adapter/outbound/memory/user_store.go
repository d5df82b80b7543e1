package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Sentinel-Gate/scriptgate/internal/domain/user"
)

// UserStore implements user.Store with an in-memory map.
// Thread-safe for concurrent access. For development/testing only.
type UserStore struct {
	users map[int64]*user.User
	mu    sync.RWMutex
}

// NewUserStore creates a new in-memory user store.
func NewUserStore() *UserStore {
	return &UserStore{
		users: make(map[int64]*user.User),
	}
}

// GetUser retrieves a user by id.
// Returns user.ErrUserNotFound if the user doesn't exist.
func (s *UserStore) GetUser(ctx context.Context, id int64) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}

	// Return a copy to prevent mutation
	uCopy := *u
	return &uCopy, nil
}

// UpsertUser creates or renames a user.
func (s *UserStore) UpsertUser(ctx context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[u.ID]; ok {
		existing.Username = u.Username
		return nil
	}
	uCopy := *u
	if uCopy.CreatedAt.IsZero() {
		uCopy.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = &uCopy
	return nil
}

// ListUsers returns all users ordered by id.
func (s *UserStore) ListUsers(ctx context.Context) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Compile-time interface verification.
var _ user.Store = (*UserStore)(nil)
