package upstream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDelay is the simulated round trip used by the server's memory store.
const DefaultDelay = 200 * time.Millisecond

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// Delay is added to every Fetch. Zero disables it.
	Delay time.Duration
	// Seed is the initial data set. Nil => SeedUsers().
	Seed   []User
	Logger *zap.Logger
}

// MemoryStore is a map-backed Store that behaves like a slow database.
type MemoryStore struct {
	delay time.Duration
	log   *zap.Logger

	mu    sync.RWMutex
	users map[int64]User
	maxID int64
}

// NewMemoryStore returns a MemoryStore holding opt.Seed.
func NewMemoryStore(opt MemoryOptions) *MemoryStore {
	if opt.Seed == nil {
		opt.Seed = SeedUsers()
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	s := &MemoryStore{
		delay: opt.Delay,
		log:   opt.Logger,
		users: make(map[int64]User, len(opt.Seed)),
	}
	now := time.Now().UTC()
	for _, u := range opt.Seed {
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		s.users[u.ID] = u
		if u.ID > s.maxID {
			s.maxID = u.ID
		}
	}
	return s
}

// Fetch waits for the simulated delay, then looks id up. A cancelled ctx
// aborts the wait.
func (s *MemoryStore) Fetch(ctx context.Context, id int64) (User, error) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return User{}, ctx.Err()
		}
	}

	s.mu.RLock()
	u, ok := s.users[id]
	s.mu.RUnlock()

	s.log.Debug("fetched user", zap.Int64("id", id), zap.Bool("found", ok))
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// Create assigns the next id (highest existing id + 1) and stores the user.
func (s *MemoryStore) Create(ctx context.Context, name, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maxID++
	u := User{ID: s.maxID, Name: name, Email: email, CreatedAt: time.Now().UTC()}
	s.users[u.ID] = u
	return u, nil
}

// Len returns the number of stored users.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

var _ Store = (*MemoryStore)(nil)
