package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/readthrough/cache"
	"github.com/IvanBrykalov/readthrough/upstream"
)

// gatedStore counts fetches and blocks them until release is closed.
type gatedStore struct {
	*upstream.MemoryStore
	fetches atomic.Int64
	release chan struct{}
	fail    error
}

func (g *gatedStore) Fetch(ctx context.Context, id int64) (User, error) {
	g.fetches.Add(1)
	if g.release != nil {
		<-g.release
	}
	if g.fail != nil {
		return User{}, g.fail
	}
	return g.MemoryStore.Fetch(ctx, id)
}

func newService(t *testing.T, up upstream.Store) (*Service, *cache.Manager[string, User]) {
	t.Helper()
	c, err := cache.New(cache.Options[string, User]{Capacity: 10, TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Options{Upstream: up, Cache: c})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, c
}

func TestService_MissThenHit(t *testing.T) {
	t.Parallel()

	up := &gatedStore{MemoryStore: upstream.NewMemoryStore(upstream.MemoryOptions{})}
	s, c := newService(t, up)
	ctx := context.Background()

	u, hit, err := s.Get(ctx, 1)
	if err != nil || hit {
		t.Fatalf("first Get: hit=%v err=%v", hit, err)
	}
	if u.Name != "John Doe" {
		t.Fatalf("unexpected user %+v", u)
	}

	again, hit, err := s.Get(ctx, 1)
	if err != nil || !hit {
		t.Fatalf("second Get must hit: hit=%v err=%v", hit, err)
	}
	if diff := cmp.Diff(u, again); diff != "" {
		t.Fatalf("cached user differs (-miss +hit):\n%s", diff)
	}
	if up.fetches.Load() != 1 {
		t.Fatalf("upstream fetched %d times, want 1", up.fetches.Load())
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.CacheSize != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestService_NotFoundIsNotCached(t *testing.T) {
	t.Parallel()

	up := &gatedStore{MemoryStore: upstream.NewMemoryStore(upstream.MemoryOptions{})}
	s, c := newService(t, up)

	for i := 0; i < 2; i++ {
		if _, _, err := s.Get(context.Background(), 999); !errors.Is(err, upstream.ErrNotFound) {
			t.Fatalf("Get(999): want ErrNotFound, got %v", err)
		}
	}
	if c.Has(CacheKey(999)) {
		t.Fatal("not-found results must not be cached")
	}
	if up.fetches.Load() != 2 {
		t.Fatalf("each miss must reach upstream, got %d fetches", up.fetches.Load())
	}
}

func TestService_ConcurrentMissesCoalesce(t *testing.T) {
	t.Parallel()

	up := &gatedStore{
		MemoryStore: upstream.NewMemoryStore(upstream.MemoryOptions{}),
		release:     make(chan struct{}),
	}
	s, _ := newService(t, up)

	const N = 20
	var joined sync.WaitGroup
	joined.Add(N)
	var g errgroup.Group
	for i := 0; i < N; i++ {
		g.Go(func() error {
			joined.Done()
			u, _, err := s.Get(context.Background(), 3)
			if err == nil && u.Name != "Alice Johnson" {
				return errors.New("wrong user " + u.Name)
			}
			return err
		})
	}
	joined.Wait()
	// Callers may still be between the cache lookup and Run; wait for the
	// one fetch to be in flight, then give stragglers time to join it.
	deadline := time.Now().Add(2 * time.Second)
	for up.fetches.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(up.release)

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := up.fetches.Load(); got != 1 {
		t.Fatalf("concurrent misses must share one fetch, got %d", got)
	}
}

func TestService_UpstreamErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	up := &gatedStore{MemoryStore: upstream.NewMemoryStore(upstream.MemoryOptions{}), fail: boom}
	s, c := newService(t, up)

	if _, _, err := s.Get(context.Background(), 1); !errors.Is(err, boom) {
		t.Fatalf("want %v, got %v", boom, err)
	}
	if c.Len() != 0 {
		t.Fatal("failed fetches must not populate the cache")
	}
}

func TestService_CreateCachesUser(t *testing.T) {
	t.Parallel()

	up := &gatedStore{MemoryStore: upstream.NewMemoryStore(upstream.MemoryOptions{})}
	s, _ := newService(t, up)

	u, err := s.Create(context.Background(), CreateInput{Name: "  Mary-Ann O'Neil ", Email: "Mary@Example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != 4 || u.Name != "Mary-Ann O'Neil" || u.Email != "mary@example.com" {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, hit, err := s.Get(context.Background(), 4); err != nil || !hit {
		t.Fatalf("created user must be served from cache: hit=%v err=%v", hit, err)
	}
	if up.fetches.Load() != 0 {
		t.Fatal("upstream must not be read for a freshly created user")
	}
}

func TestService_CreateValidation(t *testing.T) {
	t.Parallel()

	s, _ := newService(t, upstream.NewMemoryStore(upstream.MemoryOptions{}))

	cases := []struct {
		name string
		in   CreateInput
		want []FieldError
	}{
		{
			name: "both missing",
			in:   CreateInput{Name: " ", Email: ""},
			want: []FieldError{
				{Field: "name", Message: "Name is required"},
				{Field: "email", Message: "Email is required"},
			},
		},
		{
			name: "short name",
			in:   CreateInput{Name: "A", Email: "a@example.com"},
			want: []FieldError{{Field: "name", Message: "Name must be between 2 and 100 characters"}},
		},
		{
			name: "digits in name",
			in:   CreateInput{Name: "R2D2", Email: "r@example.com"},
			want: []FieldError{{Field: "name", Message: "Name can only contain letters, spaces, hyphens, and apostrophes"}},
		},
		{
			name: "bad email",
			in:   CreateInput{Name: "Bob", Email: "Bob <bob@example.com>"},
			want: []FieldError{{Field: "email", Message: "Email must be a valid email address"}},
		},
		{
			name: "long email",
			in:   CreateInput{Name: "Bob", Email: strings.Repeat("b", 250) + "@example.com"},
			want: []FieldError{{Field: "email", Message: "Email must not exceed 255 characters"}},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := s.Create(context.Background(), tc.in)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("want ErrInvalidInput, got %v", err)
			}
			if diff := cmp.Diff(tc.want, FieldErrors(err)); diff != "" {
				t.Fatalf("field errors mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestService_ShutdownRejectsMisses(t *testing.T) {
	t.Parallel()

	s, _ := newService(t, upstream.NewMemoryStore(upstream.MemoryOptions{}))
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(context.Background(), 1); err == nil {
		t.Fatal("Get after Shutdown must fail")
	}
}
