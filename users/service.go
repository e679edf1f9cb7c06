// Package users serves user records through the read-through path:
// cache first, then one coalesced upstream fetch per missing key.
package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/readthrough/cache"
	"github.com/IvanBrykalov/readthrough/coalesce"
	"github.com/IvanBrykalov/readthrough/upstream"
)

// User is re-exported for callers that only deal with this package.
type User = upstream.User

// Options wires a Service to its collaborators. Upstream and Cache are
// required.
type Options struct {
	Upstream upstream.Store
	Cache    *cache.Manager[string, User]

	// Workers bounds concurrent upstream fetches for distinct ids. Zero => 1.
	Workers int
	// FetchTimeout bounds one upstream fetch. Zero => no bound beyond the
	// upstream's own.
	FetchTimeout time.Duration

	CoalesceMetrics coalesce.Metrics
	Logger          *zap.Logger
}

// Service implements Get and Create over the cache, coalescer and upstream.
type Service struct {
	up      upstream.Store
	cache   *cache.Manager[string, User]
	co      *coalesce.Coalescer[string, lookup]
	timeout time.Duration
	log     *zap.Logger
}

// lookup carries a not-found outcome as a value so that it is shared by all
// waiters without counting as a failed fetch.
type lookup struct {
	user  User
	found bool
}

// New returns a Service.
func New(opt Options) (*Service, error) {
	if opt.Upstream == nil || opt.Cache == nil {
		return nil, errors.New("users: Upstream and Cache are required")
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Service{
		up:    opt.Upstream,
		cache: opt.Cache,
		co: coalesce.New[string, lookup](coalesce.Options{
			Workers: opt.Workers,
			Metrics: opt.CoalesceMetrics,
			Logger:  opt.Logger.Named("coalesce"),
		}),
		timeout: opt.FetchTimeout,
		log:     opt.Logger,
	}, nil
}

// CacheKey is the cache key of user id.
func CacheKey(id int64) string { return "user:" + strconv.FormatInt(id, 10) }

// Get returns user id and whether it came from the cache. A user the upstream
// does not know yields upstream.ErrNotFound and is not cached.
func (s *Service) Get(ctx context.Context, id int64) (User, bool, error) {
	key := CacheKey(id)
	start := time.Now()

	if u, ok := s.cache.Get(key); ok {
		d := time.Since(start)
		s.cache.TrackResponseTime(d)
		s.log.Debug("cache hit", zap.Int64("id", id), zap.Duration("took", d))
		return u, true, nil
	}
	s.log.Debug("cache miss", zap.Int64("id", id))

	res, err := s.co.Run(ctx, key, func() (lookup, error) {
		return s.fetch(ctx, id)
	})
	d := time.Since(start)
	s.cache.TrackResponseTime(d)
	if err != nil {
		return User{}, false, err
	}
	if !res.found {
		return User{}, false, fmt.Errorf("user %d: %w", id, upstream.ErrNotFound)
	}

	s.cache.Set(key, res.user)
	s.log.Debug("cached user", zap.Int64("id", id), zap.Duration("took", d))
	return res.user, false, nil
}

// fetch runs detached from the caller's cancellation: other callers may be
// waiting on the same result.
func (s *Service) fetch(ctx context.Context, id int64) (lookup, error) {
	fctx := context.WithoutCancel(ctx)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(fctx, s.timeout)
		defer cancel()
	}
	u, err := s.up.Fetch(fctx, id)
	if errors.Is(err, upstream.ErrNotFound) {
		return lookup{}, nil
	}
	if err != nil {
		return lookup{}, err
	}
	return lookup{user: u, found: true}, nil
}

// Create validates in, persists the user upstream and caches it.
// Invalid input yields an error matching ErrInvalidInput; see FieldErrors.
func (s *Service) Create(ctx context.Context, in CreateInput) (User, error) {
	in, err := in.normalize()
	if err != nil {
		return User{}, err
	}
	u, err := s.up.Create(ctx, in.Name, in.Email)
	if err != nil {
		return User{}, fmt.Errorf("users: create: %w", err)
	}
	s.cache.Set(CacheKey(u.ID), u)
	s.log.Info("user created", zap.Int64("id", u.ID))
	return u, nil
}

// Pending reports upstream fetches queued or running.
func (s *Service) Pending() int { return s.co.Pending() }

// Shutdown stops accepting cache misses and waits for in-flight fetches.
func (s *Service) Shutdown(ctx context.Context) error { return s.co.Shutdown(ctx) }
