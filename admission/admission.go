package admission

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// ClientState is the per-client bucket state. Timestamps are UnixNano.
type ClientState struct {
	Tokens           int
	LastRefillAt     int64
	BurstTokens      int
	BurstWindowStart int64
}

// Controller admits a request only if the client holds both a burst token
// and a steady token. The burst gate is checked first and short-circuits: a
// request denied there never touches the steady bucket.
//
// All methods are safe for concurrent use; every client's read-modify-write
// runs under one mutex.
type Controller struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	clients map[string]*ClientState

	lifeMu sync.Mutex
	cancel func()
	done   chan struct{}
}

// New validates cfg and returns a Controller. The stale-client sweep does not
// run until Start.
func New(cfg Config) (*Controller, error) {
	var errs *multierror.Error
	if cfg.MaxRequests <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("%w: max requests must be > 0, got %d", ErrInvalidConfig, cfg.MaxRequests))
	}
	if cfg.Window <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("%w: window must be > 0, got %s", ErrInvalidConfig, cfg.Window))
	}
	if cfg.BurstCapacity <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("%w: burst capacity must be > 0, got %d", ErrInvalidConfig, cfg.BurstCapacity))
	}
	if cfg.BurstWindow <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("%w: burst window must be > 0, got %s", ErrInvalidConfig, cfg.BurstWindow))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		log:     cfg.Logger,
		clients: make(map[string]*ClientState),
	}, nil
}

// IsAllowed consumes one burst token and one steady token for clientID and
// reports whether both were available. Unknown clients start with full
// buckets.
func (c *Controller) IsAllowed(clientID string) bool {
	c.mu.Lock()
	now := c.now()
	st, ok := c.clients[clientID]
	tracked := -1
	if !ok {
		st = &ClientState{
			Tokens:           c.cfg.MaxRequests,
			LastRefillAt:     now,
			BurstTokens:      c.cfg.BurstCapacity,
			BurstWindowStart: now,
		}
		c.clients[clientID] = st
		tracked = len(c.clients)
	}
	defer func() {
		if tracked >= 0 {
			c.cfg.Metrics.Clients(tracked)
		}
	}()

	if !c.takeBurstLocked(st, now) {
		c.mu.Unlock()
		c.log.Debug("admission denied", zap.String("client", clientID), zap.String("gate", GateBurst))
		c.cfg.Metrics.Deny(GateBurst)
		return false
	}

	c.refillLocked(st, now)
	if st.Tokens <= 0 {
		c.mu.Unlock()
		c.log.Debug("admission denied", zap.String("client", clientID), zap.String("gate", GateSteady))
		c.cfg.Metrics.Deny(GateSteady)
		return false
	}
	st.Tokens--
	remaining := st.Tokens
	c.mu.Unlock()

	c.log.Debug("admission allowed", zap.String("client", clientID), zap.Int("tokens", remaining))
	c.cfg.Metrics.Allow()
	return true
}

// takeBurstLocked rolls the burst window over when it has elapsed and
// consumes one burst token if any is left.
func (c *Controller) takeBurstLocked(st *ClientState, now int64) bool {
	if now-st.BurstWindowStart > int64(c.cfg.BurstWindow) {
		st.BurstTokens = c.cfg.BurstCapacity
		st.BurstWindowStart = now
	}
	if st.BurstTokens > 0 {
		st.BurstTokens--
		return true
	}
	return false
}

// refillLocked adds floor(elapsed/Window * MaxRequests) tokens, capped at
// MaxRequests. LastRefillAt only moves when at least one token is added, so
// fractional progress keeps accruing.
func (c *Controller) refillLocked(st *ClientState, now int64) {
	elapsed := now - st.LastRefillAt
	if elapsed <= 0 {
		return
	}
	limit := c.cfg.MaxRequests
	var add int
	if elapsed >= int64(c.cfg.Window) {
		add = limit
	} else {
		add = int(elapsed * int64(limit) / int64(c.cfg.Window))
	}
	if add <= 0 {
		return
	}
	st.Tokens += add
	if st.Tokens > limit {
		st.Tokens = limit
	}
	st.LastRefillAt = now
}

// ClientInfo returns a copy of the client's state.
func (c *Controller) ClientInfo(clientID string) (ClientState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.clients[clientID]
	if !ok {
		return ClientState{}, false
	}
	return *st, true
}

// ResetClient forgets clientID; its next request starts with full buckets.
func (c *Controller) ResetClient(clientID string) {
	c.mu.Lock()
	delete(c.clients, clientID)
	left := len(c.clients)
	c.mu.Unlock()
	c.cfg.Metrics.Clients(left)
}

// Clear forgets every client.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.clients = make(map[string]*ClientState)
	c.mu.Unlock()
	c.cfg.Metrics.Clients(0)
}

// Len returns the number of tracked clients.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// RetryAfter is the steady window, the longest a denied client may need to
// wait for a token.
func (c *Controller) RetryAfter() time.Duration { return c.cfg.Window }

// SweepStale removes clients whose last refill is older than 2*Window and
// returns how many were removed.
func (c *Controller) SweepStale() int {
	c.mu.Lock()
	now := c.now()
	threshold := 2 * int64(c.cfg.Window)
	removed := 0
	for id, st := range c.clients {
		if now-st.LastRefillAt > threshold {
			delete(c.clients, id)
			removed++
		}
	}
	left := len(c.clients)
	c.mu.Unlock()

	c.cfg.Metrics.Clients(left)
	if removed > 0 {
		c.log.Info("admission sweep removed stale clients", zap.Int("removed", removed), zap.Int("clients", left))
	}
	return removed
}

func (c *Controller) now() int64 {
	if c.cfg.Clock != nil {
		return c.cfg.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}
