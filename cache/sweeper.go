package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Start launches the periodic expiry sweep. It is a no-op if the sweep is
// already running. The sweep ends when ctx is cancelled or Stop is called.
func (m *Manager[K, V]) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	go m.sweepLoop(ctx, done)
	m.log.Debug("cache sweep started", zap.Duration("interval", m.opt.SweepInterval))
}

// Stop halts the sweep and waits for it to exit. Safe to call repeatedly
// and on a Manager that was never started.
func (m *Manager[K, V]) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel, m.done = nil, nil
	m.log.Debug("cache sweep stopped")
}

func (m *Manager[K, V]) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opt.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}
