// Command server runs the read-through user API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/readthrough/admission"
	"github.com/IvanBrykalov/readthrough/cache"
	"github.com/IvanBrykalov/readthrough/internal/config"
	"github.com/IvanBrykalov/readthrough/internal/httpapi"
	"github.com/IvanBrykalov/readthrough/internal/logging"
	"github.com/IvanBrykalov/readthrough/metrics"
	pmet "github.com/IvanBrykalov/readthrough/metrics/prom"
	"github.com/IvanBrykalov/readthrough/upstream"
	"github.com/IvanBrykalov/readthrough/users"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath, os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, level, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, level); err != nil {
		log.Error("server exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger, level zap.AtomicLevel) error {
	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pm := pmet.New(reg, cfg.Metrics.Namespace, "", nil)
	agg := metrics.New(metrics.Options{MaxEvents: cfg.Metrics.MaxEvents})

	// ---- Upstream ----
	up, closeUp, err := openUpstream(ctx, cfg.Upstream, log.Named("upstream"))
	if err != nil {
		return err
	}
	defer closeUp()

	// ---- Core components ----
	c, err := cache.New(cache.Options[string, users.User]{
		Capacity:      cfg.Cache.Capacity,
		TTL:           cfg.Cache.TTL.D(),
		SweepInterval: cfg.Cache.SweepInterval.D(),
		Metrics:       pm,
		Logger:        log.Named("cache"),
	})
	if err != nil {
		return err
	}
	adm, err := admission.New(admission.Config{
		MaxRequests:   cfg.RateLimit.MaxRequests,
		Window:        cfg.RateLimit.Window.D(),
		BurstCapacity: cfg.RateLimit.BurstCapacity,
		BurstWindow:   cfg.RateLimit.BurstWindow.D(),
		SweepInterval: cfg.RateLimit.SweepInterval.D(),
		Metrics:       pm,
		Logger:        log.Named("admission"),
	})
	if err != nil {
		return err
	}
	svc, err := users.New(users.Options{
		Upstream:        up,
		Cache:           c,
		Workers:         cfg.Upstream.Workers,
		FetchTimeout:    cfg.Upstream.FetchTimeout.D(),
		CoalesceMetrics: pm,
		Logger:          log.Named("users"),
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler: httpapi.New(httpapi.Deps{
			Users:      svc,
			Cache:      c,
			Admission:  adm,
			Metrics:    agg,
			Observer:   pm,
			Prometheus: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			LogLevel:   level,
			Logger:     log.Named("http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	c.Start(ctx)
	adm.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.Int("cache_capacity", cfg.Cache.Capacity),
			zap.Duration("cache_ttl", cfg.Cache.TTL.D()),
			zap.String("upstream", cfg.Upstream.Driver),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(srv, c, adm, svc, cfg.Server.ShutdownGrace.D(), log)
	})
	return g.Wait()
}

// shutdown stops intake, then the sweeps, then drains in-flight fetches.
// If the grace period elapses first the process exits with status 1.
func shutdown(
	srv *http.Server,
	c *cache.Manager[string, users.User],
	adm *admission.Controller,
	svc *users.Service,
	grace time.Duration,
	log *zap.Logger,
) error {
	log.Info("shutting down", zap.Duration("grace", grace))
	force := time.AfterFunc(grace, func() {
		log.Error("forced shutdown after timeout")
		_ = log.Sync()
		os.Exit(1)
	})
	defer force.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var errs *multierror.Error
	if err := srv.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("http: %w", err))
	}
	log.Info("http server closed")

	c.Stop()
	adm.Stop()

	if err := svc.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("coalescer: %w", err))
	}
	log.Info("cleanup completed", zap.Int("abandoned_fetches", svc.Pending()))
	return errs.ErrorOrNil()
}

func openUpstream(ctx context.Context, cfg config.Upstream, log *zap.Logger) (upstream.Store, func(), error) {
	if cfg.Driver == config.DriverMemory {
		s := upstream.NewMemoryStore(upstream.MemoryOptions{Delay: cfg.Delay.D(), Logger: log})
		return s, func() {}, nil
	}

	s, err := upstream.OpenSQL(ctx, upstream.SQLConfig{Driver: cfg.Driver, DSN: cfg.DSN, Logger: log})
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := s.Close(); err != nil {
			log.Warn("closing upstream", zap.Error(err))
		}
	}
	if err := s.Migrate(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	if _, err := s.Seed(ctx, upstream.SeedUsers()); err != nil {
		closeFn()
		return nil, nil, err
	}
	return s, closeFn, nil
}
