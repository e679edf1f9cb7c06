// Command bench drives a synthetic Zipf workload through the read-through
// user service and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/readthrough/cache"
	"github.com/IvanBrykalov/readthrough/metrics"
	pmet "github.com/IvanBrykalov/readthrough/metrics/prom"
	"github.com/IvanBrykalov/readthrough/upstream"
	"github.com/IvanBrykalov/readthrough/users"
)

func main() {
	// ---- Flags ----
	var (
		capacity = flag.Int("cap", 1_000, "cache capacity (entries)")
		ttl      = flag.Duration("ttl", time.Minute, "cache entry TTL")
		delay    = flag.Duration("delay", 2*time.Millisecond, "simulated upstream latency")
		fetchers = flag.Int("fetchers", 4, "coalescer workers (concurrent upstream fetches)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 95, "read percentage [0..100]")

		keys  = flag.Int("keys", 10_000, "user id space size")
		zipfS = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed  = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	pm := pmet.New(nil, "readthrough", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Build the read path ----
	seedUsers := make([]upstream.User, *keys)
	for i := range seedUsers {
		id := int64(i + 1)
		seedUsers[i] = upstream.User{ID: id, Name: "User", Email: fmt.Sprintf("u%d@example.com", id)}
	}
	up := upstream.NewMemoryStore(upstream.MemoryOptions{Delay: *delay, Seed: seedUsers})

	c, err := cache.New(cache.Options[string, users.User]{Capacity: *capacity, TTL: *ttl, Metrics: pm})
	if err != nil {
		log.Fatal(err)
	}
	svc, err := users.New(users.Options{Upstream: up, Cache: c, Workers: *fetchers, CoalesceMetrics: pm})
	if err != nil {
		log.Fatal(err)
	}
	agg := metrics.New(metrics.Options{})

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, writes, hits, misses, failures uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < workersN; w++ {
		id := w
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, *zipfS, *zipfV, keysMax)

			for ctx.Err() == nil {
				opStart := time.Now()
				ev := metrics.RequestEvent{Timestamp: opStart, Status: http.StatusOK}
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					ev.Method, ev.Path = http.MethodGet, "/users/{id}"
					_, hit, err := svc.Get(ctx, int64(localZipf.Uint64())+1)
					switch {
					case err != nil:
						atomic.AddUint64(&failures, 1)
						ev.Status = http.StatusInternalServerError
					case hit:
						atomic.AddUint64(&hits, 1)
						ev.CacheHit = true
					default:
						atomic.AddUint64(&misses, 1)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					ev.Method, ev.Path, ev.Status = http.MethodPost, "/users", http.StatusCreated
					if _, err := svc.Create(ctx, users.CreateInput{Name: "Bench User", Email: "bench@example.com"}); err != nil {
						atomic.AddUint64(&failures, 1)
						ev.Status = http.StatusInternalServerError
					}
				}
				ev.Latency = time.Since(opStart)
				agg.RecordRequest(ev)
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)
	_ = svc.Shutdown(context.Background())

	// ---- Report ----
	readsN := atomic.LoadUint64(&reads)
	writesN := atomic.LoadUint64(&writes)
	hitsN := atomic.LoadUint64(&hits)
	ops := readsN + writesN

	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hitsN) / float64(readsN) * 100
	}
	sum := agg.Summary(0)

	fmt.Printf("cap=%d ttl=%v fetchers=%d workers=%d keys=%d dur=%v seed=%d\n",
		*capacity, *ttl, *fetchers, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d  failures=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, writesN, atomic.LoadUint64(&failures))
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, atomic.LoadUint64(&misses), hitRate)
	fmt.Printf("latency p50=%v p95=%v p99=%v (last %d ops)\n",
		sum.Percentiles.P50, sum.Percentiles.P95, sum.Percentiles.P99, sum.TotalRequests)
	fmt.Printf("Len()=%d\n", c.Len())
}
