// Package main provides the atriumd binary: the HVAC control plane.
// One process hosts the HTTP surface, the per-location processors and
// worker pools, the batch enqueuer, and lead-lag maintenance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atriumbms/atrium/internal/api"
	"github.com/atriumbms/atrium/internal/auth"
	"github.com/atriumbms/atrium/internal/batch"
	"github.com/atriumbms/atrium/internal/config"
	"github.com/atriumbms/atrium/internal/control"
	"github.com/atriumbms/atrium/internal/events"
	"github.com/atriumbms/atrium/internal/gate"
	"github.com/atriumbms/atrium/internal/health"
	"github.com/atriumbms/atrium/internal/leadlag"
	"github.com/atriumbms/atrium/internal/metrics"
	"github.com/atriumbms/atrium/internal/metricstore"
	"github.com/atriumbms/atrium/internal/otel"
	"github.com/atriumbms/atrium/internal/processor"
	"github.com/atriumbms/atrium/internal/queue"
	"github.com/atriumbms/atrium/internal/roster"
	"github.com/atriumbms/atrium/internal/statestore"
	"github.com/atriumbms/atrium/internal/worker"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	addr := flag.String("addr", cfg.HTTPAddr, "HTTP server address")
	rosterPath := flag.String("roster", cfg.RosterPath, "Equipment roster file")
	authMode := flag.String("auth-mode", "secret_key", "Authentication mode: none, secret_key, api_key")
	apiKeys := flag.String("api-keys", "", "Comma-separated operator API keys (for api_key mode)")
	insecure := flag.Bool("insecure", false, "Allow unauthenticated mode (only safe on loopback)")
	rateLimit := flag.Float64("rate-limit", 20, "API rate limit in requests/second per client (0 to disable)")
	rateBurst := flag.Int("rate-burst", 40, "API rate limit burst size")
	traceExporter := flag.String("trace-exporter", "none", "Trace exporter: none, stdout, otlp-grpc, otlp-http")
	otlpEndpoint := flag.String("otlp-endpoint", "localhost:4317", "OTLP collector endpoint")
	devMode := flag.Bool("dev", false, "Development mode: binds to loopback, disables auth and rate limiting")
	flag.Parse()

	if *devMode {
		*addr = "127.0.0.1:8080"
		*insecure = true
		*authMode = string(auth.AuthModeNone)
		*rateLimit = 0
		fmt.Println("")
		fmt.Println("╔════════════════════════════════════════════════════════════╗")
		fmt.Println("║  DEVELOPMENT MODE - DO NOT USE IN PRODUCTION               ║")
		fmt.Println("║  Auth disabled, rate limiting disabled                     ║")
		fmt.Println("║  Bound to loopback only (127.0.0.1:8080)                   ║")
		fmt.Println("╚════════════════════════════════════════════════════════════╝")
		fmt.Println("")
	}

	if strings.EqualFold(*authMode, string(auth.AuthModeNone)) && !*insecure {
		fmt.Fprintln(os.Stderr, "Refusing to start with auth disabled without --insecure")
		os.Exit(1)
	}
	if strings.EqualFold(*authMode, string(auth.AuthModeSecretKey)) && cfg.SecretKey == "" {
		fmt.Fprintln(os.Stderr, "SERVER_ACTION_SECRET_KEY is required in secret_key mode")
		os.Exit(1)
	}

	fleetLog := events.NewEventLogger("")
	events.SetGlobalEventLogger(fleetLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:      otel.ExporterType(*traceExporter) != otel.ExporterNone,
		ServiceName:  "atriumd",
		ExporterType: otel.ExporterType(*traceExporter),
		OTLPEndpoint: *otlpEndpoint,
		OTLPInsecure: true,
		SampleRate:   1.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing tracing: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalTracer(tracer)

	state := statestore.New(cfg)
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = state.Ping(pingCtx)
	pingCancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reaching state store at %s: %v\n", cfg.RedisAddr(), err)
		os.Exit(1)
	}

	metricStore, err := metricstore.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating metric store client: %v\n", err)
		os.Exit(1)
	}

	fleet, err := roster.Load(*rosterPath, state)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading roster %s: %v\n", *rosterPath, err)
		os.Exit(1)
	}
	fmt.Printf("Roster: %d equipment across %d locations\n", fleet.Size(), len(fleet.Locations()))

	queues := queue.NewManager(state.Client())
	registry := control.NewDefaultRegistry()
	collector := metrics.NewCollector()

	healthMon := health.NewMonitor(15 * time.Second)
	if err := healthMon.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting health monitor: %v\n", err)
		os.Exit(1)
	}

	rotation := leadlag.New(state, metricStore, queues, fleet, fleetLog)

	// One processor and one worker pool per location. The gate instance
	// is per location so its deviation cache and staleness stamps stay
	// scoped to the processor that feeds it.
	var processors []*processor.Processor
	var pools []*worker.Pool
	for _, loc := range fleet.Locations() {
		locLog := events.NewEventLogger(loc)
		locQueue := queues.ForLocation(loc)

		proc := processor.New(loc, fleet.ByLocation(loc), gate.New(metricStore, state, locLog), locQueue, locLog)
		if err := proc.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting processor for %s: %v\n", loc, err)
			os.Exit(1)
		}
		processors = append(processors, proc)

		pool := worker.NewPool(locQueue, metricStore, state, registry, fleet, cfg.WorkerConcurrency, locLog)
		pool.SetCollector(collector)
		if err := pool.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting worker pool for %s: %v\n", loc, err)
			os.Exit(1)
		}
		pools = append(pools, pool)
	}

	// The batch enqueuer walks the whole fleet, so it gets its own gate
	// instance rather than borrowing one location's cache.
	runner := batch.New(state, gate.New(metricStore, state, fleetLog), queues, fleet, rotation, fleetLog)

	go sampleQueueDepth(ctx, queues, fleet.Locations(), collector)

	server := api.NewServer(*addr)
	server.SetStateStore(state)
	server.SetQueue(queues)
	server.SetFleet(fleet)
	server.SetMetricSource(metricStore)
	server.SetBatchRunner(runner)
	server.SetCollector(collector)
	server.SetHealthMonitor(healthMon)
	server.SetEventLogger(fleetLog)

	authConfig := &auth.Config{
		Mode:      auth.AuthMode(*authMode),
		SecretKey: cfg.SecretKey,
	}
	if *insecure {
		authConfig.Mode = auth.AuthModeNone
	}
	if *apiKeys != "" {
		authConfig.APIKeys = strings.Split(*apiKeys, ",")
	}
	server.SetAuthConfig(authConfig)

	server.SetRateLimiterConfig(&api.RateLimiterConfig{
		RequestsPerSecond: *rateLimit,
		BurstSize:         *rateBurst,
		Enabled:           *rateLimit > 0,
	})

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Atrium control plane listening on %s\n", server.URL())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}
	for _, proc := range processors {
		if err := proc.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping processor %s: %v\n", proc.LocationID(), err)
		}
	}
	for _, pool := range pools {
		if err := pool.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping worker pool: %v\n", err)
		}
	}
	healthMon.Stop(shutdownCtx)
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error shutting down tracer: %v\n", err)
	}
	metricStore.Close()
	state.Close()
	fmt.Println("Control plane stopped")
}

// sampleQueueDepth feeds the per-location queue census into the gauge set
// so dashboards can see backlogs without asking Redis.
func sampleQueueDepth(ctx context.Context, queues *queue.Manager, locations []string, collector *metrics.Collector) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, loc := range locations {
				counts, err := queues.ForLocation(loc).Counts(ctx)
				if err != nil {
					continue
				}
				collector.SetQueueDepth(loc, float64(counts.Waiting+counts.Delayed+counts.Active))
			}
		}
	}
}
