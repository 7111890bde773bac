// Package api is the control-plane HTTP surface: the cron trigger, the
// per-equipment command/state/status endpoints, and the health and
// metrics probes. Domain logic lives behind small interfaces so the
// server composes the same way in atriumd and in tests.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/atriumbms/atrium/internal/auth"
	"github.com/atriumbms/atrium/internal/batch"
	"github.com/atriumbms/atrium/internal/config"
	"github.com/atriumbms/atrium/internal/events"
	"github.com/atriumbms/atrium/internal/health"
	"github.com/atriumbms/atrium/internal/metrics"
	"github.com/atriumbms/atrium/internal/otel"
	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/statestore"
	"github.com/atriumbms/atrium/internal/types"
)

// Enqueuer routes one command job to its location's queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *types.Job) (bool, error)
}

// FleetSource resolves equipment ids against the roster.
type FleetSource interface {
	FindByID(equipmentID string) (types.Equipment, bool)
}

// MetricSource reads the latest sensor snapshot for one equipment.
type MetricSource interface {
	ReadLatestMetrics(ctx context.Context, equipmentID, locationID string, window time.Duration) (scalar.Map, error)
}

// BatchRunner is the enqueuer behind the cron endpoint.
type BatchRunner interface {
	RunAll(ctx context.Context, opts batch.Options) (batch.Result, error)
	RunOne(ctx context.Context, equipmentID string, opts batch.Options) (batch.Result, error)
}

type Server struct {
	state     *statestore.Store
	queue     Enqueuer
	fleet     FleetSource
	metricSrc MetricSource
	batch     BatchRunner
	collector *metrics.Collector
	healthMon *health.Monitor
	log       *events.EventLogger

	server            *http.Server
	listener          net.Listener
	mu                sync.Mutex
	running           bool
	addr              string
	authConfig        *auth.Config
	authMiddleware    *auth.Middleware
	rateLimiter       *rateLimiter
	rateLimiterConfig *RateLimiterConfig
	metricWindow      time.Duration
}

func NewServer(addr string) *Server {
	return &Server{
		addr:              addr,
		authConfig:        auth.DefaultConfig(),
		rateLimiterConfig: DefaultRateLimiterConfig(),
		metricWindow:      config.DefaultMetricWindow,
		log:               events.NoopEventLogger(),
	}
}

func (s *Server) SetStateStore(store *statestore.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = store
}

func (s *Server) SetQueue(q Enqueuer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
}

func (s *Server) SetFleet(f FleetSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fleet = f
}

func (s *Server) SetMetricSource(m MetricSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricSrc = m
}

func (s *Server) SetBatchRunner(b BatchRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = b
}

func (s *Server) SetCollector(c *metrics.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collector = c
}

func (s *Server) SetHealthMonitor(m *health.Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthMon = m
}

func (s *Server) SetEventLogger(log *events.EventLogger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log == nil {
		log = events.NoopEventLogger()
	}
	s.log = log
}

func (s *Server) SetAuthConfig(config *auth.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authConfig = config
	s.authMiddleware = nil
}

// SetRateLimiterConfig configures the rate limiter.
// Must be called before Start() for changes to take effect.
func (s *Server) SetRateLimiterConfig(config *RateLimiterConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimiterConfig = config
	s.rateLimiter = nil // Reset to pick up new config
}

// SetMetricWindow overrides the lookback used by the state endpoint's
// outdoor-reset computation.
func (s *Server) SetMetricWindow(window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if window > 0 {
		s.metricWindow = window
	}
}

func (s *Server) getAuthMiddleware() *auth.Middleware {
	if s.authMiddleware != nil {
		return s.authMiddleware
	}
	if s.authConfig == nil {
		s.authConfig = auth.DefaultConfig()
	}
	s.authMiddleware = auth.NewMiddlewareForConfig(s.authConfig)
	return s.authMiddleware
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/cron-run-logic", s.rbacMiddleware(s.rateLimitMiddleware(http.HandlerFunc(s.handleCronRunLogic))).ServeHTTP)
	mux.HandleFunc("/equipment/", s.rbacMiddleware(s.rateLimitMiddleware(http.HandlerFunc(s.routeEquipment))).ServeHTTP)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	if s.collector != nil {
		mux.Handle("/metrics", s.collector.Handler())
	} else {
		mux.HandleFunc("/metrics", s.handleMetricsUnconfigured)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	var handler http.Handler = s.instrumentMiddleware(mux)
	if tracer := otel.GetGlobalTracer(); tracer != nil && tracer.Enabled() {
		handler = otel.Middleware(tracer)(handler)
	}

	s.server = &http.Server{
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second, // Protect against slowloris attacks
	}

	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			fmt.Printf("server error: %v\n", err)
		}
	}()

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) routeEquipment(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/equipment/")
	if path == "" || path == "/" {
		s.writeEndpointNotFound(w, r)
		return
	}

	parts := strings.Split(path, "/")
	equipmentID := parts[0]

	if len(parts) == 1 {
		s.writeEndpointNotFound(w, r)
		return
	}

	action := parts[1]
	switch action {
	case "command":
		s.handleCommand(w, r, equipmentID)
	case "state":
		s.handleState(w, r, equipmentID)
	case "status":
		if len(parts) >= 3 && parts[2] != "" {
			s.handleJobStatus(w, r, parts[2])
			return
		}
		s.writeEndpointNotFound(w, r)
	default:
		s.writeEndpointNotFound(w, r)
	}
}

func (s *Server) writeEndpointNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, &ErrorResponse{
		ErrorType:    ErrorTypeNotFound,
		ErrorCode:    ErrorCodeEndpointNotFound,
		ErrorMessage: "Endpoint not found",
		Retryable:    false,
		Details:      map[string]interface{}{"path": r.URL.Path},
	})
}

func (s *Server) rbacMiddleware(next http.Handler) http.Handler {
	return s.getAuthMiddleware().Handler(next)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Lazy initialize rate limiter
		s.mu.Lock()
		if s.rateLimiter == nil {
			s.rateLimiter = newRateLimiter(s.rateLimiterConfig)
		}
		rl := s.rateLimiter
		cfg := s.rateLimiterConfig
		s.mu.Unlock()

		if !rl.allowRequest(r) {
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.BurstSize))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Second).Unix()))
			w.Header().Set("Retry-After", "1")

			s.writeError(w, http.StatusTooManyRequests, &ErrorResponse{
				ErrorType:    ErrorTypeRateLimited,
				ErrorCode:    ErrorCodeRateLimitExceeded,
				ErrorMessage: "Too many requests. Please slow down.",
				Retryable:    true,
				Details: map[string]interface{}{
					"retry_after_seconds": 1,
				},
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// instrumentMiddleware feeds request counts and latencies to the
// collector. Routes are collapsed to their patterns so equipment ids
// never become label values.
func (s *Server) instrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.collector == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.collector.RecordHTTPRequest(routeLabel(r.URL.Path), r.Method, rec.status, time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.wroteHeader {
		rec.status = code
		rec.wroteHeader = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func routeLabel(path string) string {
	switch path {
	case "/cron-run-logic", "/healthz", "/readyz", "/metrics":
		return path
	}
	if strings.HasPrefix(path, "/equipment/") {
		parts := strings.Split(strings.TrimPrefix(path, "/equipment/"), "/")
		if len(parts) >= 2 {
			switch parts[1] {
			case "command":
				return "/equipment/{id}/command"
			case "state":
				return "/equipment/{id}/state"
			case "status":
				return "/equipment/{id}/status/{jobId}"
			}
		}
		return "/equipment/{id}"
	}
	return "other"
}

// StartTestServer starts a server on an ephemeral port and returns it
// with a cleanup function.
func StartTestServer() (*Server, func(), error) {
	server := NewServer("127.0.0.1:0")
	if err := server.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start test server: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	return server, cleanup, nil
}
