package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sipcore/sipcore/internal/api/middleware"
	"github.com/sipcore/sipcore/internal/database/models"
	"github.com/sipcore/sipcore/internal/events"
	"github.com/sipcore/sipcore/internal/media"
	"github.com/sipcore/sipcore/internal/sip"
)

// Phone is the part of the running phone the control API drives.
type Phone interface {
	Snapshot(ctx context.Context) (events.Snapshot, error)
	Answer(ctx context.Context) error
	Terminate(ctx context.Context) error
	Place(ctx context.Context, destination string) error
	Reload(ctx context.Context, reason string) error
	ListDevices(ctx context.Context, kind media.Kind) ([]media.Device, error)
	SelectedDevice(ctx context.Context, kind media.Kind) (string, error)
	SelectDevice(ctx context.Context, kind media.Kind, deviceID string) (string, error)
	Bus() *events.Bus
}

// CallHistory lists finished calls.
type CallHistory interface {
	List(ctx context.Context, limit, offset int) ([]models.CallRecord, int, error)
}

// TraceControl reads and changes the SIP message trace level.
type TraceControl interface {
	Level() sip.TraceLevel
	SetLevel(l sip.TraceLevel)
}

// Options configures the control API.
type Options struct {
	Phone   Phone
	History CallHistory
	Tracer  TraceControl
	// Metrics serves the Prometheus exposition format.
	Metrics http.Handler

	// PasswordHash is the argon2id hash that unlocks the token endpoint.
	// When empty, authentication is disabled.
	PasswordHash string
	JWTSecret    []byte
	CORSOrigins  []string

	StartTime time.Time
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	phone   Phone
	history CallHistory
	tracer  TraceControl
	metrics http.Handler

	passwordHash string
	jwtSecret    []byte
	corsOrigins  []string

	guard       *middleware.BruteForceGuard
	limiter     *middleware.ClientLimiter
	authLimiter *middleware.ClientLimiter

	startTime time.Time
	clock     clock.Clock
	logger    *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	start := opts.StartTime
	if start.IsZero() {
		start = clk.Now()
	}
	logger = logger.With("subsystem", "api")

	s := &Server{
		router:       chi.NewRouter(),
		phone:        opts.Phone,
		history:      opts.History,
		tracer:       opts.Tracer,
		metrics:      opts.Metrics,
		passwordHash: opts.PasswordHash,
		jwtSecret:    opts.JWTSecret,
		corsOrigins:  opts.CORSOrigins,
		guard:        middleware.NewBruteForceGuard(clk, logger),
		limiter:      middleware.NewClientLimiter(middleware.ControlTier, clk, logger),
		authLimiter:  middleware.NewClientLimiter(middleware.LoginTier, clk, logger),
		startTime:    start,
		clock:        clk,
		logger:       logger,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run expires login blocks and idle rate limit buckets until ctx ends.
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Go(func() { s.limiter.Run(ctx) })
	wg.Go(func() { s.authLimiter.Run(ctx) })
	s.guard.Run(ctx)
	wg.Wait()
}

func (s *Server) authEnabled() bool {
	return s.passwordHash != ""
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(s.corsOrigins))

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.authLimiter))
			r.Use(middleware.GuardLogin(s.guard))
			r.Post("/auth/token", s.handleToken)
		})

		// Protected routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.limiter))
			if s.authEnabled() {
				r.Use(middleware.RequireAuth(s.jwtSecret, s.logger))
			}

			r.Get("/status", s.handleStatus)
			r.Post("/call", s.handlePlaceCall)
			r.Post("/answer", s.handleAnswer)
			r.Post("/terminate", s.handleTerminate)
			r.Post("/reload", s.handleReload)

			r.Route("/devices/{kind}", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Put("/", s.handleSelectDevice)
			})

			r.Get("/history", s.handleListHistory)

			r.Get("/trace", s.handleGetTrace)
			r.Put("/trace", s.handleSetTrace)

			r.Get("/events", s.handleEvents)

			if s.metrics != nil {
				r.Method(http.MethodGet, "/metrics", s.metrics)
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if !s.authEnabled() {
		s.logger.Warn("no api password hash configured, control api is unauthenticated")
	}
	s.logger.Info("api routes mounted")
}
