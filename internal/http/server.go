package http

import (
	"bytes"
	"context"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"entregas/internal/amqp"
	"entregas/internal/core"
	"entregas/internal/log"
	"entregas/internal/middleware/ratelimit"
	"entregas/internal/middleware/security"
	"entregas/internal/middleware/trace"
	"entregas/internal/tracker"
	"entregas/internal/usage"
	appweb "entregas/web"
)

// Tracker is the application state the API reads and mutates.
type Tracker interface {
	Add(ctx context.Context, date core.Date, qty int) tracker.Result
	Remove(ctx context.Context, id int64) tracker.Result
	TrimOld(ctx context.Context) tracker.Result
	Dashboard() tracker.Dashboard
	Report() tracker.Report
	History() []tracker.HistoryItem
	Export(ctx context.Context) ([]byte, string, error)
	Degraded() bool
}

// UsageReader exposes the latest storage measurement.
type UsageReader interface {
	Latest() usage.Snapshot
}

// SignalPublisher forwards lifecycle signals to the offline edge.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, sig *amqp.Signal) error
}

// Deps are the collaborators of the server. Signals may be nil when AMQP is
// not configured.
type Deps struct {
	Tracker Tracker
	Usage   UsageReader
	Signals SignalPublisher
	// Notices produced at startup, handed to the first page load.
	Notices []tracker.Notice
}

type Server struct {
	http.Server
	deps     Deps
	logger   *log.Logger
	limiter  *ratelimit.Limiter
	detector *security.Detector
	shell    fs.FS
	started  time.Time

	noticesMu sync.Mutex
	notices   []tracker.Notice

	shutdownOnce sync.Once
}

// NewServer configures routes and returns a ready-to-run server.
func NewServer(addr string, deps Deps, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		deps:     deps,
		logger:   logger,
		limiter:  ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		detector: security.NewDetector(logger),
		started:  time.Now(),
		notices:  append([]tracker.Notice(nil), deps.Notices...),
	}

	if sub, err := fs.Sub(appweb.ShellFS, "static"); err == nil {
		s.shell = sub
	} else {
		logger.Warn("Failed to mount embedded shell FS", log.FieldError, err)
	}

	s.Handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(trace.NewMiddleware(s.logger, s.detector.ExtractClientIP).Middleware)
	r.Use(s.detector.Middleware)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(security.ShellCacheMiddleware)
		r.Get("/", s.serveShellFile("index.html"))
		for _, name := range []string{"index.html", "style.css", "script.js", "manifest.json"} {
			r.Get("/"+name, s.serveShellFile(name))
		}
	})
	r.Get(appweb.VendorPrefix+"*", s.handleVendor)

	r.Route("/api", func(r chi.Router) {
		r.Use(security.NoStoreMiddleware)
		r.Use(s.limiter.Middleware(s.detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
			TooManyRequestsError("Muitas requisições. Tente novamente em instantes.").Write(w, r)
		}))

		r.Get("/dashboard", s.handleDashboard)
		r.Get("/report", s.handleReport)
		r.Get("/notices", s.handleNotices)
		r.Get("/deliveries", s.handleListDeliveries)
		r.Post("/deliveries", s.handleCreateDelivery)
		r.Post("/deliveries/trim", s.handleTrimDeliveries)
		r.Delete("/deliveries/{id}", s.handleDeleteDelivery)
		r.Get("/export", s.handleExport)
		r.Get("/storage", s.handleStorage)
		r.Post("/worker/skip-waiting", s.handleSkipWaiting)
		r.Post("/sync", s.handleSync)
	})

	return r
}

// Shutdown stops the HTTP server and the rate limiter cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// serveShellFile serves one embedded shell file. ServeContent handles
// conditional requests; the embed FS carries no modification time.
func (s *Server) serveShellFile(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.shell == nil {
			http.Error(w, "shell not available", http.StatusInternalServerError)
			return
		}
		data, err := fs.ReadFile(s.shell, name)
		if err != nil {
			log.FromContext(r.Context()).ErrorContext(r.Context(), "Shell file missing",
				log.FieldError, err,
				log.FieldPath, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
	}
}
