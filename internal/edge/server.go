// Package edge is the offline proxy that sits in front of the app server.
// Requests go through the active cache version of an offline.Registration;
// a small admin surface under /_edge drives its lifecycle.
package edge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"entregas/internal/amqp"
	"entregas/internal/core"
	"entregas/internal/log"
	"entregas/internal/middleware/trace"
	"entregas/internal/offline"
	"entregas/internal/tracker"
	"entregas/web"
)

const maxMessageBytes = 4 << 10

// ManifestLoader returns the manifest to install on update.
type ManifestLoader func() (offline.Manifest, error)

type Server struct {
	*http.Server
	registration   *offline.Registration
	loadManifest   ManifestLoader
	logger         *log.Logger
	vendorUpstream string
}

type Option func(*Server)

// WithVendorUpstream changes where paths under web.VendorPrefix are fetched.
func WithVendorUpstream(base string) Option {
	return func(s *Server) {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		s.vendorUpstream = base
	}
}

// NewServer builds the proxy to origin and the admin routes. gatherer backs
// GET /metrics and may be nil.
func NewServer(addr string, origin *url.URL, reg *offline.Registration, load ManifestLoader, gatherer prometheus.Gatherer, logger *log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = log.Discard()
	}
	s := &Server{
		registration:   reg,
		loadManifest:   load,
		logger:         logger.WithComponent(log.ComponentEdge),
		vendorUpstream: web.VendorUpstream,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(trace.NewMiddleware(s.logger, nil).Middleware)

	r.Route("/_edge", func(r chi.Router) {
		r.Post("/message", s.handleMessage)
		r.Post("/sync", s.handleSync)
		r.Post("/update", s.handleUpdate)
		r.Get("/status", s.handleStatus)
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Get(web.VendorPrefix+"*", s.handleVendor(s.vendorProxy()))
	r.Handle("/*", s.proxy(origin))

	s.Server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) proxy(origin *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
			pr.Out.Header.Set(trace.RequestIDHeader, trace.GetRequestID(pr.In.Context()))
		},
		Transport: s.registration,
		// the edge already set its own request id
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del(trace.RequestIDHeader)
			return nil
		},
		ErrorHandler: s.proxyError,
	}
}

// vendorProxy fetches third-party shell assets through the registration, so
// the precached copies answer while offline. Requests reach it through
// handleVendor with a validated path.
func (s *Server) vendorProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			rest, _ := web.VendorPath(pr.In.URL.Path)
			target, err := url.Parse(s.vendorUpstream + rest)
			if err == nil {
				pr.Out.URL = target
				pr.Out.Host = ""
			}
			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del("Authorization")
		},
		Transport:    s.registration,
		ErrorHandler: s.proxyError,
	}
}

func (s *Server) handleVendor(proxy http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest, ok := web.VendorPath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if _, err := url.Parse(s.vendorUpstream + rest); err != nil {
			http.NotFound(w, r)
			return
		}
		proxy.ServeHTTP(w, r)
	}
}

func (s *Server) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, core.ErrNetworkFailure) {
		status = http.StatusServiceUnavailable
	}
	s.logger.WarnContext(r.Context(), "Proxy request failed",
		log.FieldOperation, log.OpFetch,
		"path", r.URL.Path,
		log.FieldStatusCode, status,
		log.FieldError, err)
	http.Error(w, http.StatusText(status), status)
}

// Update loads the manifest and installs it. A version that differs from the
// active one ends up waiting for SKIP_WAITING.
func (s *Server) Update(ctx context.Context) error {
	m, err := s.loadManifest()
	if err != nil {
		return err
	}
	return s.registration.Register(ctx, m)
}

// HandleSignal applies a signal received over AMQP. Signals that can never
// succeed are logged and dropped so they are not redelivered.
func (s *Server) HandleSignal(ctx context.Context, sig *amqp.Signal) error {
	err := s.registration.HandleMessage(ctx, offline.Message{Type: sig.Type, Tag: sig.Tag})
	if errors.Is(err, offline.ErrUnknownMessage) || errors.Is(err, offline.ErrUnknownSyncTag) {
		s.logger.WarnContext(ctx, "Dropping signal", "type", sig.Type, "tag", sig.Tag, log.FieldError, err)
		return nil
	}
	return err
}

type statusResponse struct {
	offline.Status
	Notice string `json:"notice,omitempty"`
}

func (s *Server) status() statusResponse {
	st := statusResponse{Status: s.registration.Status()}
	if st.Waiting != "" {
		st.Notice = tracker.MsgNewVersion
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg offline.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message body")
		return
	}
	if err := s.registration.HandleMessage(r.Context(), msg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = offline.SyncTag
	}
	if err := s.registration.HandleSync(r.Context(), tag); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"tag": tag})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.Update(r.Context()); err != nil {
		s.logger.ErrorContext(r.Context(), "Cache update failed", log.FieldOperation, log.OpInstall, log.FieldError, err)
		status := http.StatusBadGateway
		if errors.Is(err, offline.ErrInvalidManifest) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
