package http

import (
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"entregas/internal/amqp"
	"entregas/internal/log"
	"entregas/internal/offline"
	"entregas/internal/tracker"
	appweb "entregas/web"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).String(),
	}).Write(w, r)
}

// handleReady reports whether the server can do useful work. A session in
// flat-key fallback mode is still ready; it is reported as degraded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]interface{})

	if s.shell == nil {
		checks["shell"] = "failed: shell not embedded"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else if _, err := fs.Stat(s.shell, "index.html"); err != nil {
		checks["shell"] = "failed: index.html missing"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["shell"] = "ok"
	}

	if s.deps.Tracker == nil {
		checks["store"] = "not_configured"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else if s.deps.Tracker.Degraded() {
		checks["store"] = "degraded: flat-key fallback"
	} else {
		checks["store"] = "ok"
	}

	if s.deps.Signals == nil {
		checks["signals"] = "disabled"
	} else {
		checks["signals"] = "ok"
	}

	checks["rate_limiter"] = map[string]interface{}{
		"active_clients": s.limiter.ActiveClients(),
		"status":         "ok",
	}

	NewJSONResponse().Status(httpStatus).Body(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	}).Write(w, r)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(s.deps.Tracker.Dashboard()).Write(w, r)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(s.deps.Tracker.Report()).Write(w, r)
}

// handleNotices hands out pending notices once.
func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	s.noticesMu.Lock()
	pending := s.notices
	s.notices = nil
	s.noticesMu.Unlock()

	if pending == nil {
		pending = []tracker.Notice{}
	}
	NewJSONResponse().Body(map[string]interface{}{"notices": pending}).Write(w, r)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]interface{}{
		"deliveries": s.deps.Tracker.History(),
	}).Write(w, r)
}

func (s *Server) handleCreateDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	in, err := ParseDeliveryInput(r)
	if err != nil {
		logger.WarnContext(ctx, "Rejected delivery input", log.FieldError, err)
		ResultResponse(tracker.Reject(err), http.StatusCreated).Write(w, r)
		return
	}

	res := s.deps.Tracker.Add(ctx, in.Date, in.Quantity)
	if res.Outcome == tracker.LocalOnly {
		logger.WarnContext(ctx, "Delivery saved to flat store only", log.FieldError, res.Err)
	}
	ResultResponse(res, http.StatusCreated).Write(w, r)
}

func (s *Server) handleDeleteDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := parseDeliveryID(chi.URLParam(r, "id"))
	if err != nil {
		BadRequestError(err.Error()).Write(w, r)
		return
	}

	res := s.deps.Tracker.Remove(ctx, id)
	if res.Outcome == tracker.LocalOnly {
		log.FromContext(ctx).WarnContext(ctx, "Removal saved to flat store only", log.FieldError, res.Err)
	}
	ResultResponse(res, http.StatusOK).Write(w, r)
}

func (s *Server) handleTrimDeliveries(w http.ResponseWriter, r *http.Request) {
	ResultResponse(s.deps.Tracker.TrimOld(r.Context()), http.StatusOK).Write(w, r)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data, filename, err := s.deps.Tracker.Export(ctx)
	if err != nil {
		log.FromContext(ctx).ErrorContext(ctx, "Export failed",
			log.FieldError, err,
			log.FieldOperation, log.OpExport)
		InternalServerError("Erro ao exportar dados").Write(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", contentDisposition(filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		ServiceUnavailableError("storage usage not available").Write(w, r)
		return
	}
	NewJSONResponse().Body(s.deps.Usage.Latest()).Write(w, r)
}

func (s *Server) handleSkipWaiting(w http.ResponseWriter, r *http.Request) {
	s.publish(w, r, amqp.NewSignal(amqp.SignalSkipWaiting, ""))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = offline.SyncTag
	}
	s.publish(w, r, amqp.NewSignal(amqp.SignalSync, sanitizeInput(tag)))
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request, sig *amqp.Signal) {
	ctx := r.Context()
	if s.deps.Signals == nil {
		ServiceUnavailableError("signals are disabled").Write(w, r)
		return
	}

	if err := s.deps.Signals.PublishSignal(ctx, sig); err != nil {
		log.FromContext(ctx).ErrorContext(ctx, "Failed to publish signal",
			log.FieldError, err,
			"type", sig.Type)
		if errors.Is(err, amqp.ErrInvalidSignal) {
			BadRequestError(err.Error()).Write(w, r)
			return
		}
		ServiceUnavailableError("signal not delivered").Write(w, r)
		return
	}

	NewJSONResponse().Status(http.StatusAccepted).Body(sig).Write(w, r)
}

// handleVendor sends third-party shell assets to their upstream. The edge
// answers the same paths from its cache.
func (s *Server) handleVendor(w http.ResponseWriter, r *http.Request) {
	rest, ok := appweb.VendorPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, appweb.VendorUpstream+rest, http.StatusFound)
}
