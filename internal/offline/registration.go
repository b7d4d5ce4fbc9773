package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"entregas/internal/log"
)

// Message types understood by HandleMessage.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageSync        = "SYNC"
)

// SyncTag is the only background sync tag the app registers.
const SyncTag = "sync-entregas"

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrUnknownSyncTag = errors.New("unknown sync tag")
)

// Message is a signal sent to the registration by the page or the server.
type Message struct {
	Type string `json:"type"`
	Tag  string `json:"tag,omitempty"`
}

// Registration controls which cache version answers requests. The first
// version installed becomes active right away; later versions wait until a
// SKIP_WAITING message arrives. It implements http.RoundTripper by delegating
// to the active version, or straight to the network before any is active.
type Registration struct {
	storage  *CacheStorage
	origin   *url.URL
	next     http.RoundTripper
	logger   *log.Logger
	metrics  *Metrics
	onUpdate func(cacheName string)

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
}

type RegistrationOption func(*Registration)

// WithUpdateHook is called when a new version is installed and waiting.
func WithUpdateHook(fn func(cacheName string)) RegistrationOption {
	return func(r *Registration) { r.onUpdate = fn }
}

func WithMetrics(m *Metrics) RegistrationOption {
	return func(r *Registration) { r.metrics = m }
}

func NewRegistration(storage *CacheStorage, origin *url.URL, next http.RoundTripper, logger *log.Logger, opts ...RegistrationOption) *Registration {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = log.Discard()
	}
	r := &Registration{
		storage: storage,
		origin:  origin,
		next:    next,
		logger:  logger.WithComponent(log.ComponentOffline),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics != nil {
		storage.OnEvict(r.metrics.evicted)
	}
	return r
}

// Register installs the manifest's cache version. Registering the version
// that is already active or waiting does nothing.
func (r *Registration) Register(ctx context.Context, m Manifest) error {
	r.mu.RLock()
	same := (r.active != nil && r.active.CacheName() == m.CacheName) ||
		(r.waiting != nil && r.waiting.CacheName() == m.CacheName)
	r.mu.RUnlock()
	if same {
		return nil
	}

	w, err := NewWorker(m, r.origin, r.storage, r.next, r.logger, r.metrics)
	if err != nil {
		return err
	}
	if err := w.Install(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if r.active == nil {
		r.active = w
		r.mu.Unlock()
		w.Activate(ctx)
		r.logger.InfoContext(ctx, "Cache version active", log.FieldOperation, log.OpActivate, log.FieldCacheName, m.CacheName)
		return nil
	}
	previous := r.waiting
	r.waiting = w
	r.mu.Unlock()

	if previous != nil && previous.CacheName() != m.CacheName {
		r.storage.Delete(previous.CacheName())
	}
	r.logger.InfoContext(ctx, "New cache version waiting", log.FieldOperation, log.OpInstall, log.FieldCacheName, m.CacheName)
	if r.onUpdate != nil {
		r.onUpdate(m.CacheName)
	}
	return nil
}

// SkipWaiting activates the waiting version. It reports whether there was one.
func (r *Registration) SkipWaiting(ctx context.Context) bool {
	r.mu.Lock()
	w := r.waiting
	if w == nil {
		r.mu.Unlock()
		return false
	}
	r.active = w
	r.waiting = nil
	r.mu.Unlock()

	w.Activate(ctx)
	r.logger.InfoContext(ctx, "Cache version active", log.FieldOperation, log.OpActivate, log.FieldCacheName, w.CacheName())
	return true
}

// HandleMessage dispatches a message.
func (r *Registration) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		if !r.SkipWaiting(ctx) {
			r.logger.DebugContext(ctx, "SKIP_WAITING with no waiting version")
		}
		return nil
	case MessageSync:
		return r.HandleSync(ctx, msg.Tag)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// HandleSync accepts a background sync event. There is no remote endpoint to
// push to, so a known tag is only logged.
func (r *Registration) HandleSync(ctx context.Context, tag string) error {
	if tag != SyncTag {
		return fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	r.logger.InfoContext(ctx, "Background sync requested", log.FieldOperation, log.OpSync, "tag", tag)
	return nil
}

// RoundTrip implements http.RoundTripper.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	r.mu.RLock()
	w := r.active
	r.mu.RUnlock()
	if w == nil {
		return r.next.RoundTrip(req)
	}
	return w.RoundTrip(req)
}

// CacheStatus describes one cache in Status.
type CacheStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

// Status is a snapshot of the registration.
type Status struct {
	Active  string        `json:"active,omitempty"`
	Waiting string        `json:"waiting,omitempty"`
	Caches  []CacheStatus `json:"caches"`
}

func (r *Registration) Status() Status {
	r.mu.RLock()
	var st Status
	if r.active != nil {
		st.Active = r.active.CacheName()
	}
	if r.waiting != nil {
		st.Waiting = r.waiting.CacheName()
	}
	r.mu.RUnlock()

	st.Caches = []CacheStatus{}
	for _, name := range r.storage.Names() {
		if c, ok := r.storage.Lookup(name); ok {
			st.Caches = append(st.Caches, CacheStatus{Name: name, Entries: c.Size()})
		}
	}
	return st
}

// Wait blocks until background refreshes of the current versions finish.
func (r *Registration) Wait() {
	r.mu.RLock()
	workers := []*Worker{r.active, r.waiting}
	r.mu.RUnlock()
	for _, w := range workers {
		if w != nil {
			w.Wait()
		}
	}
}
