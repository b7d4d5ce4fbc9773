package offline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"entregas/internal/core"
	"entregas/internal/log"
)

// Request strategies.
const (
	StrategyCacheFirst   = "cache_first"
	StrategyNetworkFirst = "network_first"
	StrategyPassthrough  = "passthrough"
)

const refreshTimeout = 30 * time.Second

// Worker is one installed cache version. It answers requests from its cache
// storage and the network per resource class: essential shell files are
// served cache-first, everything else network-first.
type Worker struct {
	manifest Manifest
	origin   *url.URL
	urls     resolved
	storage  *CacheStorage
	next     http.RoundTripper
	logger   *log.Logger
	metrics  *Metrics

	background sync.WaitGroup
}

// NewWorker resolves manifest against origin. next performs network fetches.
func NewWorker(m Manifest, origin *url.URL, storage *CacheStorage, next http.RoundTripper, logger *log.Logger, metrics *Metrics) (*Worker, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if origin == nil || origin.Host == "" {
		return nil, fmt.Errorf("%w: origin must be an absolute URL", ErrInvalidManifest)
	}
	urls, err := m.resolve(origin)
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Worker{
		manifest: m,
		origin:   origin,
		urls:     urls,
		storage:  storage,
		next:     next,
		logger:   logger.WithComponent(log.ComponentOffline).With(log.FieldCacheName, m.CacheName),
		metrics:  metrics,
	}, nil
}

func (w *Worker) CacheName() string { return w.manifest.CacheName }

// Install precaches every manifest resource. It is all-or-nothing: on any
// failure nothing is stored and the error is returned.
func (w *Worker) Install(ctx context.Context) error {
	c := w.storage.Open(w.manifest.CacheName)
	if err := c.AddAll(ctx, w.next, w.urls.resources); err != nil {
		w.metrics.install(false)
		if c.Size() == 0 {
			w.storage.Delete(w.manifest.CacheName)
		}
		w.logger.ErrorContext(ctx, "Precache failed", log.FieldOperation, log.OpInstall, log.FieldError, err)
		return fmt.Errorf("install %s: %w", w.manifest.CacheName, err)
	}
	w.metrics.install(true)
	w.metrics.setEntries(c.Name(), c.Size())
	w.logger.InfoContext(ctx, "Cache version installed",
		log.FieldOperation, log.OpInstall,
		log.FieldCount, len(w.urls.resources))
	return nil
}

// Activate deletes every cache other than this version's.
func (w *Worker) Activate(ctx context.Context) []string {
	var removed []string
	for _, name := range w.storage.Names() {
		if name == w.manifest.CacheName {
			continue
		}
		if w.storage.Delete(name) {
			w.metrics.dropCache(name)
			removed = append(removed, name)
			w.logger.InfoContext(ctx, "Removed old cache", log.FieldOperation, log.OpActivate, "removed", name)
		}
	}
	w.metrics.activated()
	return removed
}

// RoundTrip implements http.RoundTripper.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || (req.URL.Scheme != "http" && req.URL.Scheme != "https") {
		return w.next.RoundTrip(req)
	}
	// only GET responses are ever cached
	if req.Method != http.MethodGet && req.Method != "" {
		w.metrics.request(StrategyPassthrough, resultBypass)
		return w.next.RoundTrip(req)
	}

	if w.urls.essential[essentialKey(req.URL)] {
		return w.cacheFirst(req)
	}
	return w.networkFirst(req)
}

func (w *Worker) cacheFirst(req *http.Request) (*http.Response, error) {
	key := cacheKey(req.URL)

	if entry, ok := w.storage.Match(key); ok {
		w.metrics.request(StrategyCacheFirst, resultHit)
		w.refreshInBackground(req, key)
		return entry.Response(req), nil
	}

	resp, err := w.next.RoundTrip(req)
	if err != nil {
		return w.fallback(req, StrategyCacheFirst, err)
	}
	if resp.StatusCode == http.StatusOK {
		if err := w.put(req.Context(), key, resp, StrategyCacheFirst); err != nil {
			return w.fallback(req, StrategyCacheFirst, err)
		}
	}
	w.metrics.request(StrategyCacheFirst, resultNetwork)
	return resp, nil
}

func (w *Worker) networkFirst(req *http.Request) (*http.Response, error) {
	key := cacheKey(req.URL)

	resp, err := w.next.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusOK && w.sameOrigin(req.URL) {
		// a failed body read leaves nothing to return
		err = w.put(req.Context(), key, resp, StrategyNetworkFirst)
	}
	if err == nil {
		w.metrics.request(StrategyNetworkFirst, resultNetwork)
		return resp, nil
	}

	if entry, ok := w.storage.Match(key); ok {
		w.metrics.request(StrategyNetworkFirst, resultHit)
		w.logger.DebugContext(req.Context(), "Network failed, served from cache", log.FieldURL, key)
		return entry.Response(req), nil
	}
	return w.fallback(req, StrategyNetworkFirst, err)
}

// fallback answers with the cached root page, or a NetworkFailure when even
// that is missing.
func (w *Worker) fallback(req *http.Request, strategy string, cause error) (*http.Response, error) {
	if w.urls.fallback != "" {
		if entry, ok := w.storage.Match(w.urls.fallback); ok {
			w.metrics.request(strategy, resultFallback)
			w.logger.WarnContext(req.Context(), "Network failed, served fallback page",
				log.NewFields().WithCache(cacheKey(req.URL), strategy).WithError(cause).ToSlice()...)
			return entry.Response(req), nil
		}
	}
	w.metrics.request(strategy, resultError)
	return nil, fmt.Errorf("%w: %s: %w", core.ErrNetworkFailure, cacheKey(req.URL), cause)
}

// put stores resp in this version's cache. A retired version's cache has
// been deleted and is not brought back. On error resp has no usable body.
func (w *Worker) put(ctx context.Context, key string, resp *http.Response, strategy string) error {
	c, ok := w.storage.Lookup(w.manifest.CacheName)
	if !ok {
		return nil
	}
	if err := c.Put(key, resp); err != nil {
		w.logger.WarnContext(ctx, "Failed to cache response",
			log.NewFields().WithCache(key, strategy).WithError(err).ToSlice()...)
		return err
	}
	w.metrics.setEntries(c.Name(), c.Size())
	return nil
}

// refreshInBackground refetches key and replaces the cached copy on a 200.
// Failures are dropped.
func (w *Worker) refreshInBackground(req *http.Request, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), refreshTimeout)
	bg := req.Clone(ctx)

	w.background.Add(1)
	go func() {
		defer w.background.Done()
		defer cancel()

		resp, err := w.next.RoundTrip(bg)
		if err != nil {
			w.metrics.refresh(resultError)
			w.logger.DebugContext(ctx, "Background refresh failed", log.FieldURL, key, log.FieldError, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			w.metrics.refresh(resultError)
			return
		}
		if err := w.put(ctx, key, resp, StrategyCacheFirst); err != nil {
			w.metrics.refresh(resultError)
			return
		}
		w.metrics.refresh("ok")
	}()
}

// Wait blocks until background refreshes finish.
func (w *Worker) Wait() {
	w.background.Wait()
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return u.Scheme == w.origin.Scheme && u.Host == w.origin.Host
}
