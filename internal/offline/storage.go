package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"entregas/internal/cache"
)

// Entry is a stored response.
type Entry struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Response builds a fresh response from the entry; each call gets its own body.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Offline-Cache", "hit")
	return &http.Response{
		Status:        strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Cache is one named cache version.
type Cache struct {
	name    string
	entries *cache.LRUCache[*Entry]
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) Match(key string) (*Entry, bool) {
	return c.entries.Get(key)
}

// Put reads resp's body into the cache and replaces it with an unread copy,
// so the caller can still return resp. If the body cannot be read nothing is
// stored, resp is left with an empty body and the error is returned.
func (c *Cache) Put(key string, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		resp.Body = http.NoBody
		return fmt.Errorf("read response for %s: %w", key, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	c.entries.Set(key, &Entry{
		URL:        key,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now(),
	})
	return nil
}

func (c *Cache) Delete(key string) {
	c.entries.Delete(key)
}

func (c *Cache) Keys() []string {
	return c.entries.Keys()
}

func (c *Cache) Size() int {
	return c.entries.Size()
}

// AddAll fetches every url and stores them only if all succeed with 200.
// Any failure leaves the cache untouched.
func (c *Cache) AddAll(ctx context.Context, rt http.RoundTripper, urls []string) error {
	fetched := make([]*Entry, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, u := range urls {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return fmt.Errorf("build request for %s: %w", u, err)
			}
			resp, err := rt.RoundTrip(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read %s: %w", u, err)
			}
			fetched[i] = &Entry{
				URL:        u,
				StatusCode: resp.StatusCode,
				Header:     resp.Header.Clone(),
				Body:       body,
				StoredAt:   time.Now(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, e := range fetched {
		c.entries.Set(e.URL, e)
	}
	return nil
}

// CacheStorage holds every named cache, in creation order.
type CacheStorage struct {
	mu         sync.RWMutex
	caches     map[string]*Cache
	order      []string
	maxEntries int
	onEvict    func(cacheName string)
}

// NewCacheStorage creates an empty storage. maxEntries bounds each cache;
// zero or less means unbounded. Manifest entries can be evicted from a cache
// that is too small, so size it above the manifest length.
func NewCacheStorage(maxEntries int) *CacheStorage {
	return &CacheStorage{
		caches:     make(map[string]*Cache),
		maxEntries: maxEntries,
	}
}

// Open returns the named cache, creating it if needed.
func (s *CacheStorage) Open(name string) *Cache {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.caches[name]; ok {
		return c
	}
	entries := cache.NewLRUCache[*Entry](s.maxEntries, 0)
	if s.onEvict != nil {
		onEvict := s.onEvict
		entries.OnEvict(func(string) { onEvict(name) })
	}
	c := &Cache{name: name, entries: entries}
	s.caches[name] = c
	s.order = append(s.order, name)
	return c
}

// Delete drops the named cache and reports whether it existed.
func (s *CacheStorage) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.caches[name]; !ok {
		return false
	}
	delete(s.caches, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Names returns cache names in creation order.
func (s *CacheStorage) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Match looks key up in every cache, oldest first.
func (s *CacheStorage) Match(key string) (*Entry, bool) {
	s.mu.RLock()
	caches := make([]*Cache, 0, len(s.order))
	for _, n := range s.order {
		caches = append(caches, s.caches[n])
	}
	s.mu.RUnlock()

	for _, c := range caches {
		if e, ok := c.Match(key); ok {
			return e, true
		}
	}
	return nil, false
}

// OnEvict registers fn for capacity evictions in caches opened afterwards.
func (s *CacheStorage) OnEvict(fn func(cacheName string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Lookup returns the named cache without creating it.
func (s *CacheStorage) Lookup(name string) (*Cache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caches[name]
	return c, ok
}
