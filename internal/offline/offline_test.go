package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entregas/internal/core"
)

// switchable is a transport that can be taken offline.
type switchable struct {
	down  atomic.Bool
	calls atomic.Int32
}

func (s *switchable) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type origin struct {
	*httptest.Server
	version atomic.Int32
	hits    atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.version.Store(1)
	mux := http.NewServeMux()
	page := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "%s v%d", name, o.version.Load())
		}
	}
	mux.HandleFunc("/{$}", page("index"))
	mux.HandleFunc("/index.html", page("index"))
	mux.HandleFunc("/style.css", page("style"))
	mux.HandleFunc("/script.js", page("script"))
	mux.HandleFunc("/manifest.json", page("manifest"))
	mux.HandleFunc("/api/data", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "data %d", o.hits.Add(1))
	})
	mux.HandleFunc("/api/teapot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "short and stout")
	})
	mux.HandleFunc("/broken", http.NotFound)
	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func (o *origin) url(t *testing.T) *url.URL {
	u, err := url.Parse(o.URL)
	require.NoError(t, err)
	return u
}

func testManifest(name string) Manifest {
	return Manifest{
		CacheName: name,
		Fallback:  "./index.html",
		Resources: []string{"./", "./index.html", "./style.css", "./script.js", "./manifest.json"},
		Essential: []string{"./", "./index.html", "./style.css", "./script.js"},
	}
}

func get(t *testing.T, rt http.RoundTripper, rawURL string) (string, *http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body), resp, nil
}

func setup(t *testing.T) (*origin, *switchable, *Registration, *CacheStorage, *prometheus.Registry) {
	t.Helper()
	o := newOrigin(t)
	net := &switchable{}
	storage := NewCacheStorage(64)
	reg := prometheus.NewRegistry()
	r := NewRegistration(storage, o.url(t), net, nil, WithMetrics(NewMetrics(reg)))
	require.NoError(t, r.Register(context.Background(), testManifest("v1")))
	return o, net, r, storage, reg
}

func TestDefaultManifest(t *testing.T) {
	m := DefaultManifest()
	assert.Equal(t, "entregas-v3-cache-v3", m.CacheName)
	assert.Len(t, m.Resources, 8)
	assert.Len(t, m.Essential, 4)
	assert.Equal(t, "./index.html", m.Fallback)

	origin, _ := url.Parse("http://localhost:8081")
	res, err := m.resolve(origin)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8081/", res.resources[0])
	assert.Equal(t, "https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.0.0/css/all.min.css", res.resources[5])
	assert.True(t, res.essential["http://localhost:8081/style.css"])
	assert.False(t, res.essential["http://localhost:8081/manifest.json"])
	assert.Equal(t, "http://localhost:8081/index.html", res.fallback)
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"valid", "cache_name: v9\nresources: [./, ./a.css]\nessential: [./]\nfallback: ./\n", ""},
		{"missing name", "resources: [./]\n", "cache_name is required"},
		{"no resources", "cache_name: v1\n", "resources must not be empty"},
		{"essential not listed", "cache_name: v1\nresources: [./]\nessential: [./x.js]\n", "essential entry"},
		{"fallback not listed", "cache_name: v1\nresources: [./]\nfallback: ./index.html\n", "fallback"},
		{"not yaml", "cache_name: [", "invalid manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidManifest)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	o := newOrigin(t)
	storage := NewCacheStorage(0)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	r := NewRegistration(storage, o.url(t), nil, nil, WithMetrics(metrics))

	m := testManifest("v1")
	m.Resources = append(m.Resources, "./broken")
	err := r.Register(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")

	assert.Empty(t, storage.Names())
	assert.Empty(t, r.Status().Active)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.precache.WithLabelValues(resultError)))
}

func TestFirstVersionActivatesImmediately(t *testing.T) {
	o, _, r, storage, _ := setup(t)

	st := r.Status()
	assert.Equal(t, "v1", st.Active)
	assert.Empty(t, st.Waiting)
	require.Len(t, st.Caches, 1)
	assert.Equal(t, 5, st.Caches[0].Entries)

	_, ok := storage.Match(o.URL + "/")
	assert.True(t, ok)
}

func TestEssentialIsCacheFirstWithBackgroundRefresh(t *testing.T) {
	o, _, r, _, reg := setup(t)
	o.version.Store(2)

	body, resp, err := get(t, r, o.URL+"/style.css")
	require.NoError(t, err)
	assert.Equal(t, "style v1", body, "served from cache")
	assert.Equal(t, "hit", resp.Header.Get("X-Offline-Cache"))

	r.Wait()

	body, _, err = get(t, r, o.URL+"/style.css")
	require.NoError(t, err)
	assert.Equal(t, "style v2", body, "refreshed in the background")
	r.Wait()

	count, err := testutil.GatherAndCount(reg, "entregas_offline_background_refresh_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEssentialOffline(t *testing.T) {
	o, net, r, _, _ := setup(t)
	net.down.Store(true)

	body, _, err := get(t, r, o.URL+"/script.js")
	require.NoError(t, err)
	assert.Equal(t, "script v1", body)
	r.Wait()

	// essential by path but never cached under this exact URL
	body, _, err = get(t, r, o.URL+"/style.css?v=2")
	require.NoError(t, err)
	assert.Equal(t, "index v1", body, "falls back to the root page")
}

func TestNetworkFirst(t *testing.T) {
	o, net, r, storage, _ := setup(t)

	body, _, err := get(t, r, o.URL+"/api/data")
	require.NoError(t, err)
	assert.Equal(t, "data 1", body)

	body, _, err = get(t, r, o.URL+"/api/data")
	require.NoError(t, err)
	assert.Equal(t, "data 2", body, "network wins while online")

	_, _, err = get(t, r, o.URL+"/api/teapot")
	require.NoError(t, err)
	_, cached := storage.Match(o.URL + "/api/teapot")
	assert.False(t, cached, "only 200 responses are cached")

	net.down.Store(true)

	body, _, err = get(t, r, o.URL+"/api/data")
	require.NoError(t, err)
	assert.Equal(t, "data 2", body, "last good response served offline")

	body, _, err = get(t, r, o.URL+"/api/never-seen")
	require.NoError(t, err)
	assert.Equal(t, "index v1", body)
}

func TestNetworkFirstReturnsNonOKResponses(t *testing.T) {
	o, _, r, _, _ := setup(t)

	body, resp, err := get(t, r, o.URL+"/api/teapot")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "short and stout", body)
}

func TestCrossOriginResponsesAreNotCached(t *testing.T) {
	_, _, r, storage, _ := setup(t)
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "font")
	}))
	defer cdn.Close()

	body, _, err := get(t, r, cdn.URL+"/fa-solid-900.woff2")
	require.NoError(t, err)
	assert.Equal(t, "font", body)

	_, cached := storage.Match(cdn.URL + "/fa-solid-900.woff2")
	assert.False(t, cached)
}

func TestNetworkFailureWithoutFallback(t *testing.T) {
	o := newOrigin(t)
	net := &switchable{}
	storage := NewCacheStorage(0)
	r := NewRegistration(storage, o.url(t), net, nil)

	m := testManifest("v1")
	m.Fallback = ""
	require.NoError(t, r.Register(context.Background(), m))

	net.down.Store(true)
	_, _, err := get(t, r, o.URL+"/api/data")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNetworkFailure)
}

func TestNonGETBypassesCache(t *testing.T) {
	o, net, r, _, _ := setup(t)
	net.down.Store(true)

	req, err := http.NewRequest(http.MethodPost, o.URL+"/index.html", strings.NewReader("{}"))
	require.NoError(t, err)
	_, err = r.RoundTrip(req)
	require.Error(t, err, "a POST is never answered from the cache")
	assert.NotErrorIs(t, err, core.ErrNetworkFailure)
}

func TestNonHTTPPassesThrough(t *testing.T) {
	var seen []string
	next := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		seen = append(seen, req.URL.String())
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}, nil
	})
	origin, _ := url.Parse("http://localhost:8081")
	w, err := NewWorker(testManifest("v1"), origin, NewCacheStorage(0), next, nil, nil)
	require.NoError(t, err)

	req := &http.Request{Method: http.MethodGet, URL: &url.URL{Scheme: "chrome-extension", Host: "abc", Path: "/x.js"}, Header: http.Header{}}
	_, err = w.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"chrome-extension://abc/x.js"}, seen)
}

func TestUpdateWaitsForSkipWaiting(t *testing.T) {
	o, _, r, storage, _ := setup(t)
	o.version.Store(2)

	var announced []string
	r.onUpdate = func(name string) { announced = append(announced, name) }

	require.NoError(t, r.Register(context.Background(), testManifest("v2")))
	assert.Equal(t, []string{"v2"}, announced)

	st := r.Status()
	assert.Equal(t, "v1", st.Active)
	assert.Equal(t, "v2", st.Waiting)
	assert.ElementsMatch(t, []string{"v1", "v2"}, storage.Names())

	// registering the same version again is a no-op
	require.NoError(t, r.Register(context.Background(), testManifest("v2")))
	assert.Len(t, announced, 1)

	require.NoError(t, r.HandleMessage(context.Background(), Message{Type: MessageSkipWaiting}))

	st = r.Status()
	assert.Equal(t, "v2", st.Active)
	assert.Empty(t, st.Waiting)
	assert.Equal(t, []string{"v2"}, storage.Names(), "old cache deleted on activation")

	body, _, err := get(t, r, o.URL+"/index.html")
	require.NoError(t, err)
	assert.Equal(t, "index v2", body)
	r.Wait()

	assert.False(t, r.SkipWaiting(context.Background()), "nothing left waiting")
}

func TestHandleMessage(t *testing.T) {
	_, _, r, _, _ := setup(t)
	ctx := context.Background()

	assert.NoError(t, r.HandleMessage(ctx, Message{Type: MessageSync, Tag: SyncTag}))
	assert.ErrorIs(t, r.HandleMessage(ctx, Message{Type: MessageSync, Tag: "other"}), ErrUnknownSyncTag)
	assert.ErrorIs(t, r.HandleMessage(ctx, Message{Type: "CLAIM"}), ErrUnknownMessage)
	assert.NoError(t, r.HandleMessage(ctx, Message{Type: MessageSkipWaiting}), "no waiting version is not an error")
}

func TestRoundTripBeforeRegistration(t *testing.T) {
	o := newOrigin(t)
	r := NewRegistration(NewCacheStorage(0), o.url(t), nil, nil)

	body, _, err := get(t, r, o.URL+"/index.html")
	require.NoError(t, err)
	assert.Equal(t, "index v1", body)
}

func TestCacheEviction(t *testing.T) {
	o := newOrigin(t)
	storage := NewCacheStorage(6)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	r := NewRegistration(storage, o.url(t), nil, nil, WithMetrics(metrics))
	require.NoError(t, r.Register(context.Background(), testManifest("v1")))

	for i := 0; i < 3; i++ {
		_, _, err := get(t, r, fmt.Sprintf("%s/api/data?page=%d", o.URL, i))
		require.NoError(t, err)
	}

	c, ok := storage.Lookup("v1")
	require.True(t, ok)
	assert.Equal(t, 6, c.Size())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.evictions.WithLabelValues("v1")))
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }
func (failingBody) Close() error             { return nil }

func TestUnreadableBodyFallsBack(t *testing.T) {
	o := newOrigin(t)
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/api/reset" {
			return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: failingBody{}, Request: req}, nil
		}
		return http.DefaultTransport.RoundTrip(req)
	})
	r := NewRegistration(NewCacheStorage(0), o.url(t), rt, nil)
	require.NoError(t, r.Register(context.Background(), testManifest("v1")))

	body, _, err := get(t, r, o.URL+"/api/reset")
	require.NoError(t, err)
	assert.Equal(t, "index v1", body, "a body that cannot be read is answered by the fallback page")
}

func TestCachePutReadError(t *testing.T) {
	c := NewCacheStorage(0).Open("v1")
	resp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: failingBody{}}

	err := c.Put("http://origin/api/reset", resp)
	require.Error(t, err)
	assert.Equal(t, http.NoBody, resp.Body)
	assert.Zero(t, c.Size())
}
