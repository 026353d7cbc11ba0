package strategy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// origin is a fake network. It answers with the configured status and body
// and counts the requests it receives.
type origin struct {
	mutex  sync.Mutex
	status int
	body   string
	err    error
	calls  atomic.Int32
}

func (o *origin) RoundTrip(r *http.Request) (*http.Response, error) {
	o.calls.Add(1)
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	return &http.Response{
		StatusCode: o.status,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(o.body)),
		Request:    r,
	}, nil
}

func (o *origin) set(status int, body string, err error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.status, o.body, o.err = status, body, err
}

func newExecutor(t *testing.T, transport http.RoundTripper) *Executor {
	e := NewExecutor(Config{
		Transport: transport,
		Keyer:     cachekey.NewCacheKeyer(nil),
	})
	t.Cleanup(e.Background().Wait)
	return e
}

func newPartition(t *testing.T, name string) cache.Partition {
	p, err := cache.NewMemStorage().Open(context.Background(), name)
	require.NoError(t, err)
	return p
}

func get(t *testing.T, url string) *http.Request {
	r, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return r
}

func body(t *testing.T, res *http.Response) string {
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func put(t *testing.T, p cache.Partition, url, content string) {
	res := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(content)),
		Request:    get(t, url),
	}
	bts, err := serializer.StoredResponseToBytes(res)
	require.NoError(t, err)
	require.NoError(t, p.Put(context.Background(), cache.Entry{Key: url, StoredAt: time.Now(), Bytes: bts}))
}

func stored(t *testing.T, p cache.Partition, url string) (string, bool) {
	entry, ok, err := p.Match(context.Background(), url)
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	res, err := serializer.BytesToStoredResponse(entry.Bytes)
	require.NoError(t, err)
	assert.Empty(t, res.Header.Get(rfc9211.HeaderName), "Cache-Status must not be stored")
	return body(t, res), true
}

const assetURL = "https://turbopush.example/_next/static/chunks/app.js"

func TestCacheFirstHitDoesNotFetch(t *testing.T) {
	o := &origin{}
	o.set(200, "network", nil)
	e := newExecutor(t, o)
	p := newPartition(t, "turbopush-static-v2.0.0")
	put(t, p, assetURL, "cached")

	res, err := e.CacheFirst(get(t, assetURL), p)
	require.NoError(t, err)
	assert.Equal(t, "cached", body(t, res))
	assert.Equal(t, "Offline-Cache; hit", res.Header.Get(rfc9211.HeaderName))
	assert.Equal(t, int32(0), o.calls.Load())
}

func TestCacheFirstMissStores(t *testing.T) {
	o := &origin{}
	o.set(200, "network", nil)
	e := newExecutor(t, o)
	p := newPartition(t, "turbopush-static-v2.0.0")

	res, err := e.CacheFirst(get(t, assetURL+"#frag"), p)
	require.NoError(t, err)
	assert.Equal(t, "network", body(t, res))
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; stored", res.Header.Get(rfc9211.HeaderName))

	content, ok := stored(t, p, assetURL)
	require.True(t, ok)
	assert.Equal(t, "network", content)

	// second request is a hit
	res, err = e.CacheFirst(get(t, assetURL), p)
	require.NoError(t, err)
	assert.Equal(t, "network", body(t, res))
	assert.Equal(t, int32(1), o.calls.Load())
}

func TestCacheFirstDoesNotStoreNonOK(t *testing.T) {
	o := &origin{}
	o.set(404, "not found", nil)
	e := newExecutor(t, o)
	p := newPartition(t, "turbopush-static-v2.0.0")

	res, err := e.CacheFirst(get(t, assetURL), p)
	require.NoError(t, err)
	assert.Equal(t, 404, res.StatusCode)
	assert.Equal(t, "Offline-Cache; fwd=uri-miss", res.Header.Get(rfc9211.HeaderName))
	_, ok := stored(t, p, assetURL)
	assert.False(t, ok)
}

func TestCacheFirstFetchErrorIsExhausted(t *testing.T) {
	o := &origin{}
	o.set(0, "", fmt.Errorf("connection refused"))
	e := newExecutor(t, o)

	_, err := e.CacheFirst(get(t, assetURL), newPartition(t, "turbopush-fonts-v2.0.0"))
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.Contains(t, err.Error(), "connection refused")
}

const pageURL = "https://turbopush.example/features"

func TestNetworkFirstStoresAndOverwrites(t *testing.T) {
	o := &origin{}
	e := newExecutor(t, o)
	p := newPartition(t, "turbopush-dynamic-v2.0.0")

	o.set(200, "first", nil)
	res, err := e.NetworkFirst(get(t, pageURL), p)
	require.NoError(t, err)
	assert.Equal(t, "first", body(t, res))
	assert.Equal(t, "Offline-Cache; fwd=miss; stored", res.Header.Get(rfc9211.HeaderName))

	o.set(200, "second", nil)
	res, err = e.NetworkFirst(get(t, pageURL), p)
	require.NoError(t, err)
	assert.Equal(t, "second", body(t, res))

	content, ok := stored(t, p, pageURL)
	require.True(t, ok)
	assert.Equal(t, "second", content)
}

func TestNetworkFirstReturnsNonOKWithoutStoring(t *testing.T) {
	o := &origin{}
	o.set(500, "oops", nil)
	e := newExecutor(t, o)
	p := newPartition(t, "turbopush-api-v2.0.0")
	put(t, p, pageURL, "cached")

	res, err := e.NetworkFirst(get(t, pageURL), p)
	require.NoError(t, err)
	assert.Equal(t, 500, res.StatusCode)
	assert.Equal(t, "oops", body(t, res))

	content, _ := stored(t, p, pageURL)
	assert.Equal(t, "cached", content)
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	o := &origin{}
	o.set(0, "", fmt.Errorf("network down"))
	e := newExecutor(t, o)
	p := newPartition(t, "turbopush-dynamic-v2.0.0")
	put(t, p, pageURL, "cached")

	res, err := e.NetworkFirst(get(t, pageURL), p)
	require.NoError(t, err)
	assert.Equal(t, "cached", body(t, res))
	assert.Equal(t, "Offline-Cache; hit; detail=offline", res.Header.Get(rfc9211.HeaderName))
}

func TestNetworkFirstExhausted(t *testing.T) {
	o := &origin{}
	o.set(0, "", fmt.Errorf("network down"))
	e := newExecutor(t, o)

	_, err := e.NetworkFirst(get(t, pageURL), newPartition(t, "turbopush-dynamic-v2.0.0"))
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
}

const imageURL = "https://images.unsplash.com/photo-1.jpg"

// gate blocks every fetch until it is opened.
type gate struct {
	origin
	open chan struct{}
}

func (g *gate) RoundTrip(r *http.Request) (*http.Response, error) {
	<-g.open
	return g.origin.RoundTrip(r)
}

func TestStaleWhileRevalidateHitReturnsImmediately(t *testing.T) {
	g := &gate{open: make(chan struct{})}
	g.set(200, "fresh", nil)
	e := newExecutor(t, g)
	p := newPartition(t, "turbopush-images-v2.0.0")
	put(t, p, imageURL, "stale")

	res, err := e.StaleWhileRevalidate(get(t, imageURL), p)
	require.NoError(t, err)
	assert.Equal(t, "stale", body(t, res))
	assert.Equal(t, "Offline-Cache; hit", res.Header.Get(rfc9211.HeaderName))

	close(g.open)
	e.Background().Wait()

	res, err = e.CacheFirst(get(t, imageURL), p)
	require.NoError(t, err)
	assert.Equal(t, "fresh", body(t, res))
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestStaleWhileRevalidateMissWaitsForNetwork(t *testing.T) {
	o := &origin{}
	o.set(200, "fresh", nil)
	e := newExecutor(t, o)
	p := newPartition(t, "turbopush-images-v2.0.0")

	res, err := e.StaleWhileRevalidate(get(t, imageURL), p)
	require.NoError(t, err)
	assert.Equal(t, "fresh", body(t, res))
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; stored", res.Header.Get(rfc9211.HeaderName))

	e.Background().Wait()
	content, ok := stored(t, p, imageURL)
	require.True(t, ok)
	assert.Equal(t, "fresh", content)
}

func TestStaleWhileRevalidateSwallowsBackgroundError(t *testing.T) {
	o := &origin{}
	o.set(0, "", fmt.Errorf("network down"))
	e := newExecutor(t, o)
	p := newPartition(t, "turbopush-images-v2.0.0")
	put(t, p, imageURL, "stale")

	res, err := e.StaleWhileRevalidate(get(t, imageURL), p)
	require.NoError(t, err)
	assert.Equal(t, "stale", body(t, res))
	e.Background().Wait()

	content, _ := stored(t, p, imageURL)
	assert.Equal(t, "stale", content)
}

func TestStaleWhileRevalidateMissFails(t *testing.T) {
	o := &origin{}
	o.set(0, "", fmt.Errorf("network down"))
	e := newExecutor(t, o)

	_, err := e.StaleWhileRevalidate(get(t, imageURL), newPartition(t, "turbopush-images-v2.0.0"))
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
}

func TestStaleWhileRevalidateOutlivesRequestContext(t *testing.T) {
	g := &gate{open: make(chan struct{})}
	g.set(200, "fresh", nil)
	e := newExecutor(t, g)
	p := newPartition(t, "turbopush-images-v2.0.0")
	put(t, p, imageURL, "stale")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := e.StaleWhileRevalidate(get(t, imageURL).WithContext(ctx), p)
	require.NoError(t, err)
	cancel()

	close(g.open)
	e.Background().Wait()
	content, _ := stored(t, p, imageURL)
	assert.Equal(t, "fresh", content)
}

// spyPartition records every call made to it.
type spyPartition struct {
	calls atomic.Int32
}

func (s *spyPartition) Name() string { return "spy" }
func (s *spyPartition) Match(context.Context, string) (cache.Entry, bool, error) {
	s.calls.Add(1)
	return cache.Entry{}, false, nil
}
func (s *spyPartition) Put(context.Context, cache.Entry) error {
	s.calls.Add(1)
	return nil
}
func (s *spyPartition) Delete(context.Context, string) (bool, error) {
	s.calls.Add(1)
	return false, nil
}
func (s *spyPartition) Keys(context.Context) ([]string, error) {
	s.calls.Add(1)
	return nil, nil
}

func TestNetworkOnlyNeverTouchesCache(t *testing.T) {
	o := &origin{}
	o.set(200, "live", nil)
	e := newExecutor(t, o)
	spy := &spyPartition{}

	res, err := e.Run(NetworkOnly, get(t, pageURL), spy)
	require.NoError(t, err)
	assert.Equal(t, "live", body(t, res))
	assert.Equal(t, "Offline-Cache; fwd=bypass", res.Header.Get(rfc9211.HeaderName))
	assert.Equal(t, int32(0), spy.calls.Load())

	o.set(0, "", fmt.Errorf("network down"))
	_, err = e.Run(NetworkOnly, get(t, pageURL), spy)
	assert.True(t, IsExhausted(err))
	assert.Equal(t, int32(0), spy.calls.Load())
}

func TestRunDispatchesByKind(t *testing.T) {
	o := &origin{}
	o.set(200, "network", nil)
	e := newExecutor(t, o)
	p := newPartition(t, "turbopush-static-v2.0.0")
	put(t, p, assetURL, "cached")

	res, err := e.Run(CacheFirst, get(t, assetURL), p)
	require.NoError(t, err)
	assert.Equal(t, "cached", body(t, res))

	res, err = e.Run(NetworkFirst, get(t, assetURL), p)
	require.NoError(t, err)
	assert.Equal(t, "network", body(t, res))
}

type failingPartition struct {
	spyPartition
}

func (f *failingPartition) Match(context.Context, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, fmt.Errorf("disk on fire")
}
func (f *failingPartition) Put(context.Context, cache.Entry) error {
	return fmt.Errorf("disk on fire")
}

func TestStorageErrorsDoNotFailRequests(t *testing.T) {
	o := &origin{}
	o.set(200, "network", nil)
	e := newExecutor(t, o)

	res, err := e.CacheFirst(get(t, assetURL), &failingPartition{})
	require.NoError(t, err)
	assert.Equal(t, "network", body(t, res))
	assert.Equal(t, "Offline-Cache; fwd=uri-miss", res.Header.Get(rfc9211.HeaderName))
}

func TestFetcherFunc(t *testing.T) {
	called := false
	f := FetcherFunc(func(r *http.Request) (*http.Response, error) {
		called = true
		return &http.Response{StatusCode: 204, Body: http.NoBody, Header: http.Header{}}, nil
	})
	e := newExecutor(t, f)
	res, err := e.NetworkOnly(get(t, pageURL))
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 204, res.StatusCode)
}

func TestOnlyCompleteSharedResponsesAreStored(t *testing.T) {
	tests := map[string]struct {
		status       int
		cacheControl string
	}{
		"partial content": {http.StatusPartialContent, ""},
		"no content":      {http.StatusNoContent, ""},
		"no-store":        {http.StatusOK, "no-store"},
		"private":         {http.StatusOK, "max-age=60, Private"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := newExecutor(t, FetcherFunc(func(r *http.Request) (*http.Response, error) {
				header := http.Header{}
				if tt.cacheControl != "" {
					header.Set("Cache-Control", tt.cacheControl)
				}
				return &http.Response{
					StatusCode: tt.status,
					Header:     header,
					Body:       io.NopCloser(strings.NewReader("01")),
					Request:    r,
				}, nil
			}))
			for _, kind := range []Kind{CacheFirst, NetworkFirst, StaleWhileRevalidate} {
				p := newPartition(t, "turbopush-static-v2.0.0")
				res, err := e.Run(kind, get(t, assetURL), p)
				require.NoError(t, err)
				assert.Equal(t, tt.status, res.StatusCode)
				assert.NotContains(t, res.Header.Get(rfc9211.HeaderName), "stored", kind.String())
				e.Background().Wait()

				_, ok := stored(t, p, assetURL)
				assert.False(t, ok, kind.String())
			}
		})
	}

	e := newExecutor(t, FetcherFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Cache-Control": {"public, max-age=31536000, immutable"}},
			Body:       io.NopCloser(strings.NewReader("asset")),
			Request:    r,
		}, nil
	}))
	p := newPartition(t, "turbopush-static-v2.0.0")
	res, err := e.CacheFirst(get(t, assetURL), p)
	require.NoError(t, err)
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; stored", res.Header.Get(rfc9211.HeaderName))
}

type tooSmallPartition struct {
	spyPartition
}

func (f *tooSmallPartition) Put(context.Context, cache.Entry) error {
	return fmt.Errorf("%w: 500000 bytes", cache.ErrEntryTooLarge)
}

func TestOversizedResponsesAreServedNotStored(t *testing.T) {
	o := &origin{}
	o.set(200, "large image", nil)
	e := newExecutor(t, o)

	res, err := e.CacheFirst(get(t, assetURL), &tooSmallPartition{})
	require.NoError(t, err)
	assert.Equal(t, "large image", body(t, res))
	assert.Equal(t, "Offline-Cache; fwd=uri-miss", res.Header.Get(rfc9211.HeaderName))
}
