// Package strategy implements the caching algorithms that answer a request
// from a cache partition, the network, or both.
package strategy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CacheStatusName identifies this cache in Cache-Status headers.
const CacheStatusName = "Offline-Cache"

var tracer = otel.Tracer("github.com/always-cache/offline-cache/strategy")

// FetcherFunc adapts a function to http.RoundTripper.
type FetcherFunc func(*http.Request) (*http.Response, error)

func (f FetcherFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

type Config struct {
	// Network access. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Request to key mapping.
	Keyer cachekey.CacheKeyer
	// Queue for stale-while-revalidate fetches. A new one is created if nil.
	Background *Background
	// Logger to use. Logging is disabled if nil.
	Logger *zerolog.Logger
}

// Executor runs strategies against partitions.
type Executor struct {
	transport  http.RoundTripper
	keyer      cachekey.CacheKeyer
	background *Background
	log        zerolog.Logger
	now        func() time.Time
}

func NewExecutor(config Config) *Executor {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	e := &Executor{
		transport:  config.Transport,
		keyer:      config.Keyer,
		background: config.Background,
		log:        logger,
		now:        time.Now,
	}
	if e.transport == nil {
		e.transport = http.DefaultTransport
	}
	if e.background == nil {
		e.background = NewBackground(logger)
	}
	return e
}

// Background returns the queue revalidation tasks are submitted to.
func (e *Executor) Background() *Background {
	return e.background
}

// Run executes the strategy of the given kind.
// The returned error is always an exhaustion error, see IsExhausted.
func (e *Executor) Run(kind Kind, r *http.Request, p cache.Partition) (*http.Response, error) {
	ctx, span := tracer.Start(r.Context(), "strategy "+kind.String(), trace.WithAttributes(
		attribute.String("cache.partition", p.Name()),
		attribute.String("url.full", r.URL.String()),
	))
	defer span.End()
	r = r.WithContext(ctx)

	var res *http.Response
	var err error
	switch kind {
	case CacheFirst:
		res, err = e.CacheFirst(r, p)
	case NetworkFirst:
		res, err = e.NetworkFirst(r, p)
	case StaleWhileRevalidate:
		res, err = e.StaleWhileRevalidate(r, p)
	default:
		res, err = e.NetworkOnly(r)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "strategy exhausted")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))
	return res, nil
}

// CacheFirst answers from the partition and only fetches on a miss.
func (e *Executor) CacheFirst(r *http.Request, p cache.Partition) (*http.Response, error) {
	if res, ok := e.match(r, p); ok {
		rfc9211.New(CacheStatusName).Hit().AppendTo(res.Header)
		return res, nil
	}
	res, err := e.fetch(r)
	if err != nil {
		return nil, exhausted(err, r, p)
	}
	cs := rfc9211.New(CacheStatusName).Forward(rfc9211.CacheStatusFwdUriMiss)
	if storable(res) && e.store(r, res, p) {
		cs.Stored()
	}
	cs.AppendTo(res.Header)
	return res, nil
}

// NetworkFirst fetches and falls back to the partition when the fetch fails.
// Responses that are not storable are returned as they are.
func (e *Executor) NetworkFirst(r *http.Request, p cache.Partition) (*http.Response, error) {
	res, err := e.fetch(r)
	if err == nil {
		cs := rfc9211.New(CacheStatusName).Forward(rfc9211.CacheStatusFwdMiss)
		if storable(res) && e.store(r, res, p) {
			cs.Stored()
		}
		cs.AppendTo(res.Header)
		return res, nil
	}
	e.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network failed, trying cache")
	if cached, ok := e.match(r, p); ok {
		rfc9211.New(CacheStatusName).Hit().Detail("offline").AppendTo(cached.Header)
		return cached, nil
	}
	return nil, exhausted(err, r, p)
}

type fetchResult struct {
	res    *http.Response
	stored bool
	err    error
}

// StaleWhileRevalidate starts a background fetch that refreshes the
// partition, and answers from the partition if it can. On a miss it waits
// for the background fetch.
func (e *Executor) StaleWhileRevalidate(r *http.Request, p cache.Partition) (*http.Response, error) {
	results := make(chan fetchResult, 1)
	e.background.Go(r.Context(), func(ctx context.Context) error {
		bg := r.Clone(ctx)
		res, err := e.fetch(bg)
		if err != nil {
			results <- fetchResult{err: err}
			return err
		}
		stored := false
		if storable(res) {
			stored = e.store(bg, res, p)
		} else if err := bufferBody(res); err != nil {
			results <- fetchResult{err: err}
			return err
		}
		results <- fetchResult{res: res, stored: stored}
		return nil
	})

	if cached, ok := e.match(r, p); ok {
		rfc9211.New(CacheStatusName).Hit().AppendTo(cached.Header)
		return cached, nil
	}

	result := <-results
	if result.err != nil {
		return nil, exhausted(result.err, r, p)
	}
	cs := rfc9211.New(CacheStatusName).Forward(rfc9211.CacheStatusFwdUriMiss)
	if result.stored {
		cs.Stored()
	}
	cs.AppendTo(result.res.Header)
	return result.res, nil
}

// NetworkOnly fetches and never touches a partition.
func (e *Executor) NetworkOnly(r *http.Request) (*http.Response, error) {
	res, err := e.fetch(r)
	if err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeUnavailable, "strategy exhausted", map[string]interface{}{
			"url": r.URL.String(),
		})
	}
	rfc9211.New(CacheStatusName).Forward(rfc9211.CacheStatusFwdBypass).AppendTo(res.Header)
	return res, nil
}

// IsExhausted reports whether err means that neither the network nor the
// cache could answer.
func IsExhausted(err error) bool {
	return errors.GetCode(err) == errors.CodeUnavailable
}

func exhausted(err error, r *http.Request, p cache.Partition) error {
	return errors.WrapWithContext(err, errors.CodeUnavailable, "strategy exhausted", map[string]interface{}{
		"partition": p.Name(),
		"url":       r.URL.String(),
	})
}

// storable reports whether res may be written to a partition: a complete
// 200 response that does not forbid shared storage.
func storable(res *http.Response) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	for _, value := range res.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "no-store", "private":
				return false
			}
		}
	}
	return true
}

func (e *Executor) fetch(r *http.Request) (*http.Response, error) {
	e.log.Trace().Str("url", r.URL.String()).Msg("Fetching from network")
	return e.transport.RoundTrip(r)
}

// match returns the stored response for the request. Storage and decoding
// errors are logged and count as a miss.
func (e *Executor) match(r *http.Request, p cache.Partition) (*http.Response, bool) {
	key, err := e.keyer.GetKey(r)
	if err != nil {
		return nil, false
	}
	entry, ok, err := p.Match(r.Context(), key)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Str("partition", p.Name()).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		e.log.Trace().Str("key", key).Str("partition", p.Name()).Msg("Cache miss")
		return nil, false
	}
	res, err := serializer.BytesToStoredResponse(entry.Bytes)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Str("partition", p.Name()).Msg("Could not decode cached response")
		return nil, false
	}
	res.Request = r
	e.log.Trace().Str("key", key).Str("partition", p.Name()).Msg("Cache hit")
	return res, true
}

// store writes a copy of res to the partition. res stays readable.
// Errors are logged and reported as not stored.
func (e *Executor) store(r *http.Request, res *http.Response, p cache.Partition) bool {
	key, err := e.keyer.GetKey(r)
	if err != nil {
		return false
	}
	if res.Request == nil {
		res.Request = r
	}
	bts, err := serializer.StoredResponseToBytes(res)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("Could not serialize response")
		return false
	}
	if err := p.Put(r.Context(), cache.Entry{Key: key, StoredAt: e.now(), Bytes: bts}); err != nil {
		if errors.Is(err, cache.ErrEntryTooLarge) {
			e.log.Debug().Err(err).Str("key", key).Str("partition", p.Name()).Msg("Not caching oversized response")
			return false
		}
		e.log.Error().Err(err).Str("key", key).Str("partition", p.Name()).Msg("Could not write to cache")
		return false
	}
	e.log.Trace().Str("key", key).Str("partition", p.Name()).Msgf("Wrote to cache (%d bytes)", len(bts))
	return true
}

func bufferBody(res *http.Response) error {
	if res.Body == nil {
		return nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return nil
}
