// Package offlinecache is an offline-first asset cache. A Worker intercepts
// requests as an http.RoundTripper, answers them from versioned cache
// partitions or the network, and falls back to an offline response when
// both fail. As an http.Handler it is a caching reverse proxy for one origin.
package offlinecache

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/classify"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/strategy"

	"github.com/rs/zerolog"
)

type Config struct {
	// Storage for cache partitions.
	Storage cache.Storage
	// Version tag, partition table and precache manifest.
	// DefaultManifest() is used if empty.
	Manifest Manifest
	// URL shapes for content classification. Empty fields use the defaults.
	Classify classify.Options
	// URL of the origin server. Precache entries and proxied requests
	// resolve against it.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Network access. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Receives push notifications and window requests. Logged if nil.
	Notifier Notifier
	// Keep an installed worker waiting until a SKIP_WAITING message arrives.
	DeferActivation bool
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// State is the lifecycle state of a worker.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

type Worker struct {
	manifest        Manifest
	storage         cache.Storage
	classifier      classify.Classifier
	keyer           cachekey.CacheKeyer
	executor        *strategy.Executor
	transport       http.RoundTripper
	notifier        Notifier
	origin          url.URL
	director        func(*http.Request)
	deferActivation bool
	log             zerolog.Logger
	handler         http.Handler
	adminHandler    http.Handler

	mutex       sync.RWMutex
	state       State
	controlling bool

	skipOnce    sync.Once
	skipWaiting chan struct{}
}

// CreateWorker validates the configuration and sets up the worker.
// The worker does not intercept anything until Start has activated it.
func CreateWorker(config Config) (*Worker, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	manifest := config.Manifest
	if manifest.Product == "" && manifest.Version == "" && len(manifest.Partitions) == 0 {
		manifest = DefaultManifest()
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	manifest = manifest.clone()

	// create a child logger and add defaults
	logger = logger.With().
		Str("cache", manifest.CacheName()).
		Logger()

	host := config.OriginURL.Host
	hostHeader := host
	transport := config.Transport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if transport == nil {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	var base *url.URL
	if config.OriginURL.Host != "" {
		origin := config.OriginURL
		base = &origin
	}
	keyer := cachekey.NewCacheKeyer(base)

	notifier := config.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}

	w := &Worker{
		manifest:   manifest,
		storage:    config.Storage,
		classifier: classify.New(config.Classify.Merge(classify.DefaultOptions())),
		keyer:      keyer,
		executor: strategy.NewExecutor(strategy.Config{
			Transport: transport,
			Keyer:     keyer,
			Logger:    &logger,
		}),
		transport:       transport,
		notifier:        notifier,
		origin:          config.OriginURL,
		director:        createDirector(config.OriginURL.Scheme, host, hostHeader),
		deferActivation: config.DeferActivation,
		log:             logger,
		state:           StateParsed,
		skipWaiting:     make(chan struct{}),
	}
	w.handler = w.routes()
	w.adminHandler = w.adminRoutes()
	return w, nil
}

// Manifest returns a copy of the worker's manifest.
func (w *Worker) Manifest() Manifest {
	return w.manifest.clone()
}

// CacheName is the version tag of the worker, e.g. "turbopush-v2.0.0".
func (w *Worker) CacheName() string {
	return w.manifest.CacheName()
}

func (w *Worker) State() State {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.state
}

// Controlling reports whether the worker intercepts requests.
func (w *Worker) Controlling() bool {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.controlling
}

func (w *Worker) setState(state State) {
	w.mutex.Lock()
	w.state = state
	w.mutex.Unlock()
	w.log.Debug().Str("state", state.String()).Msg("Worker state changed")
}

// Wait blocks until background revalidations have settled.
func (w *Worker) Wait() {
	w.executor.Background().Wait()
}

// Close waits for background work and closes the storage.
func (w *Worker) Close() error {
	w.executor.Background().Close()
	return w.storage.Close()
}
