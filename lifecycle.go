package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// buildOutputSegment marks content-hashed build output. It is cached on
// first request instead of at install time.
const buildOutputSegment = "_next"

// Start installs the worker and activates it once skip-waiting has been
// signalled. With DeferActivation it blocks until a SKIP_WAITING message
// arrives or ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	select {
	case <-w.skipWaiting:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.Activate(ctx)
}

// SkipWaiting lets an installed worker activate without waiting.
// It is safe to call more than once.
func (w *Worker) SkipWaiting() {
	w.skipOnce.Do(func() {
		w.log.Debug().Msg("Skip waiting")
		close(w.skipWaiting)
	})
}

// PrecacheURLs returns the precache manifest resolved against the origin,
// without build output.
func (w *Worker) PrecacheURLs() []string {
	urls := make([]string, 0, len(w.manifest.Precache))
	for _, path := range w.manifest.Precache {
		if strings.Contains(path, buildOutputSegment) {
			continue
		}
		ref, err := url.Parse(path)
		if err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("Skipping malformed precache entry")
			continue
		}
		urls = append(urls, w.keyer.Absolute(ref).String())
	}
	return urls
}

// Install opens the static partition and fills it with the precache
// manifest. It is all-or-nothing: unless every precache fetch succeeds
// with an OK status, nothing is written and the worker becomes redundant.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	if err := w.install(ctx); err != nil {
		w.setState(StateRedundant)
		w.log.Error().Err(err).Msg("Install failed")
		return err
	}
	w.setState(StateInstalled)
	if !w.deferActivation {
		w.SkipWaiting()
	}
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	static, err := w.storage.Open(ctx, w.manifest.PartitionName(PartitionStatic))
	if err != nil {
		return err
	}

	urls := w.PrecacheURLs()
	entries := make([]cache.Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			entry, err := w.precache(gctx, u)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, entry := range entries {
		if err := static.Put(ctx, entry); err != nil {
			return err
		}
	}
	w.log.Info().Int("entries", len(entries)).Str("partition", static.Name()).Msg("Precached")
	return nil
}

func (w *Worker) precache(ctx context.Context, u string) (cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return cache.Entry{}, err
	}
	w.director(req)
	res, err := w.transport.RoundTrip(req)
	if err != nil {
		return cache.Entry{}, errors.WrapWithContext(err, errors.CodeNetwork, "precache fetch failed", map[string]interface{}{
			"url": u,
		})
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return cache.Entry{}, errors.WithContext(
			errors.Newf(errors.CodeNetwork, "precache fetch returned %d", res.StatusCode), "url", u)
	}
	if res.Request == nil {
		res.Request = req
	}
	bts, err := serializer.StoredResponseToBytes(res)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("serialize %s: %w", u, err)
	}
	return cache.Entry{Key: u, StoredAt: time.Now(), Bytes: bts}, nil
}

// Activate purges partitions of other versions, trims the live partitions
// to their bounds and takes control of requests. The three steps run
// concurrently; a failure makes the worker redundant.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.deleteStale(gctx)
	})
	for _, pc := range w.manifest.Partitions {
		g.Go(func() error {
			p, err := w.storage.Open(gctx, w.manifest.PartitionName(pc.Partition))
			if err != nil {
				return err
			}
			_, err = w.Trim(gctx, p, pc.MaxEntries)
			return err
		})
	}
	g.Go(func() error {
		w.claim()
		return nil
	})
	if err := g.Wait(); err != nil {
		w.mutex.Lock()
		w.controlling = false
		w.mutex.Unlock()
		w.setState(StateRedundant)
		w.log.Error().Err(err).Msg("Activate failed")
		return err
	}
	w.setState(StateActivated)
	w.log.Info().Msg("Activated")
	return nil
}

// deleteStale deletes every partition whose name is not a live name.
func (w *Worker) deleteStale(ctx context.Context) error {
	live := make(map[string]bool)
	for _, name := range w.manifest.Names() {
		live[name] = true
	}
	names, err := w.storage.Names(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if live[name] {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			return err
		}
		w.log.Debug().Str("partition", name).Msg("Deleted old partition")
	}
	return nil
}

func (w *Worker) claim() {
	w.mutex.Lock()
	w.controlling = true
	w.mutex.Unlock()
	w.log.Debug().Msg("Claimed clients")
}

// Trim deletes the oldest entries of p until at most maxEntries remain.
// It returns the number of deleted entries.
func (w *Worker) Trim(ctx context.Context, p cache.Partition, maxEntries int) (int, error) {
	keys, err := p.Keys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) <= maxEntries {
		return 0, nil
	}
	excess := keys[:len(keys)-maxEntries]
	for _, key := range excess {
		if _, err := p.Delete(ctx, key); err != nil {
			return 0, err
		}
	}
	w.log.Debug().Str("partition", p.Name()).Int("deleted", len(excess)).Msg("Trimmed partition")
	return len(excess), nil
}
