package offlinecache

import (
	"net/http"
)

// RoundTrip implements http.RoundTripper. GET requests with an http or
// https URL and no Range header are classified and answered by the strategy of their partition;
// when the strategy is exhausted the offline fallback answers instead, so
// intercepted requests never fail. Other requests, and every request while
// the worker is not controlling, go to the network untouched.
func (w *Worker) RoundTrip(r *http.Request) (*http.Response, error) {
	if !intercepts(r) || !w.Controlling() {
		return w.transport.RoundTrip(r)
	}

	class := w.classifier.Classify(r.URL)
	pc := w.manifest.Route(class)
	name := w.manifest.PartitionName(pc.Partition)
	log := w.log.With().
		Str("url", r.URL.String()).
		Str("class", class.String()).
		Str("partition", name).
		Logger()

	p, err := w.storage.Open(r.Context(), name)
	if err != nil {
		log.Error().Err(err).Msg("Could not open partition")
		return w.offline(r, class), nil
	}
	res, err := w.executor.Run(pc.Strategy, r, p)
	if err != nil {
		log.Debug().Err(err).Msg("Strategy exhausted, serving offline fallback")
		return w.offline(r, class), nil
	}
	log.Trace().Str("strategy", pc.Strategy.String()).Int("status", res.StatusCode).Msg("Intercepted")
	return res, nil
}

func intercepts(r *http.Request) bool {
	if r.Method != http.MethodGet || r.URL == nil {
		return false
	}
	// partial content is never stored under the full resource's key
	if r.Header.Get("Range") != "" {
		return false
	}
	return r.URL.Scheme == "http" || r.URL.Scheme == "https"
}
