package offlinecache

import (
	"io"
	"net/http"
	"strings"

	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/go-chi/chi/v5"
)

// AdminPrefix is the path the control surface is mounted at on the
// AdminHandler. The proxy itself never serves it.
const AdminPrefix = "/.offline-cache"

var hopByHopRequestHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ServeHTTP implements the http.Handler interface. Every request is proxied
// to the origin.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.handler.ServeHTTP(rw, r)
}

// AdminHandler serves the control surface under AdminPrefix. It is meant for
// a separate, private listener.
func (w *Worker) AdminHandler() http.Handler {
	return w.adminHandler
}

func (w *Worker) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(w.recoverer)
	r.HandleFunc("/*", w.proxy)
	return r
}

func (w *Worker) adminRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(w.recoverer)
	r.Mount(AdminPrefix, w.adminRouter())
	return r
}

func (w *Worker) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				w.log.Error().Str("url", r.URL.String()).Msgf("Recovered from panic: %v", rec)
				http.Error(rw, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

// proxy sends the client request to the origin through the interceptor
// and copies the response back.
func (w *Worker) proxy(rw http.ResponseWriter, r *http.Request) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	w.director(out)
	for _, name := range hopByHopRequestHeaders {
		out.Header.Del(name)
	}
	if ip := getRequestSourceIp(r); ip != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	w.log.Trace().Msgf("proxying %s", out.URL.String())

	res, err := w.RoundTrip(out)
	if err != nil {
		w.log.Error().Err(err).Str("url", out.URL.String()).Msg("Could not connect to origin")
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(rw, res.Body)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
	w.logRequest(r, res)
	w.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		if host == "" {
			return
		}
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func (w *Worker) logRequest(r *http.Request, res *http.Response) {
	cacheStatus := res.Header.Get(rfc9211.HeaderName)
	isHit := 0
	if strings.Contains(cacheStatus, "; hit") {
		isHit = 1
	}
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", res.StatusCode).
		Str("cacheStatus", cacheStatus).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return strings.Trim(ip, "[]")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// upstream proxies add these, some clients do not like them
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
