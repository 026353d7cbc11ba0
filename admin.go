package offlinecache

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/always-cache/offline-cache/cache"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
)

// Status describes the worker for the control surface.
type Status struct {
	Version     string `json:"version"`
	State       string `json:"state"`
	Controlling bool   `json:"controlling"`
}

// CacheInfo describes one partition for the control surface.
type CacheInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
	Size    string `json:"size"`
}

// CachesInfo is the answer of GET /caches.
type CachesInfo struct {
	Caches []CacheInfo `json:"caches"`
	Bytes  int64       `json:"bytes"`
	Size   string      `json:"size"`
}

const maxControlBody = 64 << 10

func (w *Worker) adminRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/version", w.handleVersion)
	r.Get("/status", w.handleStatus)
	r.Post("/messages", w.handleMessage)
	r.Post("/push", w.handlePush)
	r.Post("/notificationclick", w.handleNotificationClick)
	r.Post("/sync/{tag}", w.handleSync)
	r.Post("/periodic-sync/{tag}", w.handlePeriodicSync)
	r.Get("/caches", w.handleCaches)
	r.Delete("/caches", w.handleClearCaches)
	r.Delete("/caches/{name}", w.handleDeleteCache)
	return r
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func (w *Worker) handleVersion(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, VersionReply{Version: w.CacheName()})
}

func (w *Worker) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, Status{
		Version:     w.CacheName(),
		State:       w.State().String(),
		Controlling: w.Controlling(),
	})
}

// handleMessage answers GET_VERSION with the reply and every other message
// with 202.
func (w *Worker) handleMessage(rw http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&msg); err != nil {
		http.Error(rw, "Malformed message", http.StatusBadRequest)
		return
	}
	port := make(ChannelPort, 1)
	if err := w.HandleMessage(msg, port); err != nil {
		w.log.Error().Err(err).Msg("Could not handle message")
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	select {
	case reply := <-port:
		writeJSON(rw, http.StatusOK, reply)
	default:
		rw.WriteHeader(http.StatusAccepted)
	}
}

func (w *Worker) handlePush(rw http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(rw, "Could not read body", http.StatusBadRequest)
		return
	}
	w.Push(r.Context(), data)
	rw.WriteHeader(http.StatusAccepted)
}

func (w *Worker) handleNotificationClick(rw http.ResponseWriter, r *http.Request) {
	w.NotificationClick(r.Context())
	rw.WriteHeader(http.StatusAccepted)
}

func (w *Worker) handleSync(rw http.ResponseWriter, r *http.Request) {
	w.Sync(r.Context(), chi.URLParam(r, "tag"))
	rw.WriteHeader(http.StatusAccepted)
}

func (w *Worker) handlePeriodicSync(rw http.ResponseWriter, r *http.Request) {
	w.PeriodicSync(r.Context(), chi.URLParam(r, "tag"))
	rw.WriteHeader(http.StatusAccepted)
}

func (w *Worker) handleCaches(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := w.storage.Names(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not list partitions")
		http.Error(rw, "Could not list caches", http.StatusInternalServerError)
		return
	}
	info := CachesInfo{Caches: make([]CacheInfo, 0, len(names))}
	for _, name := range names {
		p, err := w.storage.Open(ctx, name)
		if err != nil {
			w.log.Error().Err(err).Str("partition", name).Msg("Could not open partition")
			http.Error(rw, "Could not open cache", http.StatusInternalServerError)
			return
		}
		stats, err := cache.PartitionStats(ctx, p)
		if err != nil {
			w.log.Error().Err(err).Str("partition", name).Msg("Could not read partition")
			http.Error(rw, "Could not read cache", http.StatusInternalServerError)
			return
		}
		info.Caches = append(info.Caches, CacheInfo{
			Name:    stats.Name,
			Entries: stats.Entries,
			Bytes:   stats.Bytes,
			Size:    humanize.Bytes(uint64(stats.Bytes)),
		})
		info.Bytes += stats.Bytes
	}
	info.Size = humanize.Bytes(uint64(info.Bytes))
	writeJSON(rw, http.StatusOK, info)
}

func (w *Worker) handleDeleteCache(rw http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	deleted, err := w.storage.Delete(r.Context(), name)
	if err != nil {
		w.log.Error().Err(err).Str("partition", name).Msg("Could not delete partition")
		http.Error(rw, "Could not delete cache", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(rw, "Cache not found", http.StatusNotFound)
		return
	}
	w.log.Info().Str("partition", name).Msg("Deleted partition")
	rw.WriteHeader(http.StatusNoContent)
}

// handleClearCaches deletes every partition.
func (w *Worker) handleClearCaches(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := w.storage.Names(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not list partitions")
		http.Error(rw, "Could not list caches", http.StatusInternalServerError)
		return
	}
	for _, name := range names {
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.log.Error().Err(err).Str("partition", name).Msg("Could not delete partition")
			http.Error(rw, "Could not delete cache", http.StatusInternalServerError)
			return
		}
	}
	w.log.Info().Int("partitions", len(names)).Msg("Cleared caches")
	rw.WriteHeader(http.StatusNoContent)
}
