package offlinecache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func admin(w *Worker, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	w.AdminHandler().ServeHTTP(rec, httptest.NewRequest(method, AdminPrefix+path, strings.NewReader(body)))
	return rec
}

func TestAdminVersionAndStatus(t *testing.T) {
	w := newWorker(t, newNetwork())

	rec := admin(w, http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":"turbopush-v2.0.0"}`, rec.Body.String())

	rec = admin(w, http.MethodGet, "/status", "")
	assert.JSONEq(t, `{"version":"turbopush-v2.0.0","state":"parsed","controlling":false}`, rec.Body.String())

	start(t, w)
	rec = admin(w, http.MethodGet, "/status", "")
	assert.JSONEq(t, `{"version":"turbopush-v2.0.0","state":"activated","controlling":true}`, rec.Body.String())
}

func TestAdminMessages(t *testing.T) {
	w := newWorker(t, newNetwork(), func(c *Config) { c.DeferActivation = true })

	rec := admin(w, http.MethodPost, "/messages", `{"type":"GET_VERSION"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":"turbopush-v2.0.0"}`, rec.Body.String())

	rec = admin(w, http.MethodPost, "/messages", `{"type":"PING"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = admin(w, http.MethodPost, "/messages", `{"type":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = admin(w, http.MethodPost, "/messages", `{"type":"SKIP_WAITING"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.Controlling())
}

func TestAdminEvents(t *testing.T) {
	notifier := &recordingNotifier{}
	w := newWorker(t, newNetwork(), func(c *Config) { c.Notifier = notifier })

	rec := admin(w, http.MethodPost, "/push", `{"title":"Release","body":"2.0.0 is out"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = admin(w, http.MethodPost, "/notificationclick", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = admin(w, http.MethodPost, "/sync/contact-form", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = admin(w, http.MethodPost, "/periodic-sync/content-sync", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, notifier.notifications, 1)
	assert.Equal(t, "Release", notifier.notifications[0].Title)
	assert.Equal(t, []string{"/"}, notifier.windows)
}

func TestAdminCaches(t *testing.T) {
	w := newWorker(t, newNetwork())
	start(t, w)

	rec := admin(w, http.MethodGet, "/caches", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var info CachesInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Len(t, info.Caches, 5)
	names := make([]string, 0, len(info.Caches))
	for _, c := range info.Caches {
		names = append(names, c.Name)
		if c.Name == "turbopush-static-v2.0.0" {
			assert.Equal(t, 8, c.Entries)
			assert.Positive(t, c.Bytes)
		} else {
			assert.Zero(t, c.Entries)
		}
	}
	assert.ElementsMatch(t, w.Manifest().Names(), names)
	assert.NotEmpty(t, info.Size)

	rec = admin(w, http.MethodDelete, "/caches/turbopush-api-v2.0.0", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = admin(w, http.MethodDelete, "/caches/turbopush-api-v2.0.0", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = admin(w, http.MethodDelete, "/caches", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	names, err := w.storage.Names(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}
