package offlinecache

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/always-cache/offline-cache/classify"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/rfc9211"
	"github.com/always-cache/offline-cache/strategy"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const offlineNoticeKey = "offline.notice"

var (
	// The first tag is the fallback for unmatched Accept-Language values.
	offlineLanguages = []language.Tag{
		language.MustParse("zh-CN"),
		language.English,
	}
	offlineMatcher = language.NewMatcher(offlineLanguages)
	offlineCatalog = newOfflineCatalog()
)

func newOfflineCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(offlineLanguages[0]))
	b.SetString(offlineLanguages[0], offlineNoticeKey, "您当前处于离线状态，请检查网络连接")
	b.SetString(language.English, offlineNoticeKey, "You are currently offline. Please check your network connection.")
	return b
}

// OfflineNotice returns the offline message for an Accept-Language value.
func OfflineNotice(acceptLanguage string) string {
	tag := offlineLanguages[0]
	if tags, _, err := language.ParseAcceptLanguage(acceptLanguage); err == nil && len(tags) > 0 {
		_, index, confidence := offlineMatcher.Match(tags...)
		if confidence != language.No {
			tag = offlineLanguages[index]
		}
	}
	return message.NewPrinter(tag, message.Catalog(offlineCatalog)).Sprintf(offlineNoticeKey)
}

// OfflineBody is the JSON body of the synthetic offline response.
type OfflineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// offline answers a request after its strategy was exhausted. Page
// requests get their cached copy or the cached site root from the dynamic
// partition; everything else gets a 503 JSON response. It never fails.
func (w *Worker) offline(r *http.Request, class classify.ContentClass) *http.Response {
	if class == classify.Page {
		if res, ok := w.matchDynamic(r, ""); ok {
			return res
		}
		if res, ok := w.matchDynamic(r, w.keyer.GetRootKey(r)); ok {
			return res
		}
	}
	return w.offlineResponse(r)
}

// matchDynamic returns the response stored in the dynamic partition under
// key, or under the request's own key if key is empty.
func (w *Worker) matchDynamic(r *http.Request, key string) (*http.Response, bool) {
	if key == "" {
		k, err := w.keyer.GetKey(r)
		if err != nil {
			return nil, false
		}
		key = k
	}
	ctx := r.Context()
	p, err := w.storage.Open(ctx, w.manifest.PartitionName(PartitionDynamic))
	if err != nil {
		w.log.Warn().Err(err).Msg("Could not open dynamic partition")
		return nil, false
	}
	entry, ok, err := p.Match(ctx, key)
	if err != nil {
		w.log.Warn().Err(err).Str("key", key).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := serializer.BytesToStoredResponse(entry.Bytes)
	if err != nil {
		w.log.Warn().Err(err).Str("key", key).Msg("Could not decode cached response")
		return nil, false
	}
	res.Request = r
	rfc9211.New(strategy.CacheStatusName).Hit().Detail("offline").AppendTo(res.Header)
	w.log.Debug().Str("url", r.URL.String()).Str("key", key).Msg("Serving cached page offline")
	return res, true
}

func (w *Worker) offlineResponse(r *http.Request) *http.Response {
	body, _ := json.Marshal(OfflineBody{
		Error:   "Offline",
		Message: OfflineNotice(r.Header.Get("Accept-Language")),
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	rfc9211.New(strategy.CacheStatusName).Forward(rfc9211.CacheStatusFwdMiss).Detail("offline").AppendTo(header)
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}
