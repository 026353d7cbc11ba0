// Package rfc9211 builds Cache-Status response header values (RFC 9211).
package rfc9211

import (
	"fmt"
	"net/http"
)

const HeaderName = "Cache-Status"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The cache was configured to not handle this request.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	CacheStatusFwdMethod CacheStatusFwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics did not allow its use.
	CacheStatusFwdRequest CacheStatusFwdReason = "request"

	// The cache was able to select a response for the request, but
	// it was stale.
	CacheStatusFwdStale CacheStatusFwdReason = "stale"
)

// CacheStatus is one member of the Cache-Status list.
type CacheStatus struct {
	cache     string
	status    CacheStatusStatus
	fwdReason CacheStatusFwdReason
	stored    bool
	detail    string
}

// New returns a status for the named cache. The zero status renders as a
// plain forward.
func New(cache string) *CacheStatus {
	return &CacheStatus{cache: cache, status: CacheStatusFwd}
}

func (cs *CacheStatus) Hit() *CacheStatus {
	cs.status = CacheStatusHit
	cs.fwdReason = ""
	return cs
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) *CacheStatus {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
	return cs
}

// Stored marks that the forwarded response was stored by the cache.
func (cs *CacheStatus) Stored() *CacheStatus {
	cs.stored = true
	return cs
}

func (cs *CacheStatus) Detail(detail string) *CacheStatus {
	cs.detail = detail
	return cs
}

func (cs *CacheStatus) IsHit() bool {
	return cs.status == CacheStatusHit
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cs.cache, cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status += "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

// AppendTo adds the status as the last member of the header's Cache-Status
// list, keeping the members added by caches closer to the origin.
func (cs *CacheStatus) AppendTo(h http.Header) {
	if existing := h.Get(HeaderName); existing != "" {
		h.Set(HeaderName, existing+", "+cs.String())
		return
	}
	h.Set(HeaderName, cs.String())
}
