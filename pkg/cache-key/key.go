package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

// CacheKeyer derives partition keys from requests. A key is the absolute
// request URL without its fragment, so the same resource requested with a
// different #anchor maps to one entry.
type CacheKeyer struct {
	// Base resolves relative request URLs, e.g. requests received by the
	// reverse proxy. May be nil when all requests carry absolute URLs.
	Base *url.URL
}

func NewCacheKeyer(base *url.URL) CacheKeyer {
	return CacheKeyer{Base: base}
}

// Absolute returns the absolute form of u, resolved against the keyer's base.
func (c CacheKeyer) Absolute(u *url.URL) *url.URL {
	abs := *u
	if !abs.IsAbs() && c.Base != nil {
		abs = *c.Base.ResolveReference(u)
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return &abs
}

// GetKey returns the cache key for the request.
// Only GET requests have keys.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return c.Absolute(r.URL).String(), nil
}

// GetRootKey returns the key of the site root on the same origin as the request.
func (c CacheKeyer) GetRootKey(r *http.Request) string {
	return c.Absolute(r.URL).ResolveReference(&url.URL{Path: "/"}).String()
}

// GetRequestFromKey generates a GET request that maps to the provided key.
// It returns an error if the key is not an absolute URL.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	u, err := url.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("Malformed key %s: %w", key, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("Malformed key: %s is not absolute", key)
	}
	return http.NewRequest(http.MethodGet, key, nil)
}
