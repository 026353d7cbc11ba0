// Package classify sorts request URLs into content classes.
//
// Classification is a pure function of the URL (path, extension and
// hostname). Rules are evaluated in a fixed order and the first match wins,
// because the categories overlap: a font served from a /static/ path is
// still a font.
package classify

import (
	"net/url"
	"regexp"
	"strings"
)

// ContentClass is the category a request is sorted into before a caching
// strategy is chosen for it.
type ContentClass int

const (
	Default ContentClass = iota
	Font
	StaticAsset
	Image
	API
	Page
)

func (c ContentClass) String() string {
	switch c {
	case Font:
		return "font"
	case StaticAsset:
		return "static-asset"
	case Image:
		return "image"
	case API:
		return "api"
	case Page:
		return "page"
	default:
		return "default"
	}
}

// Options holds the URL shapes the classifier recognizes.
type Options struct {
	FontExtensions   []string `yaml:"fontExtensions"`
	FontHosts        []string `yaml:"fontHosts"`
	StaticSegments   []string `yaml:"staticSegments"`
	StaticExtensions []string `yaml:"staticExtensions"`
	ImageHosts       []string `yaml:"imageHosts"`
	APISegment       string   `yaml:"apiSegment"`
	PagePrefixes     []string `yaml:"pagePrefixes"`
}

// DefaultOptions returns the shapes used by the TurboPush site.
func DefaultOptions() Options {
	return Options{
		FontExtensions:   []string{".woff", ".woff2", ".ttf", ".otf"},
		FontHosts:        []string{"fonts.googleapis.com", "fonts.gstatic.com"},
		StaticSegments:   []string{"/_next/static/", "/static/"},
		StaticExtensions: []string{".js", ".css", ".ico", ".json"},
		ImageHosts:       []string{"images.unsplash.com"},
		APISegment:       "/api/",
		PagePrefixes:     []string{"/features", "/download", "/about", "/contact", "/tech"},
	}
}

// Merge returns o with every empty field filled from defaults.
func (o Options) Merge(defaults Options) Options {
	if len(o.FontExtensions) == 0 {
		o.FontExtensions = defaults.FontExtensions
	}
	if len(o.FontHosts) == 0 {
		o.FontHosts = defaults.FontHosts
	}
	if len(o.StaticSegments) == 0 {
		o.StaticSegments = defaults.StaticSegments
	}
	if len(o.StaticExtensions) == 0 {
		o.StaticExtensions = defaults.StaticExtensions
	}
	if len(o.ImageHosts) == 0 {
		o.ImageHosts = defaults.ImageHosts
	}
	if o.APISegment == "" {
		o.APISegment = defaults.APISegment
	}
	if len(o.PagePrefixes) == 0 {
		o.PagePrefixes = defaults.PagePrefixes
	}
	return o
}

var imagePattern = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp|avif|svg)$`)

// Rule pairs a predicate with the class it assigns.
type Rule struct {
	Class ContentClass
	Match func(*url.URL) bool
}

// Classifier evaluates an ordered list of rules.
type Classifier struct {
	rules []Rule
}

// New builds a classifier from opts. Empty fields fall back to DefaultOptions.
func New(opts Options) Classifier {
	opts = opts.Merge(DefaultOptions())
	return Classifier{rules: []Rule{
		{Font, func(u *url.URL) bool {
			return hasAnySuffix(u.Path, opts.FontExtensions) || hostIn(u, opts.FontHosts)
		}},
		{StaticAsset, func(u *url.URL) bool {
			return containsAny(u.Path, opts.StaticSegments) || hasAnySuffix(u.Path, opts.StaticExtensions)
		}},
		{Image, func(u *url.URL) bool {
			return imagePattern.MatchString(u.Path) || hostIn(u, opts.ImageHosts)
		}},
		{API, func(u *url.URL) bool {
			return strings.HasPrefix(u.Path, opts.APISegment) || strings.Contains(u.Path, opts.APISegment)
		}},
		{Page, func(u *url.URL) bool {
			if u.Path == "/" {
				return true
			}
			for _, prefix := range opts.PagePrefixes {
				if strings.HasPrefix(u.Path, prefix) {
					return true
				}
			}
			return false
		}},
	}}
}

// Classify returns the class of the first matching rule, or Default.
func (c Classifier) Classify(u *url.URL) ContentClass {
	if u == nil {
		return Default
	}
	for _, rule := range c.rules {
		if rule.Match(u) {
			return rule.Class
		}
	}
	return Default
}

var defaultClassifier = New(DefaultOptions())

// Classify classifies u with the default options.
func Classify(u *url.URL) ContentClass {
	return defaultClassifier.Classify(u)
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

func containsAny(s string, parts []string) bool {
	for _, part := range parts {
		if strings.Contains(s, part) {
			return true
		}
	}
	return false
}

func hostIn(u *url.URL, hosts []string) bool {
	host := u.Hostname()
	for _, h := range hosts {
		if host == h {
			return true
		}
	}
	return false
}
