// Package router decides, for every intercepted GET request, whether to
// serve it from the response cache, the network, or a blend of both, and
// keeps the cache populated as a side effect.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/offlinefirst/cache"
)

// Mode is the request mode reported by the host.
type Mode string

const (
	// ModeNavigate marks top-level page navigations.
	ModeNavigate Mode = "navigate"
	// ModeOther covers subresource and API requests.
	ModeOther Mode = ""
)

// Request is an outgoing request observed by the router.
type Request struct {
	Method string
	// URL is absolute.
	URL    *url.URL
	Mode   Mode
	Header http.Header
}

// Key returns the request identity, if the request has one.
func (r *Request) Key() (string, bool) {
	return cache.Key(r.Method, r.URL.String())
}

// Source records where a response came from.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceFallback    Source = "fallback"
	SourceSynthesized Source = "synthesized"
)

// Response is a fully buffered response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Fetcher performs the single network attempt of a request.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// offlineBody is the JSON payload returned for API requests that fail with
// nothing cached.
type offlineBody struct {
	Error  string `json:"error"`
	Cached bool   `json:"cached"`
}

// Options configures a Router.
type Options struct {
	Rules   Rules
	Cache   cache.Storage
	Fetcher Fetcher
	// Namespaces returns the namespaces that are current right now.
	Namespaces func() cache.Namespaces
	// OfflinePage is the path of the reserved offline page.
	OfflinePage string
	// Now overrides the clock used to stamp cache entries.
	Now func() time.Time
}

// Router serves requests according to its rules.
type Router struct {
	rules       Rules
	cache       cache.Storage
	fetcher     Fetcher
	namespaces  func() cache.Namespaces
	offlinePage string
	now         func() time.Time
}

// New creates a router.
func New(opts Options) *Router {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		rules:       opts.Rules,
		cache:       opts.Cache,
		fetcher:     opts.Fetcher,
		namespaces:  opts.Namespaces,
		offlinePage: opts.OfflinePage,
		now:         now,
	}
}

// Classify returns the rule that applies to req.
func (r *Router) Classify(req *Request) Rule {
	return r.rules.Classify(req)
}

// Handle serves req. It returns false when the request is not intercepted
// and must go to the network untouched.
func (r *Router) Handle(ctx context.Context, req *Request) (*Response, bool) {
	rule := r.rules.Classify(req)
	if rule.Strategy.Kind == Bypass {
		return nil, false
	}
	key, ok := req.Key()
	if !ok {
		return nil, false
	}

	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("url", req.URL.String(), "rule", rule.Name))
	ns := r.namespaces().For(rule.Strategy.Purpose)

	switch rule.Strategy.Kind {
	case CacheFirst:
		return r.cacheFirst(ctx, req, key, ns), true
	case NetworkFirst:
		return r.networkFirst(ctx, req, key, ns, rule.Strategy.Timeout), true
	default:
		return r.dynamic(ctx, req, key, ns), true
	}
}

func (r *Router) cacheFirst(ctx context.Context, req *Request, key, ns string) *Response {
	if resp := r.match(ctx, ns, key); resp != nil {
		return resp
	}

	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		clog.FromContext(ctx).Warnf("static request failed: %v", err)
		return r.offline(ctx, req)
	}
	if resp.OK() {
		r.store(ctx, ns, key, resp)
	}
	return resp
}

func (r *Router) networkFirst(ctx context.Context, req *Request, key, ns string, timeout time.Duration) *Response {
	fctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := r.fetcher.Fetch(fctx, req)
	if err == nil && resp.OK() {
		r.store(ctx, ns, key, resp)
		return resp
	}
	if err != nil {
		clog.FromContext(ctx).Warnf("api request failed, trying cache: %v", err)
	}

	if cached := r.match(ctx, ns, key); cached != nil {
		return cached
	}
	if err == nil {
		// Upstream answered with an error status and nothing is cached.
		return resp
	}
	return offlineJSON()
}

func (r *Router) dynamic(ctx context.Context, req *Request, key, ns string) *Response {
	resp, err := r.fetcher.Fetch(ctx, req)
	if err == nil && resp.OK() {
		r.store(ctx, ns, key, resp)
		return resp
	}
	if err != nil {
		clog.FromContext(ctx).Warnf("dynamic request failed, trying cache: %v", err)
	}

	if cached := r.match(ctx, ns, key); cached != nil {
		return cached
	}
	if err == nil {
		return resp
	}
	if req.Mode == ModeNavigate {
		return r.offline(ctx, req)
	}
	return offlineText()
}

// match returns the cached response for key, or nil.
func (r *Router) match(ctx context.Context, ns, key string) *Response {
	entry, err := r.cache.Match(ctx, ns, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			clog.FromContext(ctx).Warnf("reading cache %s: %v", ns, err)
		}
		return nil
	}
	clog.FromContext(ctx).Debugf("served from cache %s", ns)
	return &Response{
		Status: entry.Status,
		Header: entry.Header,
		Body:   entry.Body,
		Source: SourceCache,
	}
}

// store writes a successful response before it is returned to the caller,
// so a later request for the same key observes it.
func (r *Router) store(ctx context.Context, ns, key string, resp *Response) {
	err := r.cache.Put(ctx, ns, &cache.Entry{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     append([]byte(nil), resp.Body...),
		StoredAt: r.now(),
	})
	if err != nil {
		clog.FromContext(ctx).Warnf("writing cache %s: %v", ns, err)
	}
}

// offline returns the reserved offline page, searching every current
// namespace, or a plain 503 when it is not cached either.
func (r *Router) offline(ctx context.Context, req *Request) *Response {
	if r.offlinePage != "" {
		u := req.URL.ResolveReference(&url.URL{Path: r.offlinePage})
		if key, ok := cache.Key(http.MethodGet, u.String()); ok {
			for _, ns := range r.namespaces().All() {
				if resp := r.match(ctx, ns, key); resp != nil {
					resp.Source = SourceFallback
					return resp
				}
			}
		}
	}
	return offlineText()
}

func offlineJSON() *Response {
	body, _ := json.Marshal(offlineBody{Error: "Offline mode", Cached: false})
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
		Source: SourceSynthesized,
	}
}

func offlineText() *Response {
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte("Offline"),
		Source: SourceSynthesized,
	}
}
