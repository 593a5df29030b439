// Package offlinefirst composes the offline-first caching layer behind one
// event interface: install, activate, fetch, push, notification click and
// background sync.
//
// A host delivers platform events by calling the Worker's On* methods. The
// Worker is also an http.Handler so it can sit in front of an origin as a
// caching proxy.
package offlinefirst

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/imjasonh/offlinefirst/lifecycle"
	"github.com/imjasonh/offlinefirst/notify"
	"github.com/imjasonh/offlinefirst/reconcile"
	"github.com/imjasonh/offlinefirst/router"
)

// SyncTag is the background sync tag that triggers reconciliation.
const SyncTag = "background-sync"

// SourceHeader reports how the Worker produced a response.
const SourceHeader = "X-Offline-Source"

// Options configures a Worker. Notify and Reconcile are optional.
type Options struct {
	Lifecycle *lifecycle.Manager
	Router    *router.Router
	Notify    *notify.Dispatcher
	Reconcile *reconcile.Worker
	// Origin is the public origin requests are resolved against, so cache
	// identities do not depend on the Host header.
	Origin *url.URL
	// Fallback serves requests the router does not intercept.
	Fallback http.Handler
}

// Worker dispatches platform events to the components.
type Worker struct {
	opts Options
}

// New creates a worker.
func New(opts Options) *Worker {
	return &Worker{opts: opts}
}

// OnInstall pre-caches the current version.
func (w *Worker) OnInstall(ctx context.Context) error {
	return w.opts.Lifecycle.Install(ctx)
}

// OnActivate activates the installed version and sweeps stale namespaces.
func (w *Worker) OnActivate(ctx context.Context) error {
	return w.opts.Lifecycle.Activate(ctx)
}

// Active reports whether the worker controls requests.
func (w *Worker) Active() bool {
	_, ok := w.opts.Lifecycle.Current()
	return ok
}

// OnFetch serves req. It returns false when the request should go to the
// network untouched, which is always the case before activation.
func (w *Worker) OnFetch(ctx context.Context, req *router.Request) (*router.Response, bool) {
	if !w.Active() {
		return nil, false
	}
	return w.opts.Router.Handle(ctx, req)
}

// OnPush renders a pushed payload.
func (w *Worker) OnPush(ctx context.Context, payload []byte) error {
	if w.opts.Notify == nil {
		return nil
	}
	return w.opts.Notify.OnPush(ctx, payload)
}

// OnNotificationClick routes a notification click.
func (w *Worker) OnNotificationClick(ctx context.Context, action string, n notify.Notification) (notify.ClickResult, error) {
	if w.opts.Notify == nil {
		return notify.ClickDismissed, nil
	}
	return w.opts.Notify.OnClick(ctx, action, n)
}

// OnSync handles a background sync event. Unknown tags are ignored.
func (w *Worker) OnSync(ctx context.Context, tag string) error {
	if tag != SyncTag || w.opts.Reconcile == nil {
		clog.FromContext(ctx).Debugf("ignoring sync tag %q", tag)
		return nil
	}
	_, err := w.opts.Reconcile.Sync(ctx)
	return err
}

func mode(r *http.Request) router.Mode {
	if m := r.Header.Get("Sec-Fetch-Mode"); m != "" {
		if m == "navigate" {
			return router.ModeNavigate
		}
		return router.ModeOther
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return router.ModeNavigate
	}
	return router.ModeOther
}

// ServeHTTP adapts an HTTP request to OnFetch.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	ctx := clog.WithLogger(r.Context(), clog.FromContext(r.Context()).With("request_id", id))

	u := *r.URL
	if w.opts.Origin != nil {
		u = *w.opts.Origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}
	req := &router.Request{
		Method: r.Method,
		URL:    &u,
		Mode:   mode(r),
		Header: r.Header.Clone(),
	}

	resp, ok := w.OnFetch(ctx, req)
	if !ok {
		if w.opts.Fallback == nil {
			http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		w.opts.Fallback.ServeHTTP(rw, r.WithContext(ctx))
		return
	}

	h := rw.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set(SourceHeader, string(resp.Source))
	h.Set("X-Request-ID", id)
	rw.WriteHeader(resp.Status)
	if _, err := rw.Write(resp.Body); err != nil {
		clog.FromContext(ctx).Debugf("writing response: %v", err)
	}
}
