// Package notify gates notification permission, manages the push channel
// subscription and renders pushed and local notifications.
//
// The host platform's notification and push capabilities are reached through
// the Notifier, PushManager and Clients interfaces.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/offlinefirst/keys"
	"github.com/imjasonh/offlinefirst/ttlcache"
	"github.com/imjasonh/offlinefirst/webpush"
)

// ErrPermissionDenied is returned when the user has not granted
// notification permission.
var ErrPermissionDenied = errors.New("notification permission denied")

// Permission is the platform's notification permission state.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Rendering defaults for pushed messages.
const (
	DefaultTitle  = "AcademGrad"
	DefaultBody   = "New notification from AcademGrad"
	DefaultIcon   = "/icon-192.svg"
	DefaultTag    = "default"
	DefaultTarget = "/dashboard"

	ActionOpen    = "open"
	ActionDismiss = "dismiss"
)

// Action is a button on a rendered notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is what the platform is asked to display.
type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Image              string               `json:"image,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	Data               *webpush.MessageData `json:"data,omitempty"`
	Actions            []Action             `json:"actions,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction,omitempty"`
}

// Notifier displays notifications.
type Notifier interface {
	Permission(ctx context.Context) Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Show(ctx context.Context, n Notification) error
}

// PushManager owns the platform push channel.
type PushManager interface {
	// Subscription returns the current channel, or nil when unsubscribed.
	Subscription(ctx context.Context) (*webpush.Subscription, error)
	// Subscribe returns the existing channel for the key or creates one.
	Subscribe(ctx context.Context, applicationServerKey []byte) (*webpush.Subscription, error)
	Unsubscribe(ctx context.Context) error
}

// Window is an open application window.
type Window interface {
	URL() string
	Focus(ctx context.Context) error
}

// Clients enumerates and opens application windows.
type Clients interface {
	Windows(ctx context.Context) ([]Window, error)
	OpenWindow(ctx context.Context, url string) error
}

// Registrar records push channels with the backend.
type Registrar interface {
	PublicKey(ctx context.Context) (string, error)
	Register(ctx context.Context, sub *webpush.Subscription, userAgent string) error
	Unregister(ctx context.Context, endpoint string) error
}

// Options configures a Dispatcher.
type Options struct {
	Notifier  Notifier
	Push      PushManager
	Clients   Clients
	Registrar Registrar
	// Origin resolves relative click targets.
	Origin    *url.URL
	UserAgent string
	// KeyTTL bounds how long the application server key is memoized.
	KeyTTL time.Duration
}

// Dispatcher implements the notification policy.
type Dispatcher struct {
	opts Options
	keys *ttlcache.Cache[string]
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.KeyTTL <= 0 {
		opts.KeyTTL = time.Hour
	}
	return &Dispatcher{
		opts: opts,
		keys: ttlcache.New[string](opts.KeyTTL),
	}
}

// permit requests permission if the user has not decided yet.
func (d *Dispatcher) permit(ctx context.Context) error {
	p := d.opts.Notifier.Permission(ctx)
	if p == PermissionDefault {
		var err error
		if p, err = d.opts.Notifier.RequestPermission(ctx); err != nil {
			return fmt.Errorf("requesting permission: %w", err)
		}
	}
	if p != PermissionGranted {
		return ErrPermissionDenied
	}
	return nil
}

func (d *Dispatcher) serverKey(ctx context.Context) ([]byte, error) {
	key, err := d.keys.Fetch(ctx, "vapid-public-key", d.opts.KeyTTL, d.opts.Registrar.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("fetching application server key: %w", err)
	}
	raw, err := keys.DecodeApplicationServerKey(key)
	if err != nil {
		d.keys.Delete("vapid-public-key")
		return nil, fmt.Errorf("decoding application server key: %w", err)
	}
	return raw, nil
}

// Enable obtains permission, subscribes the push channel and registers it
// with the backend. Calling it again re-registers the same endpoint.
func (d *Dispatcher) Enable(ctx context.Context) (*webpush.Subscription, error) {
	if err := d.permit(ctx); err != nil {
		return nil, err
	}
	key, err := d.serverKey(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := d.opts.Push.Subscribe(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	if err := d.opts.Registrar.Register(ctx, sub, d.opts.UserAgent); err != nil {
		return nil, fmt.Errorf("registering subscription: %w", err)
	}
	clog.FromContext(ctx).Infof("push enabled for %s", sub.Endpoint)
	return sub, nil
}

// Disable unsubscribes the channel and removes it from the backend. It is a
// no-op when there is no channel.
func (d *Dispatcher) Disable(ctx context.Context) error {
	sub, err := d.opts.Push.Subscription(ctx)
	if err != nil {
		return fmt.Errorf("getting subscription: %w", err)
	}
	if sub == nil {
		return nil
	}
	if err := d.opts.Push.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("unsubscribing: %w", err)
	}
	if err := d.opts.Registrar.Unregister(ctx, sub.Endpoint); err != nil {
		return fmt.Errorf("unregistering subscription: %w", err)
	}
	clog.FromContext(ctx).Infof("push disabled for %s", sub.Endpoint)
	return nil
}

// Render builds the notification for a pushed payload. Payloads that are
// not a JSON object are shown as body text.
func Render(payload []byte) Notification {
	var msg webpush.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		msg = webpush.Message{Body: string(payload)}
	}

	n := Notification{
		Title: msg.Title,
		Body:  msg.Body,
		Icon:  DefaultIcon,
		Badge: DefaultIcon,
		Image: msg.Image,
		Tag:   msg.Tag,
		Data:  msg.Data,
		Actions: []Action{
			{Action: ActionOpen, Title: "Open", Icon: DefaultIcon},
			{Action: ActionDismiss, Title: "Dismiss", Icon: DefaultIcon},
		},
		RequireInteraction: true,
	}
	if n.Title == "" {
		n.Title = DefaultTitle
	}
	if n.Body == "" {
		n.Body = DefaultBody
	}
	if n.Tag == "" {
		n.Tag = DefaultTag
	}
	return n
}

// OnPush renders a server push. An empty payload shows nothing.
func (d *Dispatcher) OnPush(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	n := Render(payload)
	if err := d.opts.Notifier.Show(ctx, n); err != nil {
		return fmt.Errorf("showing notification: %w", err)
	}
	return nil
}

// ShowLocal shows a locally triggered message.
func (d *Dispatcher) ShowLocal(ctx context.Context, title, body string) error {
	if d.opts.Notifier.Permission(ctx) != PermissionGranted {
		return ErrPermissionDenied
	}
	return d.opts.Notifier.Show(ctx, Notification{
		Title: title,
		Body:  body,
		Icon:  DefaultIcon,
		Badge: DefaultIcon,
		Tag:   DefaultTag,
	})
}

// ClickResult reports what a click did.
type ClickResult int

const (
	ClickDismissed ClickResult = iota
	ClickFocused
	ClickOpened
)

func (r ClickResult) String() string {
	switch r {
	case ClickDismissed:
		return "dismissed"
	case ClickFocused:
		return "focused"
	case ClickOpened:
		return "opened"
	}
	return fmt.Sprintf("ClickResult(%d)", int(r))
}

// Target returns the absolute URL a click on n navigates to.
func (d *Dispatcher) Target(n Notification) string {
	target := DefaultTarget
	if n.Data != nil && n.Data.URL != "" {
		target = n.Data.URL
	}
	return d.resolve(target)
}

func (d *Dispatcher) resolve(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || d.opts.Origin == nil {
		return raw
	}
	return d.opts.Origin.ResolveReference(u).String()
}

// OnClick routes a click. The dismiss action does nothing; any other action
// focuses the first open window already at the target, or opens one.
func (d *Dispatcher) OnClick(ctx context.Context, action string, n Notification) (ClickResult, error) {
	if action == ActionDismiss {
		return ClickDismissed, nil
	}
	target := d.Target(n)

	windows, err := d.opts.Clients.Windows(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing windows: %w", err)
	}
	for _, w := range windows {
		if d.resolve(w.URL()) == target {
			if err := w.Focus(ctx); err != nil {
				return 0, fmt.Errorf("focusing window: %w", err)
			}
			return ClickFocused, nil
		}
	}
	if err := d.opts.Clients.OpenWindow(ctx, target); err != nil {
		return 0, fmt.Errorf("opening window: %w", err)
	}
	return ClickOpened, nil
}
