// Package lifecycle installs and activates versions of the caching layer.
//
// A version owns three cache namespaces. Installing a version pre-caches its
// static assets all-or-nothing; activating it deletes every namespace that
// belongs to any other version and takes over existing clients immediately.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/imjasonh/offlinefirst/cache"
	"github.com/imjasonh/offlinefirst/router"
)

var (
	// ErrInstallFailed is returned when pre-caching did not complete. No
	// asset of the failed version is left in the cache.
	ErrInstallFailed = errors.New("install failed")

	// ErrInvalidState is returned for a transition the current state does
	// not allow.
	ErrInvalidState = errors.New("invalid lifecycle state")
)

// State is the lifecycle state of the most recent version.
type State int

const (
	Idle State = iota
	Installing
	Installed
	Activating
	Active
	// Redundant marks a version whose install failed. Install may be retried.
	Redundant
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// DefaultFetchConcurrency bounds parallel asset fetches during install.
const DefaultFetchConcurrency = 4

// Options configures a Manager.
type Options struct {
	Cache   cache.Storage
	Fetcher router.Fetcher
	// Origin resolves the manifest's asset paths to absolute URLs.
	Origin *url.URL
	Prefix string
	// Version is the version Install targets first.
	Version int
	// Assets are the paths pre-cached into the static namespace.
	Assets []string
	// FetchConcurrency defaults to DefaultFetchConcurrency.
	FetchConcurrency int
	Now              func() time.Time
}

// Manager drives install, activate and upgrade for one worker.
type Manager struct {
	storage     cache.Storage
	fetcher     router.Fetcher
	origin      *url.URL
	prefix      string
	assets      []string
	concurrency int
	now         func() time.Time

	mu      sync.RWMutex
	state   State
	target  int
	active  int
	claimed bool
}

// New creates a manager in the Idle state.
func New(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	concurrency := opts.FetchConcurrency
	if concurrency <= 0 {
		concurrency = DefaultFetchConcurrency
	}
	return &Manager{
		storage:     opts.Cache,
		fetcher:     opts.Fetcher,
		origin:      opts.Origin,
		prefix:      opts.Prefix,
		assets:      slices.Clone(opts.Assets),
		concurrency: concurrency,
		now:         now,
		target:      opts.Version,
	}
}

// State returns the state of the most recently targeted version.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Current returns the namespaces of the active version. ok is false until
// the first activation.
func (m *Manager) Current() (ns cache.Namespaces, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == 0 {
		return cache.Namespaces{}, false
	}
	return cache.Names(m.prefix, m.active), true
}

// ActiveVersion returns the active version, or 0 before activation.
func (m *Manager) ActiveVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Claimed reports whether the active version has taken over clients.
func (m *Manager) Claimed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.claimed
}

func (m *Manager) transition(from []State, to State) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(from, m.state) {
		return 0, fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, m.state, to)
	}
	m.state = to
	return m.target, nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Install opens the target version's namespaces and pre-caches every asset.
// Either all assets are stored or none are. On success the version is
// Installed and may be activated right away.
func (m *Manager) Install(ctx context.Context) error {
	version, err := m.transition([]State{Idle, Active, Redundant}, Installing)
	if err != nil {
		return err
	}
	ns := cache.Names(m.prefix, version)
	log := clog.FromContext(ctx).With("version", version)
	log.Infof("installing %s", ns.Static)

	if err := m.install(ctx, ns); err != nil {
		m.setState(Redundant)
		log.Errorf("install of version %d failed: %v", version, err)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	m.setState(Installed)
	log.Infof("installed %d assets into %s", len(m.assets), ns.Static)
	return nil
}

func (m *Manager) install(ctx context.Context, ns cache.Namespaces) error {
	for _, name := range ns.All() {
		if err := m.storage.Open(ctx, name); err != nil {
			return fmt.Errorf("opening %s: %w", name, err)
		}
	}

	entries := make([]*cache.Entry, len(m.assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, path := range m.assets {
		g.Go(func() error {
			entry, err := m.fetchAsset(gctx, path)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := m.storage.PutAll(ctx, ns.Static, entries); err != nil {
		return fmt.Errorf("storing assets: %w", err)
	}
	return nil
}

func (m *Manager) fetchAsset(ctx context.Context, path string) (*cache.Entry, error) {
	u := m.origin.ResolveReference(&url.URL{Path: path})
	req := &router.Request{Method: http.MethodGet, URL: u}
	key, _ := req.Key()

	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", path, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", path, resp.Status)
	}
	return &cache.Entry{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		StoredAt: m.now(),
	}, nil
}

// Activate makes the installed version current, deletes every namespace
// that is not one of its three, and claims existing clients.
func (m *Manager) Activate(ctx context.Context) error {
	version, err := m.transition([]State{Installed}, Activating)
	if err != nil {
		return err
	}
	ns := cache.Names(m.prefix, version)
	log := clog.FromContext(ctx).With("version", version)

	deleted, err := m.sweep(ctx, ns)
	if err != nil {
		// The version stays installed so activation can be retried.
		m.setState(Installed)
		return fmt.Errorf("sweeping stale namespaces: %w", err)
	}

	m.mu.Lock()
	m.active = version
	m.claimed = true
	m.state = Active
	m.mu.Unlock()

	log.Infof("activated version %d, deleted %d stale namespaces", version, deleted)
	return nil
}

func (m *Manager) sweep(ctx context.Context, current cache.Namespaces) (int, error) {
	names, err := m.storage.Namespaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing namespaces: %w", err)
	}
	deleted := 0
	for _, name := range names {
		if current.Contains(name) {
			continue
		}
		ok, err := m.storage.DeleteNamespace(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", name, err)
		}
		if ok {
			clog.FromContext(ctx).Infof("deleted stale namespace %s", name)
			deleted++
		}
	}
	return deleted, nil
}

// Upgrade installs version and activates it. When the install fails the
// previously active version keeps serving.
func (m *Manager) Upgrade(ctx context.Context, version int) error {
	m.mu.Lock()
	if version <= m.active {
		m.mu.Unlock()
		return fmt.Errorf("%w: version %d is not newer than active version %d", ErrInvalidState, version, m.active)
	}
	previous := m.target
	m.target = version
	m.mu.Unlock()

	if err := m.Install(ctx); err != nil {
		if errors.Is(err, ErrInvalidState) {
			m.mu.Lock()
			m.target = previous
			m.mu.Unlock()
		}
		return err
	}
	return m.Activate(ctx)
}
