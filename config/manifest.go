package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/imjasonh/offlinefirst/cache"
)

// Manifest describes one deployable version of the caching layer.
type Manifest struct {
	// Prefix is the namespace prefix, e.g. "academgrad".
	Prefix string `toml:"prefix"`
	// Version is bumped on every deploy; older namespaces are swept on
	// activation.
	Version int `toml:"version"`
	// OfflinePage is served to navigations that fail with nothing cached.
	OfflinePage string `toml:"offline_page"`
	// StaticAssets are pre-cached on install and served cache-first.
	StaticAssets []string `toml:"static_assets"`
	// APIPrefixes route to the network-first API strategy.
	APIPrefixes []string `toml:"api_prefixes"`
	// APITimeout bounds the network attempt of API requests.
	APITimeout Duration `toml:"api_timeout"`
}

// Duration is a time.Duration written as a string ("5s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultManifest returns the built-in manifest.
func DefaultManifest() *Manifest {
	return &Manifest{
		Prefix:      "academgrad",
		Version:     2,
		OfflinePage: "/offline",
		StaticAssets: []string{
			"/",
			"/dashboard",
			"/schedule",
			"/tasks",
			"/subscription",
			"/manifest.json",
			"/icon-192.svg",
			"/icon-512.svg",
			"/offline",
		},
		APIPrefixes: []string{"/api/"},
		APITimeout:  Duration{5 * time.Second},
	}
}

// LoadManifest reads a TOML manifest. An empty path returns the default.
// Fields missing from the file keep their default values.
func LoadManifest(path string) (*Manifest, error) {
	m := DefaultManifest()
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a TOML manifest over the defaults and validates it.
func ParseManifest(data []byte) (*Manifest, error) {
	var file Manifest
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	m := DefaultManifest()
	if file.Prefix != "" {
		m.Prefix = file.Prefix
	}
	if file.Version != 0 {
		m.Version = file.Version
	}
	if file.OfflinePage != "" {
		m.OfflinePage = file.OfflinePage
	}
	if file.StaticAssets != nil {
		m.StaticAssets = file.StaticAssets
	}
	if file.APIPrefixes != nil {
		m.APIPrefixes = file.APIPrefixes
	}
	if file.APITimeout.Duration != 0 {
		m.APITimeout = file.APITimeout
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the manifest for internal consistency.
func (m *Manifest) Validate() error {
	var errs []error
	if m.Prefix == "" {
		errs = append(errs, errors.New("prefix is required"))
	}
	if m.Version <= 0 {
		errs = append(errs, fmt.Errorf("version must be positive, got %d", m.Version))
	}
	for _, p := range m.StaticAssets {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("static asset %q must be an absolute path", p))
		}
	}
	for _, p := range m.APIPrefixes {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("api prefix %q must be an absolute path", p))
		}
	}
	if m.OfflinePage != "" && !slices.Contains(m.StaticAssets, m.OfflinePage) {
		errs = append(errs, fmt.Errorf("offline page %q must be listed in static_assets", m.OfflinePage))
	}
	if m.APITimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("api_timeout must be positive, got %s", m.APITimeout.Duration))
	}
	return errors.Join(errs...)
}

// Namespaces returns the cache namespaces of this manifest's version.
func (m *Manifest) Namespaces() cache.Namespaces {
	return cache.Names(m.Prefix, m.Version)
}
