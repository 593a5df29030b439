package router

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/imjasonh/offlinefirst/cache"
)

// Kind selects how a request is served.
type Kind int

const (
	// Bypass leaves the request alone; it is not intercepted.
	Bypass Kind = iota
	// CacheFirst serves a cached copy when present, otherwise the network.
	CacheFirst
	// NetworkFirst tries the network under a timeout and falls back to the
	// cache, then to a JSON offline payload.
	NetworkFirst
	// Dynamic tries the network without a timeout and falls back to the
	// cache, then to the offline page for navigations.
	Dynamic
)

func (k Kind) String() string {
	switch k {
	case Bypass:
		return "bypass"
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case Dynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Strategy is the policy applied to a classified request.
type Strategy struct {
	Kind Kind
	// Purpose selects the namespace successful responses are written to.
	Purpose cache.Purpose
	// Timeout bounds the network attempt. Only NetworkFirst uses it.
	Timeout time.Duration
}

// Rule pairs a predicate with the strategy applied when it matches.
type Rule struct {
	Name     string
	Match    func(*Request) bool
	Strategy Strategy
}

// Rules is evaluated in order; the first matching rule wins.
type Rules []Rule

var unmatched = Rule{Name: "unmatched", Strategy: Strategy{Kind: Bypass}}

// Classify returns the first rule matching req. It performs no I/O.
func (rs Rules) Classify(req *Request) Rule {
	for _, r := range rs {
		if r.Match(req) {
			return r
		}
	}
	return unmatched
}

// RulesConfig is the input to DefaultRules.
type RulesConfig struct {
	APIPrefixes  []string
	StaticAssets []string
	APITimeout   time.Duration
}

// DefaultRules returns the standard classification:
//  1. non-GET requests bypass the router,
//  2. paths under an API prefix are network-first with a timeout,
//  3. paths equal to a pre-cached static asset are cache-first,
//  4. everything else is dynamic network-first.
func DefaultRules(cfg RulesConfig) Rules {
	apiPrefixes := slices.Clone(cfg.APIPrefixes)
	static := make(map[string]bool, len(cfg.StaticAssets))
	for _, p := range cfg.StaticAssets {
		static[p] = true
	}

	return Rules{{
		Name:     "non-get",
		Match:    func(r *Request) bool { return !strings.EqualFold(r.Method, http.MethodGet) },
		Strategy: Strategy{Kind: Bypass},
	}, {
		Name: "api",
		Match: func(r *Request) bool {
			for _, p := range apiPrefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					return true
				}
			}
			return false
		},
		Strategy: Strategy{Kind: NetworkFirst, Purpose: cache.PurposeAPI, Timeout: cfg.APITimeout},
	}, {
		Name:     "static",
		Match:    func(r *Request) bool { return static[r.URL.Path] },
		Strategy: Strategy{Kind: CacheFirst, Purpose: cache.PurposeStatic},
	}, {
		Name:     "dynamic",
		Match:    func(*Request) bool { return true },
		Strategy: Strategy{Kind: Dynamic, Purpose: cache.PurposeDynamic},
	}}
}
