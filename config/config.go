package config

import (
	"flag"
	"time"

	"github.com/searchktools/fastclient/core/connpool"
	"github.com/searchktools/fastclient/core/transport"
)

// Config carries the static tuning surface SPEC_FULL.md §10 names for
// the Dispatcher/ConnectionPool pair: flag- and environment-overridable
// at startup, then handed to a Manager (manager.go); of these values,
// only the two dispatcher caps take effect again when changed at
// runtime (see WireDispatcher).
//
// FollowUpLimit and Env are loaded and stored like the other fields,
// but nothing in this module reads them after New returns: the
// follow-up cap applied to every call is transport.MaxFollowUps.
type Config struct {
	MaxRequests        int
	MaxRequestsPerHost int
	MaxIdleConnections int
	KeepAliveDuration  time.Duration
	FollowUpLimit      int
	Env                string
}

// New loads Config from command-line flags, then overlays any
// FASTCLIENT_-prefixed environment variable on top (e.g.
// FASTCLIENT_MAX_REQUESTS=128), mirroring the teacher's config.New
// flag-then-env precedence but generalized: every value is routed
// through a Manager (rather than read directly into the struct) so
// the same Manager can keep watching these keys for later runtime
// changes via WireDispatcher.
func New() (*Config, *Manager) {
	cfg := &Config{}

	flag.IntVar(&cfg.MaxRequests, "max-requests", 64, "global concurrent call cap")
	flag.IntVar(&cfg.MaxRequestsPerHost, "max-requests-per-host", 5, "per-host concurrent call cap")
	flag.IntVar(&cfg.MaxIdleConnections, "max-idle-connections", connpool.DefaultMaxIdleConnections, "idle connection retention cap")
	flag.DurationVar(&cfg.KeepAliveDuration, "keep-alive", connpool.DefaultKeepAliveDuration, "idle connection keep-alive duration")
	flag.IntVar(&cfg.FollowUpLimit, "follow-up-limit", transport.MaxFollowUps, "maximum redirect/auth follow-ups per call")
	flag.StringVar(&cfg.Env, "env", "development", "deployment environment")

	if !flag.Parsed() {
		flag.Parse()
	}

	m := NewManager()
	m.Set("max.requests", cfg.MaxRequests)
	m.Set("max.requests.per.host", cfg.MaxRequestsPerHost)
	m.Set("max.idle.connections", cfg.MaxIdleConnections)
	m.Set("keep.alive.duration", cfg.KeepAliveDuration)
	m.Set("follow.up.limit", cfg.FollowUpLimit)
	m.Set("env", cfg.Env)

	// FASTCLIENT_MAX_REQUESTS=N overrides flag/default "max.requests":
	// LoadFromEnv lowercases the trimmed key and turns every remaining
	// underscore into a dot, landing on the same keys Set populated
	// above.
	m.LoadFromEnv("FASTCLIENT")

	// Copy whatever the environment overrode back into cfg so a caller
	// reading the struct directly (rather than through m) still sees
	// the final value.
	cfg.MaxRequests = m.GetInt("max.requests", cfg.MaxRequests)
	cfg.MaxRequestsPerHost = m.GetInt("max.requests.per.host", cfg.MaxRequestsPerHost)
	cfg.MaxIdleConnections = m.GetInt("max.idle.connections", cfg.MaxIdleConnections)
	cfg.KeepAliveDuration = m.GetDuration("keep.alive.duration", cfg.KeepAliveDuration)
	cfg.FollowUpLimit = m.GetInt("follow.up.limit", cfg.FollowUpLimit)
	cfg.Env = m.GetString("env", cfg.Env)

	return cfg, m
}
