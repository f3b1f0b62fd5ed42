package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel    string
	RedisAddr   string
	PostgresDSN string

	// Family selects which model-family stream this worker consumes.
	Family string

	// BackendTimeout is the per-inference-call HTTP timeout. Reasoning-style
	// families need minutes, direct-response families seconds.
	BackendTimeout time.Duration

	// ContextTurns caps how many past turns are replayed after a sticky node
	// change.
	ContextTurns int

	// NodeLease is how long a node heartbeat stays valid.
	NodeLease time.Duration

	// LeaseThreshold is how long a pending entry may sit idle before the
	// reconciler treats its owner as dead.
	LeaseThreshold time.Duration

	// ReconcileInterval is the reconciler cycle period.
	ReconcileInterval time.Duration

	// SweepAfter is the age beyond which an unconsumed PENDING task is
	// treated as never published and re-appended to the stream.
	SweepAfter time.Duration

	// MaxPendingAge discards entries older than this instead of retrying
	// them. Zero disables the cutoff.
	MaxPendingAge time.Duration

	// RefusalPatterns are case-insensitive substrings that reclassify a
	// successful backend response as a failure.
	RefusalPatterns []string

	// SystemLogEnabled turns on append-only failure records in the store.
	SystemLogEnabled bool

	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		Family:            v.GetString("family"),
		BackendTimeout:    v.GetDuration("backend_timeout"),
		ContextTurns:      v.GetInt("context_turns"),
		NodeLease:         v.GetDuration("node_lease"),
		LeaseThreshold:    v.GetDuration("lease_threshold"),
		ReconcileInterval: v.GetDuration("reconcile_interval"),
		SweepAfter:        v.GetDuration("sweep_after"),
		MaxPendingAge:     v.GetDuration("max_pending_age"),
		RefusalPatterns:   v.GetStringSlice("refusal_patterns"),
		SystemLogEnabled:  v.GetBool("syslog_enabled"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}
}
