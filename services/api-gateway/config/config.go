package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel    string
	HTTPPort    string
	MetricsAddr string
	RedisAddr   string
	PostgresDSN string

	// StreamMaxLen caps each family stream with an approximate trim.
	StreamMaxLen int64

	// DefaultFamily routes model names no rule matches; empty rejects them.
	DefaultFamily string

	// NodeLease is how long a node heartbeat stays valid; the gateway uses
	// it for the node listing endpoint.
	NodeLease time.Duration

	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		HTTPPort:      v.GetString("http_port"),
		MetricsAddr:   v.GetString("metrics_addr"),
		RedisAddr:     v.GetString("redis_addr"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		StreamMaxLen:  v.GetInt64("stream_max_len"),
		DefaultFamily: v.GetString("default_family"),
		NodeLease:     v.GetDuration("node_lease"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
	}
}
