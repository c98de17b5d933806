package config

import "time"

// IngestorConfig is the root configuration for an ingestor instance.
type IngestorConfig struct {
	Instance      InstanceConfig       `yaml:"instance"`
	Feed          FeedConfig           `yaml:"feed"`
	Accounts      []AccountConfig      `yaml:"accounts"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Database      DBConfig             `yaml:"database"`
	Writers       WritersConfig        `yaml:"writers"`
	Buffers       BuffersConfig        `yaml:"buffers"`
	Gaps          GapsConfig           `yaml:"gaps"`
	Reconcile     ReconcileConfig      `yaml:"reconcile"`
	Health        HealthConfig         `yaml:"health"`
}

// InstanceConfig identifies this ingestor.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// FeedConfig holds vendor feed settings shared by every account session.
type FeedConfig struct {
	URL               string        `yaml:"url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	SubscribeTimeout  time.Duration `yaml:"subscribe_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	FrameBufferSize   int           `yaml:"frame_buffer_size"`

	// SpeedMode drops the aggregated quote channel for lower latency.
	SpeedMode bool `yaml:"speed_mode"`
}

// AccountConfig holds one feed account. Each account gets its own
// session with an independent subscription set.
type AccountConfig struct {
	ID         string `yaml:"id"`
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	AfterHours bool   `yaml:"after_hours"`
}

// SubscriptionConfig declares the (symbol, channel) pairs to activate
// on one account at startup.
type SubscriptionConfig struct {
	Account  string   `yaml:"account"`
	Symbols  []string `yaml:"symbols"`
	Channels []string `yaml:"channels"`
}

// DBConfig holds the PostgreSQL connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	RawFlushInterval time.Duration `yaml:"raw_flush_interval"`
}

// BuffersConfig sizes the pipeline output buffers.
type BuffersConfig struct {
	Raw         int `yaml:"raw"`
	Trade       int `yaml:"trade"`
	Book        int `yaml:"book"`
	Quote       int `yaml:"quote"`
	MaxMultiple int `yaml:"max_multiple"`
}

// GapsConfig holds gap detector settings.
type GapsConfig struct {
	// QuoteStaleTolerance is the event-time staleness threshold on
	// sequence-less channels.
	QuoteStaleTolerance time.Duration `yaml:"quote_stale_tolerance"`
}

// ReconcileConfig holds backfill reconciler settings.
type ReconcileConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	Timeout       time.Duration `yaml:"timeout"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
