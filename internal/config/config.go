package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Queue     QueueConfig     `yaml:"queue"`
	Store     StoreConfig     `yaml:"store"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Batcher   BatcherConfig   `yaml:"batcher"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// InstanceConfig identifies this relay. The ID scopes the queue storage key,
// so two instances sharing a store never overwrite each other's snapshots.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// DashboardConfig holds the event channel endpoint and its timeouts.
type DashboardConfig struct {
	URL              string        `yaml:"url"`   // ws:// or wss:// endpoint
	Token            string        `yaml:"token"` // Optional bearer token
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	PingTimeout      time.Duration `yaml:"ping_timeout"` // Channel considered stale past this
	MessageBuffer    int           `yaml:"message_buffer"`
}

// IngestConfig holds the producer-facing HTTP listener settings.
type IngestConfig struct {
	Addr         string `yaml:"addr"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// QueueConfig holds event queue settings.
type QueueConfig struct {
	Disabled     bool          `yaml:"disabled"`    // Omit for the default (enabled)
	MaxSize      int           `yaml:"max_size"`    // Capacity before oldest-10% eviction
	StorageKey   string        `yaml:"storage_key"` // Default derives from instance.id
	RetryDelay   time.Duration `yaml:"retry_delay"` // Base of the per-event retry backoff
	MaxRetries   int           `yaml:"max_retries"`
	MemoryLimit  int64         `yaml:"memory_limit_bytes"` // Health threshold
	FailureLimit int64         `yaml:"failure_limit"`      // Health threshold
}

// StoreConfig selects the durable store backend for queue snapshots.
// Backend "none" keeps the queue in-memory only.
type StoreConfig struct {
	Backend string           `yaml:"backend"` // none | memory | sqlite | redis
	Path    string           `yaml:"path"`    // sqlite file path
	Redis   RedisStoreConfig `yaml:"redis"`
}

// RedisStoreConfig holds redis backend settings.
type RedisStoreConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ReconnectConfig holds the delivery manager's backoff parameters. The
// delivery layer is the only backoff owner; the link never schedules retries.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"` // Fraction of the delay, 0..1
	MaxAttempts int           `yaml:"max_attempts"`
}

// HeartbeatConfig holds the delivery manager's channel poll interval.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// BatcherConfig holds delivered-event batching settings.
type BatcherConfig struct {
	Window     time.Duration `yaml:"window"`
	MaxBatch   int           `yaml:"max_batch"`
	BufferSize int           `yaml:"buffer_size"`
	DedupeSize int           `yaml:"dedupe_size"` // Recent-ID suppression cache
}

// ArchiveConfig holds the Postgres archive writer settings.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBatch      int           `yaml:"max_batch"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
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

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
