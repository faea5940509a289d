package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default values for optional configuration fields.
const (
	DefaultIngestAddr       = ":8787"
	DefaultMaxBodyBytes     = 1 << 20 // 1 MiB
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultSendTimeout      = 5 * time.Second
	DefaultPingTimeout      = 30 * time.Second
	DefaultMessageBuffer    = 1000
	DefaultQueueMaxSize     = 1000
	DefaultRetryDelay       = 5 * time.Second
	DefaultMaxRetries       = 3
	DefaultMemoryLimit      = 10 << 20 // 10 MiB estimated queue footprint
	DefaultFailureLimit     = 50
	DefaultStoreBackend     = "sqlite"
	DefaultReconnectBase    = 1 * time.Second
	DefaultReconnectMax     = 30 * time.Second
	DefaultReconnectFactor  = 2.0
	DefaultReconnectJitter  = 0.2
	DefaultMaxAttempts      = 10
	DefaultHeartbeat        = 30 * time.Second
	DefaultBatchWindow      = 250 * time.Millisecond
	DefaultBatchMax         = 100
	DefaultBatchBuffer      = 1024
	DefaultDedupeSize       = 4096
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultDBMaxConns       = 4
	DefaultDBMinConns       = 1
	DefaultFlushInterval    = 5 * time.Second
	DefaultArchiveBatch     = 500
	DefaultMetricsPort      = 9090
	DefaultMetricsPath      = "/metrics"
)

func (c *RelayConfig) applyDefaults() {
	// Ingest defaults
	if c.Ingest.Addr == "" {
		c.Ingest.Addr = DefaultIngestAddr
	}
	if c.Ingest.MaxBodyBytes == 0 {
		c.Ingest.MaxBodyBytes = DefaultMaxBodyBytes
	}

	// Dashboard defaults
	if c.Dashboard.HandshakeTimeout == 0 {
		c.Dashboard.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Dashboard.WriteTimeout == 0 {
		c.Dashboard.WriteTimeout = DefaultWriteTimeout
	}
	if c.Dashboard.SendTimeout == 0 {
		c.Dashboard.SendTimeout = DefaultSendTimeout
	}
	if c.Dashboard.PingTimeout == 0 {
		c.Dashboard.PingTimeout = DefaultPingTimeout
	}
	if c.Dashboard.MessageBuffer == 0 {
		c.Dashboard.MessageBuffer = DefaultMessageBuffer
	}

	// Queue defaults
	if c.Queue.MaxSize == 0 {
		c.Queue.MaxSize = DefaultQueueMaxSize
	}
	if c.Queue.StorageKey == "" {
		c.Queue.StorageKey = "relay:queue:" + c.Instance.ID
	}
	if c.Queue.RetryDelay == 0 {
		c.Queue.RetryDelay = DefaultRetryDelay
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = DefaultMaxRetries
	}
	if c.Queue.MemoryLimit == 0 {
		c.Queue.MemoryLimit = DefaultMemoryLimit
	}
	if c.Queue.FailureLimit == 0 {
		c.Queue.FailureLimit = DefaultFailureLimit
	}

	// Store defaults
	if c.Store.Backend == "" {
		c.Store.Backend = DefaultStoreBackend
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath()
	}

	// Reconnect defaults
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBase
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMax
	}
	if c.Reconnect.Factor == 0 {
		c.Reconnect.Factor = DefaultReconnectFactor
	}
	if c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = DefaultReconnectJitter
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}

	// Heartbeat defaults
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeat
	}

	// Batcher defaults
	if c.Batcher.Window == 0 {
		c.Batcher.Window = DefaultBatchWindow
	}
	if c.Batcher.MaxBatch == 0 {
		c.Batcher.MaxBatch = DefaultBatchMax
	}
	if c.Batcher.BufferSize == 0 {
		c.Batcher.BufferSize = DefaultBatchBuffer
	}
	if c.Batcher.DedupeSize == 0 {
		c.Batcher.DedupeSize = DefaultDedupeSize
	}

	// Archive defaults
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.MaxBatch == 0 {
		c.Archive.MaxBatch = DefaultArchiveBatch
	}
	applyDBDefaults(&c.Archive.Database)

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultDBMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultDBMinConns
	}
}

// defaultStorePath places the sqlite file under the user's home directory,
// falling back to the working directory when home is unknown.
func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay-queue.db"
	}
	return filepath.Join(home, ".relay", "queue.db")
}
