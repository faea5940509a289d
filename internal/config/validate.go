package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Dashboard.URL == "" {
		return errors.New("dashboard.url is required")
	}
	if !strings.HasPrefix(c.Dashboard.URL, "ws://") && !strings.HasPrefix(c.Dashboard.URL, "wss://") {
		return fmt.Errorf("dashboard.url must be a ws:// or wss:// endpoint, got %q", c.Dashboard.URL)
	}

	if c.Queue.MaxSize < 1 {
		return errors.New("queue.max_size must be >= 1")
	}
	if c.Queue.MaxRetries < 1 {
		return errors.New("queue.max_retries must be >= 1")
	}
	if c.Queue.RetryDelay <= 0 {
		return errors.New("queue.retry_delay must be positive")
	}

	switch c.Store.Backend {
	case "none", "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("store.backend must be one of none, memory, sqlite, redis; got %q", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return errors.New("store.path is required for the sqlite backend")
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return errors.New("store.redis.addr is required for the redis backend")
	}

	if c.Reconnect.Factor < 1 {
		return fmt.Errorf("reconnect.factor must be >= 1, got %v", c.Reconnect.Factor)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter must be in [0, 1), got %v", c.Reconnect.Jitter)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%v) cannot be below base_delay (%v)",
			c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.MaxAttempts < 1 {
		return errors.New("reconnect.max_attempts must be >= 1")
	}

	if c.Heartbeat.Interval <= 0 {
		return errors.New("heartbeat.interval must be positive")
	}

	if c.Batcher.Window <= 0 {
		return errors.New("batcher.window must be positive")
	}
	if c.Batcher.MaxBatch < 1 {
		return errors.New("batcher.max_batch must be >= 1")
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.MaxBatch < 1 {
			return errors.New("archive.max_batch must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
