// Package database builds the PostgreSQL pool behind the event archive.
package database

import (
	"fmt"
	"net/url"

	"github.com/agentsight/relay/internal/config"
)

// BuildConnString renders a postgres URL from config. The password is
// url-escaped so credentials with separators survive; an empty ssl_mode
// falls back to prefer.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}
