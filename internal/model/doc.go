// Package model defines shared data types used across the relay.
//
// Conventions:
//   - Timestamps: time.Time, serialized as RFC 3339 strings in JSON
//   - IDs: opaque strings; ingest assigns UUIDs when producers omit them
//   - Event types: open set; well-known tags have constants
package model
