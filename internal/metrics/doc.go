// Package metrics exposes relay counters to Prometheus.
//
// Key metrics:
//   - Channel state, quality tier, and reconnect attempts
//   - Queue occupancy, retry and eviction totals
//   - Batcher window throughput and drop counts
//   - Archive insert rates and breaker trips
package metrics
