// Package link implements the connection link layer: one websocket channel
// to the dashboard plus typed event subscriptions.
//
// The link:
//   - Dials and authenticates a single websocket connection
//   - Sends event frames under a bounded write deadline
//   - Fans inbound events out to typed subscribers (exact type, wildcard)
//   - Detects dead or stale channels via heartbeat and read errors
//   - Reports transitions as synthetic state_change events
//
// The link never schedules reconnects; the delivery layer above it owns all
// backoff and retry policy.
package link
