package model

import (
	"encoding/json"
	"time"
)

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// Event is a single instrumented occurrence from a producer session.
// Immutable once created; owned by the producer until queued.
type Event struct {
	ID        string          `json:"id"`                // Globally unique event ID
	SessionID string          `json:"session_id"`        // Producing session
	Type      string          `json:"type"`              // Event type tag (see constants)
	Timestamp time.Time       `json:"timestamp"`         // Producer-side occurrence time
	Payload   json.RawMessage `json:"payload,omitempty"` // Optional type-specific body
}

// Well-known event type tags. The set is open; producers may send others.
const (
	TypeSessionStart = "session_start"
	TypeSessionEnd   = "session_end"
	TypePreToolUse   = "pre_tool_use"
	TypePostToolUse  = "post_tool_use"
	TypeUserPrompt   = "user_prompt"
	TypeNotification = "notification"
	TypeStop         = "stop"
	TypeError        = "error"
)

// Priority controls delivery order for queued events.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// -----------------------------------------------------------------------------
// Connection state
// -----------------------------------------------------------------------------

// ConnectionState is the authoritative state of the delivery subsystem.
// Transitions are serialized; there is exactly one value per manager instance.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
	StateChecking     ConnectionState = "checking"
)

// QualityTier is a coarse, derived rating of the channel.
type QualityTier string

const (
	QualityExcellent QualityTier = "excellent"
	QualityGood      QualityTier = "good"
	QualityPoor      QualityTier = "poor"
	QualityUnknown   QualityTier = "unknown"
)

// ConnectionStatus is a read-only snapshot of the subsystem.
type ConnectionStatus struct {
	State             ConnectionState `json:"state"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	LastUpdate        time.Time       `json:"last_update"`
	LastEventAt       time.Time       `json:"last_event_at"`
	Subscriptions     int             `json:"subscriptions"`
	Err               string          `json:"error,omitempty"`
	Healthy           bool            `json:"healthy"`
	QueuedEvents      int             `json:"queued_events"`
	Quality           QualityTier     `json:"quality"`
}

// HealthStatus is a derived pass/fail signal with per-condition detail.
type HealthStatus struct {
	Healthy  bool     `json:"healthy"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}
