// Package ingest serves the producer-facing HTTP surface. Hook scripts and
// local tools POST events here; the relay takes over delivery from there.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentsight/relay/internal/model"
)

// Delivery is the slice of the delivery manager the handler needs.
type Delivery interface {
	QueueEvent(ev model.Event) bool
	Status() model.ConnectionStatus
}

// Config holds the handler limits.
type Config struct {
	MaxBodyBytes int64
}

// Handler accepts events on POST /events. A request carries one event
// object or an array of them.
type Handler struct {
	cfg      Config
	delivery Delivery
	logger   *slog.Logger
}

// NewHandler builds the ingest handler. A nil logger falls back to
// slog.Default().
func NewHandler(cfg Config, d Delivery, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{cfg: cfg, delivery: d, logger: logger}
}

// acceptResponse is the 202 body. Queued counts events that went to the
// queue rather than straight out on the channel.
type acceptResponse struct {
	Accepted int `json:"accepted"`
	Queued   int `json:"queued"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("body exceeds %d bytes", tooBig.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	events, err := parseEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now()
	accepted, queued := 0, 0
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}

		live := h.delivery.Status().State == model.StateConnected
		sent := h.delivery.QueueEvent(events[i]) && live
		accepted++
		if !sent {
			queued++
		}
	}

	h.logger.Debug("events ingested", "accepted", accepted, "queued", queued)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(acceptResponse{Accepted: accepted, Queued: queued})
}

// parseEvents decodes a single event object or an array of them. Validation
// is all-or-nothing: one bad element rejects the whole request.
func parseEvents(data []byte) ([]model.Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}

	var events []model.Event
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("parse events: %w", err)
		}
	} else {
		var ev model.Event
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			return nil, fmt.Errorf("parse event: %w", err)
		}
		events = []model.Event{ev}
	}
	if len(events) == 0 {
		return nil, errors.New("no events in request")
	}

	for i, ev := range events {
		if ev.SessionID == "" {
			return nil, fmt.Errorf("event %d: session_id is required", i)
		}
		if ev.Type == "" {
			return nil, fmt.Errorf("event %d: type is required", i)
		}
	}
	return events, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
