// eventtail dials a dashboard channel and prints the events flowing on it.
// Usage: go run ./cmd/eventtail --url ws://localhost:4000/stream
//
// The token flag defaults to the RELAY_TOKEN environment variable.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentsight/relay/internal/delivery"
	"github.com/agentsight/relay/internal/link"
	"github.com/agentsight/relay/internal/model"
)

func main() {
	url := flag.String("url", "ws://localhost:4000/stream", "dashboard channel endpoint")
	token := flag.String("token", os.Getenv("RELAY_TOKEN"), "bearer token for the channel")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	linkCfg := link.DefaultConfig()
	linkCfg.URL = *url
	linkCfg.Token = *token
	lk := link.NewManager(linkCfg, logger)

	// No queue, no sink: the tailer only watches, it never buffers. The
	// delivery manager still owns reconnection.
	mgr := delivery.New(delivery.DefaultConfig(), lk, nil, nil, logger)
	defer mgr.Close()

	var seen atomic.Int64
	mgr.Subscribe(link.EventWildcard, func(ev model.Event) {
		seen.Add(1)
		if *verbose {
			data, _ := json.MarshalIndent(ev, "", "  ")
			fmt.Printf("[EVENT] %s\n", data)
			return
		}
		fmt.Printf("[EVENT] %s type=%s session=%s id=%s\n",
			ev.Timestamp.Format(time.RFC3339), ev.Type, ev.SessionID, ev.ID)
	})

	mgr.OnStateChange(func(st model.ConnectionStatus) {
		if st.Err != "" {
			fmt.Printf("[STATE] %s (%s)\n", st.State, st.Err)
			return
		}
		fmt.Printf("[STATE] %s quality=%s\n", st.State, st.Quality)
	})

	logger.Info("connecting", "url", *url)
	if err := mgr.Connect(ctx); err != nil {
		logger.Warn("connect failed, retrying in background", "error", err)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := mgr.Status()
				logger.Info("stats",
					"events", seen.Load(),
					"state", st.State,
					"quality", st.Quality,
					"reconnect_attempts", st.ReconnectAttempts,
				)
			}
		}
	}()

	logger.Info("tailing started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutdown complete", "events", seen.Load())
}
