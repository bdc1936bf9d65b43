package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/twitchkit/internal/connection"
	"github.com/rickgao/twitchkit/internal/router"
	"github.com/rickgao/twitchkit/internal/subscription"
)

// session is the view of a push client the health endpoint reports on.
type session interface {
	State() connection.State
	Stats() router.Stats
	Subscriptions() subscription.Snapshot
}

// healthComponent reports one push client and, when set, the queue its
// listeners run on.
type healthComponent struct {
	client session
	queue  *router.Queue
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(components map[string]healthComponent, ping func(context.Context) error) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if ping != nil {
			if err := ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["store"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["store"] = "connected"
			}
		}

		for name, c := range components {
			state := c.client.State()
			subs := c.client.Subscriptions()
			desired, acked := subs.Desired, subs.Acknowledged
			stats := c.client.Stats()
			report := map[string]any{
				"state":         state.String(),
				"subscriptions": len(desired),
				"acknowledged":  len(acked),
				"messages":      stats.Messages,
				"decode_errors": stats.DecodeErrors,
			}
			if c.queue != nil {
				report["queued"] = c.queue.Stats().Len
			}
			health.Components[name] = report
			if health.Status == "healthy" && (state != connection.StateOpen || len(acked) < len(desired)) {
				health.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
