package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/incrypt/backend/internal/circuitbreaker"
	"github.com/incrypt/backend/internal/events"
)

// ServiceName is reported by /health.
const ServiceName = "incrypt-signal-backend"

// Pinger is a dependency /health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealth reports storage reachability and upstream breaker states. Any
// unreachable store turns the answer into a 503.
func HandleHealth(stores map[string]Pinger, upstreams *circuitbreaker.Upstreams) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		code := http.StatusOK
		storage := make(map[string]string, len(stores))
		for name, p := range stores {
			if err := p.Ping(ctx); err != nil {
				storage[name] = "unavailable"
				status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			storage[name] = "ok"
		}

		body := map[string]interface{}{
			"status":    status,
			"service":   ServiceName,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"storage":   storage,
		}
		if upstreams != nil {
			health, breakers := upstreams.HealthStatus()
			body["upstreams"] = map[string]interface{}{"status": health, "breakers": breakers}
		}
		writeJSON(w, code, body)
	}
}

// HandleSSEStream streams bus events as Server-Sent Events. ?events= filters
// by comma-separated type.
func HandleSSEStream(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		// Streams outlive the server's write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch := bus.Subscribe(events.ParseTypes(r.URL.Query().Get("events"))...)
		defer bus.Unsubscribe(ch)

		fmt.Fprint(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
		flusher.Flush()

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				frame, err := event.SSEFormat()
				if err != nil {
					continue
				}
				w.Write(frame)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}
