package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arkhaul/arkhaul/internal/bus"
)

const heartbeatInterval = 15 * time.Second

// EventSource is the slice of the event bus the SSE handler uses.
type EventSource interface {
	Subscribe() *bus.Subscription
	Unsubscribe(*bus.Subscription)
}

// NewEventsHandler streams job state changes as Server-Sent Events. When kind
// is non-empty only jobs of that kind are forwarded. The stream ends when the
// client disconnects or this subscriber falls too far behind the bus.
func NewEventsHandler(src EventSource, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		// Comment line so proxies and clients see bytes immediately.
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		sub := src.Subscribe()
		defer src.Unsubscribe(sub)

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return

			case ev, open := <-sub.C:
				if !open {
					// Dropped by the bus; the client reconnects and resyncs
					// from the jobs listing.
					return
				}
				if ev.Job == nil || (kind != "" && ev.Job.Kind != kind) {
					continue
				}
				data, err := json.Marshal(ev.Job)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
				flusher.Flush()

			case <-heartbeat.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
			}
		}
	}
}
