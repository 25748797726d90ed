// Package sse implements the SSE Stream Adapter (spec §4.I): bridging
// one task's in-process bus.Bus to an http.ResponseWriter as a
// text/event-stream response.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"notepipe/internal/bus"
)

const heartbeatInterval = 15 * time.Second

// Stream writes task id's events to w as SSE frames until the bus
// reaches end-of-stream or r's context is cancelled (client
// disconnect). It unsubscribes from the bus before returning either
// way. Grounded on gateway/internal/sse/handler.go's ServeHTTP
// (subscribe-before-replay ordering to avoid a race between the
// backlog read and the live feed, SSE headers, flusher check,
// select-on-channel-vs-context-done loop), redirected from Redis
// Pub/Sub plus separate buffer keys to a single in-process bus.Bus
// whose Subscribe call already returns the burst and the live feed on
// one channel.
func Stream(w http.ResponseWriter, r *http.Request, b *bus.Bus, burst []bus.Event) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(burst)
	defer b.Unsubscribe(ch)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeEvent(w, event); err != nil {
				return err
			}
			flusher.Flush()
			heartbeat.Reset(heartbeatInterval)

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()

		case <-r.Context().Done():
			return nil
		}
	}
}

func writeEvent(w http.ResponseWriter, event bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
