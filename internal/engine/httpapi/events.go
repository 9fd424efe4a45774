// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tombee/conductor/pkg/workflow"
)

// EventsHandler serves the SSE event stream.
type EventsHandler struct {
	bus       *workflow.EventBus
	heartbeat time.Duration
}

// NewEventsHandler builds a handler that relays every event published on
// bus, sending a keep-alive comment every heartbeat interval whether or
// not events were sent in between.
func NewEventsHandler(bus *workflow.EventBus, heartbeat time.Duration) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &EventsHandler{bus: bus, heartbeat: heartbeat}
}

// RegisterRoutes registers the events route on mux.
func (h *EventsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/events/stream", h.handleStream)
}

func (h *EventsHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	runFilter := r.URL.Query().Get("runId")

	events := make(chan workflow.Event, 64)
	unsubscribe := h.bus.Subscribe("*", func(_ context.Context, event *workflow.Event) {
		if runFilter != "" && event.RunID != runFilter {
			return
		}
		select {
		case events <- *event:
		default:
			// Slow client: drop the event rather than block the bus.
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Topic, data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
