package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MEKXH/toolmesh/internal/agent"
)

// streamEvents writes agent events as Server-Sent Events until the done
// event or the client goes away.
func streamEvents(w http.ResponseWriter, r *http.Request, events <-chan agent.Event) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			// RunStream stops once the request ctx is gone; drain so it can exit.
			for range events {
			}
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				continue
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
