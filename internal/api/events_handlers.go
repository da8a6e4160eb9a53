package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/calldoc/calldoc/internal/cdr"
)

// EventSource hands out subscriptions to the live CDR feed.
type EventSource interface {
	Subscribe(buffer int) (<-chan cdr.CorrelationEvent, func())
}

const (
	eventBuffer    = 64
	eventKeepAlive = 25 * time.Second
)

// handleCDREvents streams correlation events as server-sent events until the
// client disconnects or the server shuts down.
func (s *Server) handleCDREvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}
	rc := http.NewResponseController(w)

	events, unsubscribe := s.Events.Subscribe(eventBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("cdr events: streaming unsupported", "error", err)
		return
	}

	s.logger.Debug("cdr event subscriber connected", "remote", r.RemoteAddr)
	defer s.logger.Debug("cdr event subscriber gone", "remote", r.RemoteAddr)

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("cdr events: encoding event", "error", err, "cdr_id", ev.CDRID)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: cdr\ndata: %s\n\n", ev.CDRID, data); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
