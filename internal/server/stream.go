package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/pubsub"
	"github.com/zjrosen/mdresolve/internal/resolver"
)

// RefreshEventResponse is the data of one refresh event on /events.
type RefreshEventResponse struct {
	Resolver    string     `json:"resolver"`
	CycleID     string     `json:"cycle_id"`
	Source      string     `json:"source,omitempty"`
	Entities    int        `json:"entities"`
	Added       []string   `json:"added,omitempty"`
	Removed     []string   `json:"removed,omitempty"`
	NextRefresh *time.Time `json:"next_refresh,omitempty"`
	Error       string     `json:"error,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// StreamEvents streams refresh events of every batch resolver via SSE.
// GET /events
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	events := s.app.Subscribe(r.Context())
	stream(s, w, r, events, func(ev pubsub.Event[resolver.RefreshEvent]) (string, any) {
		resp := RefreshEventResponse{
			Resolver:  ev.Payload.Resolver,
			CycleID:   ev.Payload.CycleID,
			Source:    ev.Payload.Source,
			Entities:  ev.Payload.Entities,
			Added:     ev.Payload.Added,
			Removed:   ev.Payload.Removed,
			Timestamp: ev.Timestamp,
		}
		if !ev.Payload.NextRefresh.IsZero() {
			next := ev.Payload.NextRefresh
			resp.NextRefresh = &next
		}
		if ev.Payload.Err != nil {
			resp.Error = ev.Payload.Err.Error()
		}
		return string(ev.Type), resp
	})
}

// StreamLog streams formatted log lines via SSE.
// GET /debug/log
func (s *Server) StreamLog(w http.ResponseWriter, r *http.Request) {
	lines := log.Subscribe(r.Context())
	if lines == nil {
		s.writeError(w, http.StatusServiceUnavailable, "logging_disabled", "Logging is not initialized", "")
		return
	}
	stream(s, w, r, lines, func(ev log.LogEvent) (string, any) {
		return "log", map[string]string{"line": strings.TrimRight(ev.Payload, "\n")}
	})
}

// stream writes every event from events as a server-sent event until the
// client goes away or the channel closes.
func stream[T any](s *Server, w http.ResponseWriter, r *http.Request, events <-chan pubsub.Event[T], encode func(pubsub.Event[T]) (string, any)) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			name, v := encode(ev)
			data, err := json.Marshal(v)
			if err != nil {
				log.ErrorErr(log.CatServer, "marshal event", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
			flusher.Flush()
		}
	}
}
