package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/KafClaw/crewlink/internal/bus"
)

const (
	streamBuffer    = 256
	streamKeepalive = 30 * time.Second
)

// handleStream relays bus deliveries as server-sent events. ?channel= narrows
// the stream to one channel. Slow clients lose events instead of stalling the
// bus dispatcher.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "chat stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channel == "" {
		channel = bus.AllChannels
	}

	ch := make(chan []byte, streamBuffer)
	unsubscribe := s.deps.Bus.Subscribe(channel, func(d *bus.Delivery) {
		b, err := json.Marshal(d)
		if err != nil {
			return
		}
		select {
		case ch <- b:
		default:
			slog.Debug("Chat stream dropped delivery", "channel", d.Channel, "message_id", d.MessageID)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"channel\":%q}\n\n", channel)
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg := <-ch:
			_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}
