package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/adscope/adscope/coordinator"
	"github.com/adscope/adscope/message"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 25 * time.Second

// handleEvents streams coordinator notifications as server-sent events. One
// event per protocol message, JSON in the data field. A slow client drops
// events rather than blocking the broadcast.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan []byte, 16)
	detach := s.cfg.Coordinator.Broadcaster().Attach(coordinator.NotifyFunc(
		func(_ context.Context, msg *message.Message) error {
			raw, err := message.Encode(msg)
			if err != nil {
				return err
			}
			select {
			case events <- raw:
			default:
				s.cfg.Logger.Warn("httpapi: slow event listener, dropping event",
					"type", msg.Type)
			}
			return nil
		}))
	defer detach()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case raw := <-events:
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(raw); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
