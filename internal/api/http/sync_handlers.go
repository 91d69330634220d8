package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/facility-hub/facility-hub/internal/infrastructure/sse"
)

const streamKeepAlive = 25 * time.Second

// syncSnapshot reloads and returns the caller's view. With ?cached=true the
// current view is returned without a reload when one exists.
func (s *Server) syncSnapshot(w http.ResponseWriter, r *http.Request) {
	clientID := actor(r).ClientID()
	if r.URL.Query().Get("cached") == "true" {
		if snap, ok := s.syncSvc.Snapshot(clientID); ok {
			respondJSON(w, http.StatusOK, snap)
			return
		}
	}
	snap, err := s.syncSvc.Refresh(r.Context(), clientID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// syncStream pushes change notifications to the caller. Each message only
// signals that a refresh is due.
func (s *Server) syncStream(w http.ResponseWriter, r *http.Request) {
	auth := actor(r)
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "streaming not supported")
		return
	}
	client := sse.NewClient(auth.ClientID(), auth.UserID.String())
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.MessageChan:
			if !open || msg == nil {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("event: " + msg.Event + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
