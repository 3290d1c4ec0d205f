package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"callassist/internal/events"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	feedBuffer    = 64
	feedHeartbeat = 15 * time.Second
	wsWriteWait   = 10 * time.Second
)

// snapshotEvent is the first message on every feed so clients start from
// the current state.
func (r *Router) snapshotEvent() events.Event {
	ev := events.Event{Type: "snapshot", At: r.now()}
	if call, ok := r.Sessions.Active(); ok {
		ev.CallID = call.CallID
		ev.Data = call
	}
	return ev
}

// activeCallStream pushes session events as Server-Sent Events.
func (r *Router) activeCallStream(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || r.Bus == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := r.Bus.Subscribe(feedBuffer)
	defer cancel()
	send := func(ev events.Event) bool {
		data, err := events.Encode(ev)
		if err != nil {
			r.log.Warn().Err(err).Str("type", ev.Type).Msg("encode feed event")
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send(r.snapshotEvent()) {
		return
	}
	ticker := time.NewTicker(feedHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok || !send(ev) {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedSocket pushes the same session events over a WebSocket. Client
// messages are read only to notice the close.
func (r *Router) feedSocket(w http.ResponseWriter, req *http.Request) {
	if r.Bus == nil {
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	connID := uuid.NewString()
	log := r.log.With().Str("conn_id", connID).Logger()
	log.Info().Msg("feed client connected")
	defer log.Info().Msg("feed client disconnected")

	ch, cancel := r.Bus.Subscribe(feedBuffer)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Msg("websocket closed unexpectedly")
				}
				return
			}
		}
	}()

	write := func(ev events.Event) bool {
		data, err := events.Encode(ev)
		if err != nil {
			log.Warn().Err(err).Str("type", ev.Type).Msg("encode feed event")
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Msg("websocket write failed")
			return false
		}
		return true
	}
	if !write(r.snapshotEvent()) {
		return
	}
	ticker := time.NewTicker(feedHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-req.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok || !write(ev) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
