package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelvmm/kestrel/lib/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API is bearer-authenticated; origin checks add nothing here.
		return true
	},
}

const writeTimeout = 10 * time.Second

// EventsHandler streams lifecycle events to the client over a websocket.
// Events raised before the subscription are not replayed.
func (s *ApiService) EventsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorContext(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ch, cancel := s.Broadcaster.Subscribe()
	defer cancel()

	log.InfoContext(ctx, "event stream subscriber connected", "remote", ws.RemoteAddr().String())

	// Drain client frames so close and ping/pong processing happens; the
	// stream itself is one-way.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-clientGone:
			log.DebugContext(ctx, "event stream subscriber disconnected")
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(e); err != nil {
				log.DebugContext(ctx, "event stream write failed", "error", err)
				return
			}
		}
	}
}
