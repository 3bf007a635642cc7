package controlroom

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// WSBridge streams control room updates to dashboard clients over websocket.
// Clients may scope the stream with a ?workflow_id= query parameter.
type WSBridge struct {
	hub      Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSBridge creates a WSBridge over the given hub.
func NewWSBridge(hub Hub, logger *slog.Logger) *WSBridge {
	return &WSBridge{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (b *WSBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	filter := Filter{WorkflowID: r.URL.Query().Get("workflow_id")}
	updates, cancel, err := b.hub.Subscribe(r.Context(), filter)
	if err != nil {
		b.logger.Warn("websocket subscribe failed", slog.String("error", err.Error()))
		return
	}
	defer cancel()

	// Drain the read side so pings and close frames are processed; any read
	// error ends the session.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if writeErr := conn.WriteJSON(update); writeErr != nil {
				return
			}
		}
	}
}
