package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/deskpilot/pkg/runner"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	eventBuf   = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The API listens on localhost by default.
	},
}

// stateMessage is sent once on connect so clients need not poll.
type stateMessage struct {
	Type  string           `json:"type"`
	State runner.StateInfo `json:"state"`
}

// clientMessage is what clients may send over the socket.
type clientMessage struct {
	Type string `json:"type"`
}

// handleEvents streams runner events to the client until it disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	events, unsubscribe := s.runner.Events().Subscribe(eventBuf)
	defer unsubscribe()

	if err := ws.WriteJSON(stateMessage{Type: "state", State: s.runner.State()}); err != nil {
		slog.Debug("Failed to send initial state", "error", err)
		return
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer ws.Close()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteJSON(ev); err != nil {
					slog.Debug("Failed to write event", "error", err)
					return
				}
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "error", err)
			}
			break
		}
		switch msg.Type {
		case "stop":
			s.runner.Stop()
		default:
			slog.Debug("Ignoring websocket message", "type", msg.Type)
		}
	}

	close(done)
	wg.Wait()
}
