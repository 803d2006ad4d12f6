package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/expstream/internal/protocol"
	"github.com/zoravur/expstream/internal/sink"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler streams appended rows to WebSocket clients.
type WSHandler struct {
	Registry *sink.Registry
}

// HandleWS upgrades the connection and handles subscribe/unsubscribe messages
// until the client goes away.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := L(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	sess := protocol.NewSession(h.Registry, conn)
	defer sess.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("ws read error", zap.Error(err))
			}
			return
		}
		sess.HandleMessage(msg, log)
	}
}
