package realtime

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSBridge forwards every Hub message to a browser-facing websocket
// connection, the "operator-facing push" the Hub's own doc comment
// anticipates: the event kinds browsers need (cooldown_tick,
// snapshot_updated, event_log, cycle_stats, summary_report) are the
// same ones published to NATS, just re-served to a client that can't
// speak NATS directly.
type WSBridge struct {
	Hub      *Hub
	Upgrader websocket.Upgrader
}

func NewWSBridge(hub *Hub) *WSBridge {
	return &WSBridge{
		Hub: hub,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and streams hub messages to it until
// the client disconnects or the bridge's own write fails.
func (b *WSBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	msgs, unsubscribe := b.Hub.Subscribe(32)
	defer unsubscribe()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
