package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is the shape of messages a subscriber may send.
type clientMessage struct {
	Type string `json:"type"`
}

// ServeWS upgrades r to a WebSocket, registers a subscriber for labID, and
// blocks pumping messages until the connection closes.
func ServeWS(hub *Hub, labID string, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub, err := hub.Register(r.Context(), labID)
	if err != nil {
		conn.Close()
		return err
	}
	defer hub.Unregister(sub)
	defer conn.Close()

	done := make(chan struct{})
	go readPump(hub, sub, conn, done)
	writePump(sub, conn, done)
	return nil
}

// readPump handles client-sent control messages: ping keeps the connection
// alive, refresh requests a snapshot resend. Unknown messages and invalid
// JSON are ignored. Returns when the connection closes.
func readPump(hub *Hub, sub *Subscriber, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			sub.tryEnqueue(Message{Type: MessagePong, Payload: time.Now().UTC()})
		case "refresh":
			_ = hub.Refresh(context.Background(), sub)
		}
	}
}

// writePump drains sub's queue onto the WebSocket connection until the
// connection closes or the read side signals done.
func writePump(sub *Subscriber, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-sub.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
