package main

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// presenceEnvelope mirrors the text-frame payload used by library clients.
// The relay inspects it only to know which presence client ids a connection
// announced, so it can broadcast a leave when the connection drops.
type presenceEnvelope struct {
	Type     string          `json:"type"`
	ClientID int64           `json:"clientId,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
}

func serveRoom(hs *hubs, upgrader websocket.Upgrader, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		room := c.Param("room")
		if room == "" {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		h := hs.get(room)
		send := make(chan frame, 64)
		h.subscribe <- send

		// writer
		go func() {
			for msg := range send {
				if err := conn.WriteMessage(msg.messageType, msg.payload); err != nil {
					return
				}
			}
		}()

		announced := map[int64]bool{}
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
				continue
			}

			if mt == websocket.TextMessage {
				var env presenceEnvelope
				if err := json.Unmarshal(payload, &env); err == nil && env.Type == "presence" {
					var state struct {
						ClientID int64 `json:"clientId"`
					}
					if err := json.Unmarshal(env.State, &state); err == nil && state.ClientID != 0 {
						announced[state.ClientID] = true
					}
				}
			}

			h.broadcast <- frame{messageType: mt, payload: payload, sender: send}
		}

		h.unsubscribe <- send
		_ = conn.Close()

		// tell the room this client's presence is gone
		for clientID := range announced {
			leave, _ := json.Marshal(presenceEnvelope{Type: "leave", ClientID: clientID})
			h.broadcast <- frame{messageType: websocket.TextMessage, payload: leave}
		}
	}
}
