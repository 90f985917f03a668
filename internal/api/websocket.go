package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"execution-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope wraps every pushed message with its topic.
type wsEnvelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// websocket streams position lifecycle changes and trade results to
// connected operators.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	// Merge subscribed topics onto one channel so a single goroutine owns
	// the connection writes.
	out := make(chan wsEnvelope, 100)
	done := make(chan struct{})
	defer close(done)

	forward := func(topic events.Event) {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				select {
				case out <- wsEnvelope{Topic: string(topic), Payload: msg}:
				case <-done:
					return
				}
			}
		}
	}
	go forward(events.EventPositionChange)
	go forward(events.EventPositionClosed)
	go forward(events.EventTradeResult)
	go forward(events.EventTradeRejected)

	for env := range out {
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
