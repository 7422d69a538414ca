package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jerrymusaga/bit-bnpl-sub000/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams pipeline and risk events to dashboards.
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

	transitions, unsubT := s.Bus.Subscribe(events.EventPipelineTransition, 100)
	defer unsubT()
	confirmed, unsubC := s.Bus.Subscribe(events.EventPipelineConfirmed, 100)
	defer unsubC()
	failed, unsubF := s.Bus.Subscribe(events.EventPipelineFailed, 100)
	defer unsubF()
	alerts, unsubA := s.Bus.Subscribe(events.EventRiskAlert, 100)
	defer unsubA()

	write := func(event events.Event, payload any) error {
		return conn.WriteJSON(gin.H{"event": event, "payload": payload})
	}

	done := c.Request.Context().Done()
	for {
		var err error
		select {
		case <-done:
			return
		case msg, ok := <-transitions:
			if !ok {
				return
			}
			err = write(events.EventPipelineTransition, msg)
		case msg, ok := <-confirmed:
			if !ok {
				return
			}
			err = write(events.EventPipelineConfirmed, msg)
		case msg, ok := <-failed:
			if !ok {
				return
			}
			err = write(events.EventPipelineFailed, msg)
		case msg, ok := <-alerts:
			if !ok {
				return
			}
			err = write(events.EventRiskAlert, msg)
		}
		if err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
