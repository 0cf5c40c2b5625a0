package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trade-sentinel/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pushedEvents are forwarded to websocket clients.
var pushedEvents = []events.Event{
	events.EventPriceTick,
	events.EventOrderPlaced,
	events.EventOrderRejected,
	events.EventOrderUpdated,
	events.EventPositionOpened,
	events.EventPositionClosed,
	events.EventTriggerFired,
	events.EventCloseFailed,
	events.EventBalancesRefreshed,
	events.EventRiskAlert,
}

const wsWriteTimeout = 5 * time.Second

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("ws upgrade")
		return
	}
	defer conn.Close()

	if s.opts.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.opts.Bus.Subscribe(256, pushedEvents...)
	defer unsub()

	// Reader detects client disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.WithError(err).Debug("ws write")
				return
			}
		}
	}
}
