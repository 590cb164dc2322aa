package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradebot/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsEvents are the bus topics mirrored to websocket clients.
var wsEvents = []events.Event{
	events.EventCandle,
	events.EventIndicator,
	events.EventSignal,
	events.EventOrderUpdate,
	events.EventOrderFilled,
	events.EventOrderFailed,
	events.EventDivergence,
	events.EventPositionChange,
	events.EventRiskAlert,
	events.EventStateChange,
	events.EventEmergency,
	events.EventStatusSnapshot,
}

type wsMessage struct {
	Event   events.Event `json:"event"`
	Payload any          `json:"payload"`
	At      time.Time    `json:"at"`
}

// handleWS streams bus events to the client until it disconnects.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	merged := make(chan wsMessage, 256)
	done := make(chan struct{})

	var unsubs []func()
	for _, ev := range wsEvents {
		ch, unsub := s.bus.Subscribe(ev, 64)
		unsubs = append(unsubs, unsub)
		go func(ev events.Event, ch <-chan any) {
			for {
				select {
				case <-done:
					return
				case payload, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- wsMessage{Event: ev, Payload: payload, At: time.Now()}:
					default:
						// slow client, drop
					}
				}
			}
		}(ev, ch)
	}
	defer func() {
		close(done)
		for _, u := range unsubs {
			u()
		}
	}()

	// Reader goroutine detects client disconnect.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[API] websocket closed: %v", err)
			}
			return
		case msg := <-merged:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
