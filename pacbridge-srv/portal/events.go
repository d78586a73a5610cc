package portal

import (
	"net/http"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/gorilla/websocket"
)

const (
	eventWriteWait  = 5 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
	eventBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// serveEvents streams session events as JSON text messages until the
// client goes away or the event source is closed.
func (p *Portal) serveEvents(w http.ResponseWriter, r *http.Request) {
	if p.events == nil {
		writeError(w, http.StatusNotFound, "live events are not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		logger.Debug("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	events, unsubscribe := p.events.Subscribe(eventBuffer)
	defer unsubscribe()

	logger.Debug("Event subscriber connected from %s", r.RemoteAddr)

	// the read side only handles control frames and notices the close
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge stopping"))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				logger.Debug("Event subscriber %s write failed: %v", r.RemoteAddr, err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			logger.Debug("Event subscriber disconnected from %s", r.RemoteAddr)
			return
		}
	}
}
