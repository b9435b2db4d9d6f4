package handler

import (
	"encoding/json"
	"time"

	"github.com/callmedenchick/adminrelay/internal/dispatcher"
	"github.com/callmedenchick/adminrelay/internal/hub"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxInboundFrame = 4096
	inboundBuffer   = 16
)

// frame is the JSON envelope used in both directions on /ws.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type registerPayload struct {
	Role      string `json:"role"`
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

var inboundEvents = map[string]dispatcher.EventKind{
	"register-observer": dispatcher.EventRegisterObserver,
	"registerAdmin":     dispatcher.EventRegisterObserver,
	"register-session":  dispatcher.EventRegisterSession,
	"registerUser":      dispatcher.EventRegisterSession,
	"registerSession":   dispatcher.EventRegisterSession,
}

// parseFrame decodes one inbound text frame. ok is false for frames that
// should be ignored.
func parseFrame(raw []byte) (dispatcher.Event, bool) {
	log := log.WithField("prefix", "parseFrame")
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Infof("malformed frame ignored: %v", err)
		return dispatcher.Event{}, false
	}
	kind, ok := inboundEvents[f.Event]
	if !ok {
		log.Debugf("unknown event %q ignored", f.Event)
		return dispatcher.Event{}, false
	}
	var p registerPayload
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &p); err != nil {
			log.Infof("malformed %v payload ignored: %v", f.Event, err)
			return dispatcher.Event{}, false
		}
	}
	return dispatcher.Event{Kind: kind, Role: p.Role, SessionID: p.SessionID, Name: p.Name}, true
}

// WebSocketHandler upgrades the request and serves one connection until it
// closes.
func (h *Handler) WebSocketHandler(c echo.Context) error {
	log := log.WithField("prefix", "WebSocketHandler")

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// upgrader has already written the error response.
		badRequestMetric.Inc()
		log.Infof("ws upgrade error: %v", err)
		return nil
	}

	client := h.hub.Open("websocket")
	log.Infof("client connected: %v from %v", client.ID, c.RealIP())

	writerDone := make(chan struct{})
	go func() {
		writePump(conn, client)
		close(writerDone)
	}()
	h.sendConnected(client)

	events := make(chan dispatcher.Event, inboundBuffer)
	go readPump(conn, client, events)

	h.dispatcher.Serve(c.Request().Context(), client.ID, events, h.ack)
	h.hub.Close(client)
	<-writerDone
	log.Infof("client disconnected: %v", client.ID)
	return nil
}

// readPump feeds inbound registration events to the dispatcher in arrival
// order and closes events once the connection is gone.
func readPump(conn *websocket.Conn, client *hub.Conn, events chan<- dispatcher.Event) {
	defer close(events)
	defer conn.Close()
	conn.SetReadLimit(maxInboundFrame)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, ok := parseFrame(raw)
		if !ok {
			continue
		}
		select {
		case events <- ev:
		case <-client.Done():
			return
		}
	}
}

// writePump drains the client's queue to the socket and keeps it alive with
// pings.
func writePump(conn *websocket.Conn, client *hub.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Messages():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			data, err := json.Marshal(frame{Event: msg.Event, Data: msg.Data})
			if err != nil {
				log.WithField("prefix", "writePump").Errorf("marshal frame: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			client.Delivered()
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
