package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/callmedenchick/adminrelay/internal/dispatcher"
	"github.com/callmedenchick/adminrelay/internal/utils"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// registrationFromQuery maps /events query parameters to the registration
// event sent on connect. ok is false when the client connects unregistered.
func registrationFromQuery(c echo.Context) (dispatcher.Event, bool) {
	if role := c.QueryParam("role"); role != "" {
		return dispatcher.Event{Kind: dispatcher.EventRegisterObserver, Role: role}, true
	}
	sessionID, name := c.QueryParam("session_id"), c.QueryParam("name")
	if sessionID != "" || name != "" {
		return dispatcher.Event{Kind: dispatcher.EventRegisterSession, SessionID: sessionID, Name: name}, true
	}
	return dispatcher.Event{}, false
}

// EventRegistrationHandler serves one Server-Sent Events connection. The
// connection lives until the client goes away or the hub closes it.
func (h *Handler) EventRegistrationHandler(c echo.Context) error {
	log := log.WithField("prefix", "EventRegistrationHandler")
	_, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		badRequestMetric.Inc()
		return c.JSON(utils.HttpResError("streaming unsupported", http.StatusBadRequest))
	}
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(c.Response(), "\n"); err != nil {
		log.Errorf("failed to write initial newline: %v", err)
		return err
	}
	c.Response().Flush()

	client := h.hub.Open("sse")
	log.Infof("client connected: %v from %v", client.ID, c.RealIP())
	h.sendConnected(client)

	events := make(chan dispatcher.Event, 1)
	if ev, ok := registrationFromQuery(c); ok {
		events <- ev
	}
	served := make(chan struct{})
	go func() {
		h.dispatcher.Serve(c.Request().Context(), client.ID, events, h.ack)
		h.hub.Close(client)
		close(served)
	}()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				break loop
			}
			_, err := fmt.Fprintf(c.Response(), "event: %v\nid: %v\ndata: %v\n\n", msg.Event, msg.EventId, string(msg.Data))
			if err != nil {
				log.Errorf("msg can't write to connection: %v", err)
				break loop
			}
			c.Response().Flush()
			client.Delivered()
		case <-ticker.C:
			_, err := fmt.Fprintf(c.Response(), "event: heartbeat\n\n")
			if err != nil {
				log.Errorf("ticker can't write to connection: %v", err)
				break loop
			}
			c.Response().Flush()
		}
	}
	close(events)
	<-served
	log.Infof("client disconnected: %v", client.ID)
	return nil
}
