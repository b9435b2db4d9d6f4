package handler

import (
	"net/http"
	"time"

	"github.com/callmedenchick/adminrelay/internal/dispatcher"
	"github.com/callmedenchick/adminrelay/internal/fanout"
	"github.com/callmedenchick/adminrelay/internal/hub"
	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/callmedenchick/adminrelay/internal/registry"
	"github.com/callmedenchick/adminrelay/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

var (
	transferedMessagesNumMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "number_of_transfered_messages",
		Help: "The total number of externally submitted notifications",
	})
	badRequestMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "number_of_bad_requests",
		Help: "The total number of bad requests",
	})
)

type Options struct {
	HeartbeatInterval time.Duration
	// AllowedOrigins restricts WebSocket upgrades by Origin header. Empty or
	// "*" allows every origin.
	AllowedOrigins []string
}

type Handler struct {
	dispatcher        *dispatcher.Dispatcher
	broadcaster       *fanout.Broadcaster
	hub               *hub.Hub
	storage           storage.Storage
	heartbeatInterval time.Duration
	allowedOrigins    []string
	upgrader          websocket.Upgrader
	startedAt         time.Time
}

func NewHandler(d *dispatcher.Dispatcher, b *fanout.Broadcaster, connections *hub.Hub, s storage.Storage, opts Options) *Handler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	h := &Handler{
		dispatcher:        d,
		broadcaster:       b,
		hub:               connections,
		storage:           s,
		heartbeatInterval: opts.HeartbeatInterval,
		allowedOrigins:    opts.AllowedOrigins,
		startedAt:         time.Now(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Register mounts every relay route on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.WebSocketHandler)
	e.GET("/events", h.EventRegistrationHandler)
	e.POST("/user-activity", h.SendNotificationHandler)
	e.POST("/notifyAdmin", h.SendNotificationHandler)
	e.GET("/health", h.HealthHandler)
	e.GET("/ready", h.ReadyHandler)
	e.GET("/notifications", h.NotificationsHandler)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 || slices.Contains(h.allowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.allowedOrigins, origin)
}

func (h *Handler) sendConnected(c *hub.Conn) {
	err := h.hub.Send(c.ID, models.EventConnected, models.ConnectedPayload{Ok: true, ConnectionID: c.ID})
	if err != nil {
		log.WithField("prefix", "Handler.sendConnected").Debugf("connected frame for %v dropped: %v", c.ID, err)
	}
}

// ack confirms a successful registration to the connection that made it.
func (h *Handler) ack(conn string, e registry.Entry) {
	err := h.hub.Send(conn, models.EventRegistered, models.RegisteredPayload{
		Ok:           true,
		ConnectionID: conn,
		Kind:         e.Kind.String(),
		Role:         e.Role,
	})
	if err != nil {
		log.WithField("prefix", "Handler.ack").Debugf("registered frame for %v dropped: %v", conn, err)
	}
}
