package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/callmedenchick/adminrelay/internal/storage"
	"github.com/callmedenchick/adminrelay/internal/utils"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

type healthResponse struct {
	Status          string  `json:"status"`
	Uptime          float64 `json:"uptime"`
	ObserversOnline int     `json:"observersOnline"`
	SessionsOnline  int     `json:"sessionsOnline"`
	Connections     int     `json:"connections"`
}

type notificationsResponse struct {
	Notifications []models.Notification `json:"notifications"`
}

func (h *Handler) HealthHandler(c echo.Context) error {
	reg := h.dispatcher.Registry()
	return c.JSON(http.StatusOK, healthResponse{
		Status:          "ok",
		Uptime:          time.Since(h.startedAt).Seconds(),
		ObserversOnline: reg.ObserverCount(),
		SessionsOnline:  reg.SessionCount(),
		Connections:     h.hub.Count(),
	})
}

func (h *Handler) ReadyHandler(c echo.Context) error {
	log := log.WithField("prefix", "ReadyHandler")
	if err := h.storage.HealthCheck(); err != nil {
		log.Errorf("journal not ready: %v", err)
		return c.JSON(utils.HttpResError("journal not ready", http.StatusServiceUnavailable))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// NotificationsHandler lists recently broadcast notifications, newest first.
func (h *Handler) NotificationsHandler(c echo.Context) error {
	ctx := c.Request().Context()
	log := log.WithContext(ctx).WithField("prefix", "NotificationsHandler")

	limit := storage.DefaultRecentLimit
	if raw := c.QueryParam("limit"); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			badRequestMetric.Inc()
			return c.JSON(utils.HttpResError("param \"limit\" should be a positive int", http.StatusBadRequest))
		}
	}
	list, err := h.storage.Recent(ctx, limit)
	if err != nil {
		log.Errorf("journal error: %v", err)
		return c.JSON(utils.HttpResError(err.Error(), http.StatusInternalServerError))
	}
	if list == nil {
		list = []models.Notification{}
	}
	return c.JSON(http.StatusOK, notificationsResponse{Notifications: list})
}
