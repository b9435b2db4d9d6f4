package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/callmedenchick/adminrelay/internal/utils"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const activityRequiredMessage = "subject and action are required"

type activityRequest struct {
	Subject string `json:"subject"`
	// User is the older name of Subject.
	User    string `json:"user"`
	Action  string `json:"action"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type activityResponse struct {
	Status string `json:"status"`
	SentTo int    `json:"sentTo"`
}

// SendNotificationHandler broadcasts an externally reported activity to every
// observer. Sessions are never touched.
func (h *Handler) SendNotificationHandler(c echo.Context) error {
	ctx := c.Request().Context()
	log := log.WithContext(ctx).WithField("prefix", "SendNotificationHandler")

	var req activityRequest
	if err := c.Bind(&req); err != nil {
		badRequestMetric.Inc()
		log.Infof("bad body: %v", err)
		return c.JSON(utils.HttpResError(activityRequiredMessage, http.StatusBadRequest))
	}
	n, err := req.notification()
	if err != nil {
		badRequestMetric.Inc()
		log.Info(err)
		return c.JSON(utils.HttpResError(activityRequiredMessage, http.StatusBadRequest))
	}

	transferedMessagesNumMetric.Inc()
	sent := h.broadcaster.Broadcast(ctx, n)
	log.Infof("%v sent to %d observers", n.Message, sent)
	return c.JSON(http.StatusOK, activityResponse{Status: "ok", SentTo: sent})
}

func (r activityRequest) notification() (models.Notification, error) {
	subject := strings.TrimSpace(r.Subject)
	if subject == "" {
		subject = strings.TrimSpace(r.User)
	}
	action := strings.TrimSpace(r.Action)
	switch {
	case subject == "":
		return models.Notification{}, &models.ValidationError{Field: "subject"}
	case action == "":
		return models.Notification{}, &models.ValidationError{Field: "action"}
	}
	n := models.Notification{
		Title:   r.Title,
		Message: r.Message,
		Action:  action,
		Subject: subject,
	}
	if n.Title == "" {
		n.Title = models.DefaultTitle
	}
	if n.Message == "" {
		n.Message = fmt.Sprintf("%v has %v", subject, action)
	}
	return n, nil
}
