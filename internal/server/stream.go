package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/campussync/internal/notify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventNotification  = "notification"
	streamEventHeartbeat     = "heartbeat"
	defaultHeartbeatInterval = 25 * time.Second
)

type streamPayload struct {
	ID        string `json:"id"`
	BrokerID  int64  `json:"brokerId"`
	Kind      string `json:"kind"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

// handleNotificationStream pushes operator notifications as server-sent
// events. broker_id narrows the stream to one connection.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	topic := notify.TopicAll
	if raw := c.Query("broker_id"); raw != "" {
		brokerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || brokerID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "parameter": "broker_id"})
			return
		}
		topic = notify.BrokerTopic(brokerID)
	}

	ctx := c.Request.Context()
	messages, cleanup := h.notifications.Dispatcher().Subscribe(ctx, topic)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	operator := c.GetString(operatorContextKey)
	h.logger.Debug("notification stream opened", zap.String("operator", operator), zap.String("topic", topic))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(streamEventNotification, toStreamPayload(message))
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
	h.logger.Debug("notification stream closed", zap.String("operator", operator), zap.String("topic", topic))
}

func toStreamPayload(message notify.Message) streamPayload {
	return streamPayload{
		ID:        message.ID,
		BrokerID:  message.BrokerID,
		Kind:      string(message.Kind),
		Subject:   message.Subject,
		Body:      message.Body,
		Timestamp: message.Timestamp.UTC().Format(time.RFC3339),
	}
}
