package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/campussync/internal/course"
	"github.com/MarcoPoloResearchLab/campussync/internal/directory"
	"github.com/MarcoPoloResearchLab/campussync/internal/export"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/campussync/internal/syncer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 500
)

// respondError maps a reconcile failure onto an HTTP status.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncer.ErrUnknownConnection),
		errors.Is(err, directory.ErrUnknownDirectory),
		errors.Is(err, course.ErrNotLinked),
		errors.Is(err, export.ErrUnknownCourse):
		status = http.StatusNotFound
	case errors.Is(err, syncer.ErrCycleRunning):
		status = http.StatusConflict
	default:
		switch reconcile.KindOf(err) {
		case reconcile.KindValidation:
			status = http.StatusBadRequest
		case reconcile.KindPrecondition, reconcile.KindProvenance:
			status = http.StatusConflict
		case reconcile.KindTransport:
			status = http.StatusBadGateway
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("operator request failed", zap.String("operation", operation), zap.Error(err))
	} else {
		h.logger.Info("operator request rejected", zap.String("operation", operation), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": operation + "_failed", "detail": err.Error()})
}

type cycleResponsePayload struct {
	Reports []syncer.Report `json:"reports"`
	Failed  bool            `json:"failed"`
}

func (h *httpHandler) handleRunCycle(c *gin.Context) {
	if raw := c.Query("broker_id"); raw != "" {
		brokerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || brokerID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "parameter": "broker_id"})
			return
		}
		report, err := h.runner.RunConnection(c.Request.Context(), brokerID)
		if err != nil && !report.Failed() {
			h.respondError(c, "cycle", err)
			return
		}
		c.JSON(http.StatusOK, cycleResponsePayload{Reports: []syncer.Report{report}, Failed: report.Failed()})
		return
	}

	reports, err := h.runner.RunCycle(c.Request.Context())
	failed := false
	for _, report := range reports {
		failed = failed || report.Failed()
	}
	if err != nil && !failed {
		h.respondError(c, "cycle", err)
		return
	}
	c.JSON(http.StatusOK, cycleResponsePayload{Reports: reports, Failed: failed})
}

func (h *httpHandler) handleRefreshDirectories(c *gin.Context) {
	brokerID, ok := parseIDParam(c, "brokerId")
	if !ok {
		return
	}
	result, err := h.runner.RefreshDirectories(c.Request.Context(), brokerID)
	if err != nil {
		h.respondError(c, "refresh", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trees_created":       result.TreesCreated,
		"trees_updated":       result.TreesUpdated,
		"trees_deleted":       result.TreesDeleted,
		"directories_created": result.DirectoriesCreated,
		"directories_updated": result.DirectoriesUpdated,
		"directories_deleted": result.DirectoriesDeleted,
	})
}

type pendingEventPayload struct {
	ID           int64     `json:"id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   int64     `json:"resource_id"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (h *httpHandler) handlePendingEvents(c *gin.Context) {
	brokerID, ok := parseIDParam(c, "brokerId")
	if !ok {
		return
	}
	pending, err := h.events.Pending(c.Request.Context(), brokerID)
	if err != nil {
		h.respondError(c, "events", err)
		return
	}
	payload := make([]pendingEventPayload, 0, len(pending))
	for _, event := range pending {
		payload = append(payload, pendingEventPayload{
			ID:           event.ID,
			ResourceType: event.ResourceType,
			ResourceID:   event.ResourceID,
			Status:       string(event.Status),
			UpdatedAt:    event.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": payload})
}

type treePayload struct {
	ID         int64           `json:"id"`
	RootID     int64           `json:"root_id"`
	Title      string          `json:"title"`
	CategoryID int64           `json:"category_id"`
	Mode       string          `json:"mode"`
	Takeover   takeoverPayload `json:"takeover"`
}

type takeoverPayload struct {
	Title      *bool `json:"title" binding:"required"`
	Position   *bool `json:"position" binding:"required"`
	Allocation *bool `json:"allocation" binding:"required"`
}

func (h *httpHandler) handleListTrees(c *gin.Context) {
	brokerID, ok := parseIDParam(c, "brokerId")
	if !ok {
		return
	}
	trees, err := h.directories.Trees(c.Request.Context(), brokerID)
	if err != nil {
		h.respondError(c, "trees", err)
		return
	}
	payload := make([]treePayload, 0, len(trees))
	for _, tree := range trees {
		payload = append(payload, treePayload{
			ID:         tree.ID,
			RootID:     tree.RootID,
			Title:      tree.Title,
			CategoryID: tree.CategoryID,
			Mode:       string(tree.Mode),
			Takeover: takeoverPayload{
				Title:      &tree.TakeoverTitle,
				Position:   &tree.TakeoverPosition,
				Allocation: &tree.TakeoverAllocation,
			},
		})
	}
	c.JSON(http.StatusOK, gin.H{"trees": payload})
}

type categoryRequestPayload struct {
	CategoryID  int64 `json:"category_id"`
	CreateChild bool  `json:"create_child"`
}

func (h *httpHandler) handleMapTree(c *gin.Context) {
	treeID, ok := parseIDParam(c, "treeId")
	if !ok {
		return
	}
	var request categoryRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.CategoryID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.directories.MapCategory(c.Request.Context(), treeID, request.CategoryID); err != nil {
		h.respondError(c, "map_tree", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type modeRequestPayload struct {
	Mode string `json:"mode"`
}

func (h *httpHandler) handleSetTreeMode(c *gin.Context) {
	treeID, ok := parseIDParam(c, "treeId")
	if !ok {
		return
	}
	var request modeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	mode, err := directory.ParseMode(request.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
		return
	}
	if err := h.directories.SetMode(c.Request.Context(), treeID, mode); err != nil {
		h.respondError(c, "set_mode", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSetTakeover(c *gin.Context) {
	treeID, ok := parseIDParam(c, "treeId")
	if !ok {
		return
	}
	var request takeoverPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.directories.SetTakeover(c.Request.Context(), treeID, *request.Title, *request.Position, *request.Allocation); err != nil {
		h.respondError(c, "set_takeover", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMapDirectory(c *gin.Context) {
	brokerID, ok := parseIDParam(c, "brokerId")
	if !ok {
		return
	}
	directoryID, ok := parseIDParam(c, "directoryId")
	if !ok {
		return
	}
	var request categoryRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.CategoryID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.directories.MapDirectory(c.Request.Context(), brokerID, directoryID, request.CategoryID, request.CreateChild); err != nil {
		h.respondError(c, "map_directory", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCourseRedirect(c *gin.Context) {
	courseID, ok := parseIDParam(c, "courseId")
	if !ok {
		return
	}
	target, redirect, err := h.courses.CheckRedirect(c.Request.Context(), courseID)
	if err != nil {
		h.respondError(c, "redirect", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redirect": redirect, "target": target})
}

type exportRequestPayload struct {
	Targets []int64 `json:"targets"`
}

func (h *httpHandler) handleExportCourse(c *gin.Context) {
	courseID, ok := parseIDParam(c, "courseId")
	if !ok {
		return
	}
	brokerID, ok := parseIDParam(c, "brokerId")
	if !ok {
		return
	}
	var request exportRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.exports.Export(c.Request.Context(), courseID, brokerID, request.Targets)
	if err != nil {
		h.respondError(c, "export", err)
		return
	}
	targets, _ := record.Targets()
	c.JSON(http.StatusOK, gin.H{
		"course_id":   record.CourseID,
		"broker_id":   record.BrokerID,
		"status":      string(record.Status),
		"resource_id": record.ResourceID,
		"targets":     targets,
	})
}

func (h *httpHandler) handleUnexportCourse(c *gin.Context) {
	courseID, ok := parseIDParam(c, "courseId")
	if !ok {
		return
	}
	brokerID, ok := parseIDParam(c, "brokerId")
	if !ok {
		return
	}
	if err := h.exports.Unexport(c.Request.Context(), courseID, brokerID); err != nil {
		h.respondError(c, "unexport", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type notificationPayload struct {
	ID        string     `json:"id"`
	BrokerID  int64      `json:"broker_id"`
	Kind      string     `json:"kind"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

func (h *httpHandler) handleRecentNotifications(c *gin.Context) {
	limit := defaultNotificationLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "parameter": "limit"})
			return
		}
		limit = min(parsed, maxNotificationLimit)
	}
	notifications, err := h.notifications.Recent(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, "notifications", err)
		return
	}
	payload := make([]notificationPayload, 0, len(notifications))
	for _, notification := range notifications {
		payload = append(payload, notificationPayload{
			ID:        notification.ID,
			BrokerID:  notification.BrokerID,
			Kind:      string(notification.Kind),
			Subject:   notification.Subject,
			Body:      notification.Body,
			CreatedAt: notification.CreatedAt,
			SentAt:    notification.SentAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": payload})
}
