package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/campussync/internal/auth"
	"github.com/MarcoPoloResearchLab/campussync/internal/directory"
	"github.com/MarcoPoloResearchLab/campussync/internal/export"
	"github.com/MarcoPoloResearchLab/campussync/internal/metrics"
	"github.com/MarcoPoloResearchLab/campussync/internal/notify"
	"github.com/MarcoPoloResearchLab/campussync/internal/queue"
	"github.com/MarcoPoloResearchLab/campussync/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const operatorContextKey = "campussync_operator"

var (
	errMissingVerifier      = errors.New("admin verifier dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingRunner        = errors.New("cycle runner dependency required")
	errMissingDirectories   = errors.New("directory service dependency required")
	errMissingCourses       = errors.New("course service dependency required")
	errMissingExports       = errors.New("export service dependency required")
	errMissingEvents        = errors.New("event queue dependency required")
	errMissingNotifications = errors.New("notification service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type AdminVerifier interface {
	Verify(ctx context.Context, operator, secret string) (auth.OperatorClaims, error)
}

type OperatorTokenManager interface {
	IssueOperatorToken(ctx context.Context, claims auth.OperatorClaims) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type CycleRunner interface {
	RunCycle(ctx context.Context) ([]syncer.Report, error)
	RunConnection(ctx context.Context, brokerID int64) (syncer.Report, error)
	RefreshDirectories(ctx context.Context, brokerID int64) (directory.RefreshResult, error)
}

type DirectoryService interface {
	Trees(ctx context.Context, brokerID int64) ([]directory.Tree, error)
	MapCategory(ctx context.Context, treeID, categoryID int64) error
	SetMode(ctx context.Context, treeID int64, mode directory.Mode) error
	SetTakeover(ctx context.Context, treeID int64, title, position, allocation bool) error
	MapDirectory(ctx context.Context, brokerID, directoryID, categoryID int64, createChild bool) error
}

type CourseService interface {
	CheckRedirect(ctx context.Context, courseID int64) (string, bool, error)
}

type ExportService interface {
	Export(ctx context.Context, courseID, brokerID int64, targets []int64) (export.Record, error)
	Unexport(ctx context.Context, courseID, brokerID int64) error
}

type EventQueue interface {
	Pending(ctx context.Context, brokerID int64) ([]queue.PendingEvent, error)
}

type NotificationService interface {
	Recent(ctx context.Context, limit int) ([]notify.Notification, error)
	Dispatcher() *notify.Dispatcher
}

type Dependencies struct {
	Verifier      AdminVerifier
	TokenManager  OperatorTokenManager
	Runner        CycleRunner
	Directories   DirectoryService
	Courses       CourseService
	Exports       ExportService
	Events        EventQueue
	Notifications NotificationService
	// HeartbeatInterval paces keep-alive frames on notification streams.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Verifier == nil:
		return nil, errMissingVerifier
	case deps.TokenManager == nil:
		return nil, errMissingTokenManager
	case deps.Runner == nil:
		return nil, errMissingRunner
	case deps.Directories == nil:
		return nil, errMissingDirectories
	case deps.Courses == nil:
		return nil, errMissingCourses
	case deps.Exports == nil:
		return nil, errMissingExports
	case deps.Events == nil:
		return nil, errMissingEvents
	case deps.Notifications == nil:
		return nil, errMissingNotifications
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		verifier:      deps.Verifier,
		tokens:        deps.TokenManager,
		runner:        deps.Runner,
		directories:   deps.Directories,
		courses:       deps.Courses,
		exports:       deps.Exports,
		events:        deps.Events,
		notifications: deps.Notifications,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.POST("/auth/token", handler.handleIssueToken)
	// Browsers cannot attach headers to EventSource requests.
	router.GET("/notifications/stream", handler.authorizeStream, handler.handleNotificationStream)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/cycles", handler.handleRunCycle)
	protected.POST("/connections/:brokerId/refresh", handler.handleRefreshDirectories)
	protected.GET("/connections/:brokerId/events", handler.handlePendingEvents)
	protected.GET("/connections/:brokerId/trees", handler.handleListTrees)
	protected.PUT("/trees/:treeId/category", handler.handleMapTree)
	protected.PUT("/trees/:treeId/mode", handler.handleSetTreeMode)
	protected.PUT("/trees/:treeId/takeover", handler.handleSetTakeover)
	protected.PUT("/connections/:brokerId/directories/:directoryId/category", handler.handleMapDirectory)
	protected.GET("/courses/:courseId/redirect", handler.handleCourseRedirect)
	protected.PUT("/courses/:courseId/exports/:brokerId", handler.handleExportCourse)
	protected.DELETE("/courses/:courseId/exports/:brokerId", handler.handleUnexportCourse)
	protected.GET("/notifications", handler.handleRecentNotifications)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	verifier      AdminVerifier
	tokens        OperatorTokenManager
	runner        CycleRunner
	directories   DirectoryService
	courses       CourseService
	exports       ExportService
	events        EventQueue
	notifications NotificationService
	heartbeat     time.Duration
	logger        *zap.Logger
}

type authRequestPayload struct {
	Operator string `json:"operator"`
	Secret   string `json:"secret"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Operator) == "" || request.Secret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.Operator, request.Secret)
	if err != nil {
		h.logger.Warn("admin secret verification failed", zap.String("operator", request.Operator), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueOperatorToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue operator token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	h.authorizeToken(c, token)
}

func (h *httpHandler) authorizeStream(c *gin.Context) {
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		h.authorizeRequest(c)
		return
	}
	h.authorizeToken(c, token)
}

func (h *httpHandler) authorizeToken(c *gin.Context, token string) {
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, subject)
	c.Next()
}

func parseIDParam(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || value <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "parameter": name})
		return 0, false
	}
	return value, true
}
