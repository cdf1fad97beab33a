package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/auth"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"github.com/MarcoPoloResearchLab/notesync/internal/syncserver"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "notesync_owner_id"

	errorUnauthorized   = "unauthorized"
	errorInvalidRequest = "invalid_request"
	errorInternal       = "internal_error"
)

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingSyncService   = errors.New("sync service dependency required")
)

// Authenticator resolves the owner of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type Dependencies struct {
	Authenticator  Authenticator
	SyncService    *syncserver.Service
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		syncService:   deps.SyncService,
		logger:        logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET(protocol.PullPath, handler.handlePull)
	protected.POST(protocol.PushPath, handler.handlePush)

	return router, nil
}

// corsMiddleware reflects the request origin when no origins are configured; session cookies
// require credentialed requests, which rule out a literal "*".
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	authenticator Authenticator
	syncService   *syncserver.Service
	logger        *zap.Logger
}

func (h *httpHandler) handlePull(c *gin.Context) {
	owner, ok := h.ownerFromContext(c)
	if !ok {
		return
	}

	var checkpoint *records.EpochMillis
	if raw := strings.TrimSpace(c.Query(protocol.LastPulledAtParam)); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: errorInvalidRequest})
			return
		}
		value, err := records.NewEpochMillis(parsed)
		if err != nil {
			c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: errorInvalidRequest})
			return
		}
		checkpoint = &value
	}

	result, err := h.syncService.Pull(c.Request.Context(), owner, checkpoint)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response, err := h.syncService.EncodePull(result)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePush(c *gin.Context) {
	owner, ok := h.ownerFromContext(c)
	if !ok {
		return
	}

	var payload protocol.PushRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: errorInvalidRequest})
		return
	}

	request, err := h.syncService.DecodePush(payload)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if err := h.syncService.Push(c.Request.Context(), owner, request); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.PushResponse{OK: true})
}

func (h *httpHandler) ownerFromContext(c *gin.Context) (records.OwnerID, bool) {
	owner, err := records.NewOwnerID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: errorUnauthorized})
		return "", false
	}
	return owner, true
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	code := ""
	var serviceErr *syncserver.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	var conflict *protocol.ConflictError
	var notFound *syncserver.NotFoundError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, protocol.ErrorResponse{Error: conflict.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, protocol.ErrorResponse{Error: notFound.Error(), Code: code})
	case errors.Is(err, syncserver.ErrValidation):
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: errorInvalidRequest, Code: code})
	default:
		h.logger.Error("sync request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, protocol.ErrorResponse{Error: errorInternal, Code: code})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	owner, err := h.authenticator.Authenticate(c.Request)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: errorUnauthorized})
		return
	}
	c.Set(userIDContextKey, owner)
	c.Next()
}
