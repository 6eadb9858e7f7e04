package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/procurolabs/procuro/backend/internal/bookmarks"
	"github.com/procurolabs/procuro/backend/internal/chat"
	"github.com/procurolabs/procuro/backend/internal/relay"
)

const ownerIDContextKey = "procuro_owner_id"

var (
	errMissingTokenValidator  = errors.New("token validator dependency required")
	errMissingChatService     = errors.New("chat service dependency required")
	errMissingRelayService    = errors.New("relay service dependency required")
	errMissingBookmarkService = errors.New("bookmark service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns the owner it identifies.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// Dependencies wires the HTTP surface to the application services.
type Dependencies struct {
	Tokens    TokenValidator
	Chat      *chat.Service
	Relay     *relay.Service
	Bookmarks *bookmarks.Service
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin router with all routes registered.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Chat == nil {
		return nil, errMissingChatService
	}
	if deps.Relay == nil {
		return nil, errMissingRelayService
	}
	if deps.Bookmarks == nil {
		return nil, errMissingBookmarkService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		chat:      deps.Chat,
		relay:     deps.Relay,
		bookmarks: deps.Bookmarks,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/chat/messages", handler.handleChatStream)
	protected.GET("/conversations", handler.handleListConversations)
	protected.GET("/conversations/:ref/messages", handler.handleListMessages)
	protected.GET("/conversations/:ref/stage", handler.handleConversationStage)
	protected.PATCH("/conversations/:ref", handler.handleRenameConversation)
	protected.DELETE("/conversations/:ref", handler.handleDeleteConversation)
	protected.GET("/bookmarks/suppliers", handler.handleListBookmarks)
	protected.POST("/bookmarks/suppliers", handler.handleSaveBookmark)
	protected.DELETE("/bookmarks/suppliers/:supplierID", handler.handleRemoveBookmark)
	protected.GET("/wishlist", handler.handleListWishlist)
	protected.POST("/wishlist", handler.handleSaveWishlistItem)
	protected.DELETE("/wishlist/:productID", handler.handleRemoveWishlistItem)

	return router, nil
}

type httpHandler struct {
	tokens    TokenValidator
	chat      *chat.Service
	relay     *relay.Service
	bookmarks *bookmarks.Service
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
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
	subject, err := h.tokens.Validate(token)
	if err != nil {
		// Expired tokens are routine churn; anything else deserves attention.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) ownerID(c *gin.Context) (string, bool) {
	ownerID := c.GetString(ownerIDContextKey)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return ownerID, true
}

// respondChatError maps store failures onto HTTP statuses. Missing and
// foreign conversations both surface as 404.
func (h *httpHandler) respondChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, chat.ErrInvalidOwnerID),
		errors.Is(err, chat.ErrInvalidContextID),
		errors.Is(err, chat.ErrInvalidReference):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("chat request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
