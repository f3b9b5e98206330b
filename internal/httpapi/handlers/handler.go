package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-relay/internal/relay"
)

// Upstream opens the AI response stream for one turn.
type Upstream interface {
	OpenResponseStream(ctx context.Context, req ai.ChatRequest) (io.ReadCloser, error)
}

type Handler struct {
	Cfg     config.Config
	Log     *zap.Logger
	ChatSvc *chat.Service
	AuthSvc *auth.Service
	AI      Upstream
	Streams *relay.Supervisor
}

func NewHandler(cfg config.Config, log *zap.Logger, chatSvc *chat.Service, authSvc *auth.Service, upstream Upstream, streams *relay.Supervisor) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Cfg:     cfg,
		Log:     log.Named("http"),
		ChatSvc: chatSvc,
		AuthSvc: authSvc,
		AI:      upstream,
		Streams: streams,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func (h *Handler) Root(c *gin.Context) {
	common.OK(c, gin.H{"service": "chat-relay", "status": "ok"})
}

func userPtr(c *gin.Context) *string {
	if uid, ok := middleware.UserID(c); ok {
		return &uid
	}
	return nil
}

// failChat maps chat service errors onto the response envelope.
func (h *Handler) failChat(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrForbidden):
		common.Fail(c, http.StatusForbidden, 40301, "no access to this session")
	case errors.Is(err, chat.ErrUserNotFound):
		common.Fail(c, http.StatusUnauthorized, 40103, "user no longer exists")
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "not found")
	case chat.IsUnavailable(err):
		h.Log.Warn(op+" failed: storage unavailable", zap.Error(err))
		common.Fail(c, http.StatusServiceUnavailable, 50301, "storage temporarily unavailable")
	default:
		h.Log.Error(op+" failed", zap.Error(err), zap.String("request_id", c.GetString(middleware.RequestIDKey)))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
