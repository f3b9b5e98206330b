package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, signer *auth.Signer, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))

	r.GET("/", h.Root)
	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	// auth
	api.GET("/auth/kakao/login-url", h.KakaoLoginURL)
	api.POST("/auth/kakao", h.KakaoLogin)

	// public share cards
	api.GET("/share/:messageId", h.GetShareCard)

	// chat works for guests; a present token must be valid
	guest := api.Group("/")
	guest.Use(middleware.OptionalAuth(signer))
	guest.POST("/chat", h.SendMessage)
	guest.GET("/chat/history/:sessionId", h.History)
	guest.GET("/sessions/:sessionId", h.GetSession)

	authGroup := api.Group("/")
	authGroup.Use(middleware.AuthRequired(signer))
	authGroup.GET("/auth/me", h.Me)
	authGroup.POST("/sessions", h.CreateSession)
	authGroup.GET("/sessions", h.ListSessions)
	authGroup.DELETE("/sessions/:sessionId", h.DeleteSession)
	authGroup.POST("/share/:messageId", h.CreateShareCard)
	return r
}
