package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
)

type kakaoLoginReq struct {
	Code  string `json:"code" binding:"required,notblank"`
	State string `json:"state"`
}

func (h *Handler) KakaoLoginURL(c *gin.Context) {
	url, err := h.AuthSvc.LoginURL(c.Request.Context())
	if err != nil {
		h.failAuth(c, "login url", err)
		return
	}
	common.OK(c, gin.H{"url": url})
}

func (h *Handler) KakaoLogin(c *gin.Context) {
	var req kakaoLoginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		if isValidationError(err) {
			common.Fail(c, http.StatusBadRequest, 10002, "code required")
			return
		}
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Code = strings.TrimSpace(req.Code)

	token, user, err := h.AuthSvc.Login(c.Request.Context(), req.Code, strings.TrimSpace(req.State))
	if err != nil {
		h.failAuth(c, "kakao login", err)
		return
	}
	common.OK(c, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"user":       user,
	})
}

func (h *Handler) Me(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	user, err := h.AuthSvc.Me(c.Request.Context(), userID)
	if err != nil {
		h.failAuth(c, "me", err)
		return
	}
	common.OK(c, user)
}

func (h *Handler) failAuth(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, auth.ErrNotConfigured):
		common.Fail(c, http.StatusServiceUnavailable, 50302, "kakao login is not configured")
	case errors.Is(err, auth.ErrInvalidState):
		common.Fail(c, http.StatusBadRequest, 10030, "invalid oauth state")
	case errors.Is(err, auth.ErrUserNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "user not found")
	case errors.Is(err, auth.ErrKakaoExchange):
		h.Log.Warn(op+" failed", zap.Error(err))
		common.Fail(c, http.StatusUnauthorized, 40104, "kakao authorization failed")
	default:
		h.Log.Error(op+" failed", zap.Error(err), zap.String("request_id", c.GetString(middleware.RequestIDKey)))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
