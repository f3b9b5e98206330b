package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
)

type createSessionReq struct {
	Category    string `json:"category" binding:"max=32"`
	PrivateMode bool   `json:"privateMode"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createSessionReq
	// an empty body means defaults
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			if isValidationError(err) {
				common.Fail(c, http.StatusBadRequest, 10017, "category too long")
				return
			}
			common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
			return
		}
	}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), userID, req.Category, req.PrivateMode && h.Cfg.PrivateModeEnabled)
	if err != nil {
		h.failChat(c, "create session", err)
		return
	}
	common.Created(c, sess)
}

func (h *Handler) ListSessions(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), userID)
	if err != nil {
		h.failChat(c, "list sessions", err)
		return
	}
	common.OK(c, gin.H{"sessions": sessions})
}

// GetSession returns the session metadata together with its messages.
func (h *Handler) GetSession(c *gin.Context) {
	sess, msgs, err := h.ChatSvc.SessionDetail(c.Request.Context(), c.Param("sessionId"), userPtr(c))
	if err != nil {
		h.failChat(c, "get session", err)
		return
	}
	common.OK(c, gin.H{"session": sess, "messages": msgs})
}

func (h *Handler) DeleteSession(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), c.Param("sessionId"), userID); err != nil {
		h.failChat(c, "delete session", err)
		return
	}
	common.OK(c, gin.H{"deleted": true})
}
