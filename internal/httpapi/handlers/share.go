package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
)

type shareCardReq struct {
	Summary string          `json:"summary" binding:"required,notblank"`
	Score   float64         `json:"score"`
	Actions json.RawMessage `json:"actions"`
}

// GetShareCard is public: anyone holding the message id may render the card.
func (h *Handler) GetShareCard(c *gin.Context) {
	card, err := h.ChatSvc.GetShareCard(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		h.failChat(c, "get share card", err)
		return
	}
	common.OK(c, gin.H{
		"message_id": card.MessageID,
		"summary":    card.Summary,
		"score":      card.Score,
		"actions":    card.Actions,
		"created_at": card.CreatedAt,
	})
}

func (h *Handler) CreateShareCard(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req shareCardReq
	if err := c.ShouldBindJSON(&req); err != nil {
		if isValidationError(err) {
			common.Fail(c, http.StatusBadRequest, 10020, "summary required")
			return
		}
		// a malformed actions value fails here too
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Summary = strings.TrimSpace(req.Summary)

	card, err := h.ChatSvc.CreateShareCard(c.Request.Context(), userID, c.Param("messageId"), chat.ShareCardInput{
		Summary: req.Summary,
		Score:   req.Score,
		Actions: req.Actions,
	})
	if err != nil {
		if errors.Is(err, chat.ErrConstraint) {
			common.Fail(c, http.StatusConflict, 40901, "share cards attach to assistant messages only")
			return
		}
		h.failChat(c, "create share card", err)
		return
	}
	common.Created(c, card)
}
