package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-relay/internal/metrics"
	"github.com/suPer8Hu/chat-relay/internal/relay"
)

const finalizeTimeout = 15 * time.Second

// SendMessage runs one chat turn and streams the agent's answer as SSE.
// Failures before the stream opens are JSON errors; anything after that is
// an error event followed by [DONE].
func (h *Handler) SendMessage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, bodyLimit(h.Cfg))

	req := sendChatReq{limits: limitsFrom(h.Cfg)}
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.Fail(c, http.StatusRequestEntityTooLarge, 10016, "request too large")
			return
		}
		if code, msg, ok := chatValidationFailure(err); ok {
			common.Fail(c, http.StatusBadRequest, code, msg)
			return
		}
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.normalize()

	uid := userPtr(c)
	if uid == nil && !h.Cfg.GuestModeEnabled {
		common.Fail(c, http.StatusUnauthorized, 40101, "login required")
		return
	}
	private := req.PrivateMode && h.Cfg.PrivateModeEnabled
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	messageID := ""
	if h.Cfg.IdempotencyEnabled {
		messageID = req.MessageID
	}

	ctx := c.Request.Context()
	log := h.Log.With(zap.String("session_id", sessionID), zap.String("request_id", c.GetString(middleware.RequestIDKey)))

	if messageID != "" {
		exists, err := h.ChatSvc.MessageExists(ctx, messageID)
		if err != nil {
			log.Warn("idempotency lookup failed", zap.Error(err))
		}
		if exists {
			log.Info("duplicate chat request ignored", zap.String("message_id", messageID))
			alreadyProcessed(c, sessionID, messageID)
			return
		}
	}

	conv, err := h.ChatSvc.EnsureSession(ctx, sessionID, uid, private)
	if err != nil {
		h.failChat(c, "ensure session", err)
		return
	}

	_, created, err := h.ChatSvc.SaveMessage(ctx, conv, chat.NewMessage{
		ID:      messageID,
		Role:    chat.RoleUser,
		Content: req.Message,
	})
	switch {
	case err == nil && !created:
		// lost a race with a concurrent retry of the same message
		alreadyProcessed(c, sessionID, messageID)
		return
	case err != nil && chat.IsUnavailable(err):
		log.Warn("user turn not persisted, continuing", zap.Error(err))
	case err != nil:
		h.failChat(c, "save user message", err)
		return
	}

	cw := relay.NewClientWriter(c.Writer)
	h.Streams.Attach(sessionID, cw)
	defer h.Streams.Release(sessionID, cw)
	defer cw.Detach(nil)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Header("X-Session-ID", sessionID)
	c.Status(http.StatusOK)

	// the upstream outlives the client connection
	bg := context.WithoutCancel(ctx)
	body, err := h.AI.OpenResponseStream(bg, ai.ChatRequest{
		SessionID:   sessionID,
		UserMessage: req.Message,
		Category:    conv.Category,
		History:     toAIHistory(conv.History),
		Images:      req.Images,
		Documents:   req.documents(),
		OCRText:     req.OCRText,
	})
	if err != nil {
		log.Warn("upstream open failed", zap.Error(err), zap.String("code", ai.Code(err)))
		_ = cw.Send(relay.ErrorFrame(ai.Code(err), ai.Message(err)))
		_ = cw.Send(relay.DoneFrame())
		return
	}

	finalizer := relay.FinalizeFunc(func(ctx context.Context, out relay.Outcome) error {
		ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
		defer cancel()
		_, err := h.ChatSvc.FinalizeTurn(ctx, conv, toTurn(out))
		return err
	})

	finished := make(chan struct{})
	h.Streams.Go(func() {
		defer close(finished)
		defer body.Close()
		relay.New(cw, finalizer, log).Run(bg, body)
	})

	select {
	case <-finished:
	case <-cw.Done():
		// superseded by a newer request or the write path broke
	case <-ctx.Done():
		metrics.ClientDetaches.WithLabelValues("disconnect").Inc()
		log.Info("client disconnected, upstream keeps draining")
	}
}

// History returns a session's messages, owner-checked.
func (h *Handler) History(c *gin.Context) {
	_, msgs, err := h.ChatSvc.SessionDetail(c.Request.Context(), c.Param("sessionId"), userPtr(c))
	if err != nil {
		h.failChat(c, "history", err)
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

func alreadyProcessed(c *gin.Context, sessionID, messageID string) {
	common.OK(c, gin.H{
		"status":     "already_processed",
		"session_id": sessionID,
		"message_id": messageID,
	})
}

func toAIHistory(history []chat.HistoryEntry) []ai.HistoryMessage {
	out := make([]ai.HistoryMessage, 0, len(history))
	for _, m := range history {
		out = append(out, ai.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func toTurn(out relay.Outcome) chat.Turn {
	turn := chat.Turn{
		Content: out.Content,
		Crisis:  out.Crisis != nil,
	}
	if out.Score != nil {
		turn.RealityScore = out.Score.Total
		turn.Breakdown = out.Score.Breakdown
	}
	if out.ShareCard != nil {
		turn.ShareCard = &chat.ShareCardInput{
			Summary: out.ShareCard.Summary,
			Score:   out.ShareCard.Score,
			Actions: out.ShareCard.Actions,
		}
	}
	return turn
}
