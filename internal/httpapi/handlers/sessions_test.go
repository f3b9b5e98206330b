package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-relay/internal/relay"
)

func (e *testEnv) mountSessionRoutes() {
	h := NewHandler(testConfig(), nil, e.svc, nil, e.upstream, relay.NewSupervisor(nil))
	authed := e.engine.Group("/api", middleware.AuthRequired(e.signer))
	authed.POST("/sessions", h.CreateSession)
	authed.GET("/sessions", h.ListSessions)
	authed.DELETE("/sessions/:sessionId", h.DeleteSession)
	authed.POST("/share/:messageId", h.CreateShareCard)

	open := e.engine.Group("/api", middleware.OptionalAuth(e.signer))
	open.GET("/sessions/:sessionId", h.GetSession)
	e.engine.GET("/api/share/:messageId", h.GetShareCard)
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func TestSessions_CreateListDelete(t *testing.T) {
	env := newTestEnv(t, happyStream)
	env.mountSessionRoutes()
	tok := env.seedUser(t, "u1")

	w := env.do(t, http.MethodPost, "/api/sessions", tok, `{"category":"love"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	_, data := decodeEnvelope(t, w)
	sid, _ := data["session_id"].(string)
	require.NotEmpty(t, sid)
	assert.Equal(t, "love", data["category"])

	w = env.do(t, http.MethodGet, "/api/sessions", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	_, data = decodeEnvelope(t, w)
	list, _ := data["sessions"].([]any)
	assert.Len(t, list, 1)

	w = env.do(t, http.MethodDelete, "/api/sessions/"+sid, tok, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/sessions/"+sid, tok, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessions_PrivateSessionIsNotListed(t *testing.T) {
	env := newTestEnv(t, happyStream)
	env.mountSessionRoutes()
	tok := env.seedUser(t, "u1")

	w := env.do(t, http.MethodPost, "/api/sessions", tok, `{"privateMode":true}`)
	require.Equal(t, http.StatusCreated, w.Code)
	_, data := decodeEnvelope(t, w)
	assert.Equal(t, true, data["private"])
	assert.Equal(t, chat.DefaultCategory, data["category"])

	w = env.do(t, http.MethodGet, "/api/sessions", tok, "")
	_, data = decodeEnvelope(t, w)
	list, _ := data["sessions"].([]any)
	assert.Empty(t, list)

	var n int64
	env.db.Model(&chat.Session{}).Count(&n)
	assert.Zero(t, n)
}

func TestSessions_RequireLogin(t *testing.T) {
	env := newTestEnv(t, happyStream)
	env.mountSessionRoutes()

	w := env.do(t, http.MethodPost, "/api/sessions", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	code, _ := decodeEnvelope(t, w)
	assert.Equal(t, 40101, code)
}

func TestSessions_DetailIsOwnerChecked(t *testing.T) {
	env := newTestEnv(t, happyStream)
	env.mountSessionRoutes()
	owner := env.seedUser(t, "owner")
	other := env.seedUser(t, "other")

	require.Equal(t, http.StatusOK, env.post(t, owner, gin.H{"sessionId": "s-o", "message": "hi"}).Code)

	w := env.do(t, http.MethodGet, "/api/sessions/s-o", owner, "")
	require.Equal(t, http.StatusOK, w.Code)
	_, data := decodeEnvelope(t, w)
	msgs, _ := data["messages"].([]any)
	assert.Len(t, msgs, 2)

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/sessions/s-o", other, "").Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/sessions/s-o", "", "").Code)
}

func TestShareCard_StreamedCardIsPublic(t *testing.T) {
	env := newTestEnv(t, happyStream)
	env.mountSessionRoutes()
	tok := env.seedUser(t, "u1")

	require.Equal(t, http.StatusOK, env.post(t, tok, gin.H{"sessionId": "s-1", "message": "hi"}).Code)

	var assistant chat.Message
	require.NoError(t, env.db.First(&assistant, "session_id = ? AND role = ?", "s-1", chat.RoleAssistant).Error)

	w := env.do(t, http.MethodGet, "/api/share/"+assistant.ID, "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, data := decodeEnvelope(t, w)
	assert.Equal(t, "sum", data["summary"])
	assert.Equal(t, 72.0, data["score"])

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/share/missing", "", "").Code)
}

func TestShareCard_CreateRules(t *testing.T) {
	env := newTestEnv(t, "event: token\ndata: {\"content\":\"answer\"}\n\n")
	env.mountSessionRoutes()
	owner := env.seedUser(t, "owner")
	other := env.seedUser(t, "other")

	require.Equal(t, http.StatusOK, env.post(t, owner, gin.H{"sessionId": "s-1", "messageId": "m-user", "message": "hi"}).Code)

	var assistant chat.Message
	require.NoError(t, env.db.First(&assistant, "session_id = ? AND role = ?", "s-1", chat.RoleAssistant).Error)

	body := `{"summary":"card","score":40,"actions":["call a friend"]}`
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/share/"+assistant.ID, other, body).Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/share/m-user", owner, body).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/share/"+assistant.ID, owner, `{"summary":" "}`).Code)

	w := env.do(t, http.MethodPost, "/api/share/"+assistant.ID, owner, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	_, data := decodeEnvelope(t, w)
	assert.Equal(t, "card", data["summary"])
}

func TestBindingRules_SessionAndShareCodes(t *testing.T) {
	env := newTestEnv(t, "event: token\ndata: {\"content\":\"answer\"}\n\n")
	env.mountSessionRoutes()
	tok := env.seedUser(t, "u1")

	w := env.do(t, http.MethodPost, "/api/sessions", tok, `{"category":"`+strings.Repeat("c", 33)+`"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	code, _ := decodeEnvelope(t, w)
	assert.Equal(t, 10017, code)

	require.Equal(t, http.StatusOK, env.post(t, tok, gin.H{"sessionId": "s-1", "message": "hi"}).Code)
	var assistant chat.Message
	require.NoError(t, env.db.First(&assistant, "session_id = ? AND role = ?", "s-1", chat.RoleAssistant).Error)

	for _, body := range []string{`{"score":1}`, `{"summary":"  \t"}`} {
		w = env.do(t, http.MethodPost, "/api/share/"+assistant.ID, tok, body)
		require.Equal(t, http.StatusBadRequest, w.Code, body)
		code, _ = decodeEnvelope(t, w)
		assert.Equal(t, 10020, code, body)
	}

	w = env.do(t, http.MethodPost, "/api/share/"+assistant.ID, tok, `{"summary":"card","actions":[1,}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	code, _ = decodeEnvelope(t, w)
	assert.Equal(t, 10001, code)
}
