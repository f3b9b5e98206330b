package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-relay/internal/models"
	"github.com/suPer8Hu/chat-relay/internal/relay"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeUpstream struct {
	calls atomic.Int32
	body  string
	err   error
	last  ai.ChatRequest
	// stream, when set, is returned instead of body
	stream io.ReadCloser
}

func (f *fakeUpstream) OpenResponseStream(_ context.Context, req ai.ChatRequest) (io.ReadCloser, error) {
	f.calls.Add(1)
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	if f.stream != nil {
		return f.stream, nil
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

const happyStream = "event: token\ndata: {\"content\":\"Hel\"}\n\n" +
	"event: token\ndata: {\"content\":\"lo\"}\n\n" +
	"event: score\ndata: {\"total\":72,\"breakdown\":{\"a\":1}}\n\n" +
	"event: share_card\ndata: {\"summary\":\"sum\",\"score\":72,\"actions\":[\"x\"]}\n\n" +
	"event: done\ndata: {}\n\n"

type testEnv struct {
	db       *gorm.DB
	svc      *chat.Service
	upstream *fakeUpstream
	signer   *auth.Signer
	streams  *relay.Supervisor
	engine   *gin.Engine
}

func testConfig() config.Config {
	return config.Config{
		ChatContextWindowSize: 20,
		MaxImages:             5,
		MaxDocuments:          3,
		MaxDocumentBytes:      1 << 20,
		MaxMessageChars:       5000,
		IdempotencyEnabled:    true,
		GuestModeEnabled:      true,
		PrivateModeEnabled:    true,
	}
}

func newTestEnv(t *testing.T, body string) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &chat.Session{}, &chat.Message{}, &chat.ShareCard{}))

	cfg := testConfig()
	svc := chat.NewService(chat.NewRepo(db), chat.NewEphemeralStore(50, 100, time.Hour), cfg.ChatContextWindowSize, nil)
	t.Cleanup(svc.Wait)

	up := &fakeUpstream{body: body}
	signer := auth.NewSigner("secret", "iss", "aud", time.Hour)
	streams := relay.NewSupervisor(nil)
	h := NewHandler(cfg, nil, svc, nil, up, streams)

	r := gin.New()
	api := r.Group("/api", middleware.OptionalAuth(signer))
	api.POST("/chat", h.SendMessage)
	api.GET("/chat/history/:sessionId", h.History)

	return &testEnv{db: db, svc: svc, upstream: up, signer: signer, streams: streams, engine: r}
}

func (e *testEnv) seedUser(t *testing.T, id string) string {
	t.Helper()
	require.NoError(t, e.db.Create(&models.User{ID: id, KakaoID: "k-" + id, Nickname: id}).Error)
	tok, err := e.signer.Sign(id)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) post(t *testing.T, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) (int, map[string]any) {
	t.Helper()
	var env struct {
		Code int            `json:"code"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Code, env.Data
}

func TestSendMessage_StreamsAndPersists(t *testing.T) {
	env := newTestEnv(t, happyStream)
	tok := env.seedUser(t, "u1")

	w := env.post(t, tok, gin.H{"sessionId": "s-1", "messageId": "m-1", "message": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	out := w.Body.String()
	assert.Contains(t, out, `{"content":"Hel"}`)
	assert.Contains(t, out, "event: share_card")
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"), out)
	assert.Equal(t, 1, strings.Count(out, "[DONE]"))

	var msgs []chat.Message
	require.NoError(t, env.db.Order("role desc").Find(&msgs, "session_id = ?", "s-1").Error)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, "m-1", msgs[0].ID)
	assert.Equal(t, "Hello", msgs[1].Content)
	require.NotNil(t, msgs[1].RealityScore)
	assert.Equal(t, 72.0, *msgs[1].RealityScore)

	var card chat.ShareCard
	require.NoError(t, env.db.First(&card, "message_id = ?", msgs[1].ID).Error)
	assert.Equal(t, "sum", card.Summary)
}

func TestSendMessage_ReplayIsAlreadyProcessed(t *testing.T) {
	env := newTestEnv(t, happyStream)
	tok := env.seedUser(t, "u1")
	body := gin.H{"sessionId": "s-1", "messageId": "m-1", "message": "hi"}

	first := env.post(t, tok, body)
	require.Equal(t, http.StatusOK, first.Code)

	second := env.post(t, tok, body)
	require.Equal(t, http.StatusOK, second.Code)
	code, data := decodeEnvelope(t, second)
	assert.Equal(t, 0, code)
	assert.Equal(t, "already_processed", data["status"])
	assert.Equal(t, "m-1", data["message_id"])

	assert.Equal(t, int32(1), env.upstream.calls.Load())
	var n int64
	env.db.Model(&chat.Message{}).Where("session_id = ? AND role = ?", "s-1", chat.RoleUser).Count(&n)
	assert.Equal(t, int64(1), n)
}

func TestSendMessage_ValidationRunsBeforeUpstream(t *testing.T) {
	env := newTestEnv(t, happyStream)

	images := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = "aGVsbG8="
		}
		return out
	}

	w := env.post(t, "", gin.H{"message": "look", "images": images(6)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	code, _ := decodeEnvelope(t, w)
	assert.Equal(t, 10010, code)
	assert.Equal(t, int32(0), env.upstream.calls.Load())

	w = env.post(t, "", gin.H{"message": "look", "images": images(5)})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), env.upstream.calls.Load())
	assert.Len(t, env.upstream.last.Images, 5)

	w = env.post(t, "", gin.H{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	code, _ = decodeEnvelope(t, w)
	assert.Equal(t, 10014, code)
}

func TestSendMessage_BindingRulesMapToCodes(t *testing.T) {
	env := newTestEnv(t, happyStream)
	doc := gin.H{"filename": "a.txt", "content": "aGk="}

	cases := []struct {
		name string
		body gin.H
		code int
	}{
		{"too many documents", gin.H{"message": "x", "documents": []gin.H{doc, doc}, "pdfs": []gin.H{doc, doc}}, 10011},
		{"oversized image", gin.H{"message": "x", "images": []string{strings.Repeat("a", 1<<20+1)}}, 10012},
		{"document without content", gin.H{"message": "x", "documents": []gin.H{{"filename": "a.txt"}}}, 10012},
		{"message too long", gin.H{"message": strings.Repeat("말", 5001)}, 10013},
		{"session id too long", gin.H{"message": "x", "sessionId": strings.Repeat("s", 65)}, 10015},
		{"message id too long", gin.H{"message": "x", "messageId": strings.Repeat("m", 129)}, 10015},
		{"lowest code wins", gin.H{"message": strings.Repeat("x", 5001), "sessionId": strings.Repeat("s", 65), "images": make([]string, 6)}, 10010},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.post(t, "", tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			code, _ := decodeEnvelope(t, w)
			assert.Equal(t, tc.code, code)
		})
	}
	assert.Equal(t, int32(0), env.upstream.calls.Load())

	w := env.post(t, "", gin.H{"message": "hi", "documents": []gin.H{doc}, "pdfs": []gin.H{doc, doc}})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestSendMessage_LegacyPDFsAreForwardedAsDocuments(t *testing.T) {
	env := newTestEnv(t, happyStream)

	w := env.post(t, "", gin.H{
		"message": "read this",
		"pdfs":    []gin.H{{"filename": "a.pdf", "content": "JVBERi0="}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, env.upstream.last.Documents, 1)
	assert.Equal(t, "a.pdf", env.upstream.last.Documents[0].Filename)
}

func TestSendMessage_GuestTurnStaysInMemory(t *testing.T) {
	env := newTestEnv(t, happyStream)

	w := env.post(t, "", gin.H{"sessionId": "guest-1", "message": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "data: [DONE]")
	assert.Equal(t, "guest-1", w.Header().Get("X-Session-ID"))

	var n int64
	env.db.Model(&chat.Message{}).Count(&n)
	assert.Zero(t, n)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/history/guest-1", nil)
	hw := httptest.NewRecorder()
	env.engine.ServeHTTP(hw, req)
	require.Equal(t, http.StatusOK, hw.Code)
	_, data := decodeEnvelope(t, hw)
	msgs, ok := data["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestSendMessage_GuestModeDisabled(t *testing.T) {
	env := newTestEnv(t, happyStream)
	env.engine = gin.New()
	cfg := testConfig()
	cfg.GuestModeEnabled = false
	h := NewHandler(cfg, nil, env.svc, nil, env.upstream, relay.NewSupervisor(nil))
	env.engine.POST("/api/chat", middleware.OptionalAuth(env.signer), h.SendMessage)

	w := env.post(t, "", gin.H{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, int32(0), env.upstream.calls.Load())
}

func TestSendMessage_UpstreamFailureBecomesErrorEvent(t *testing.T) {
	env := newTestEnv(t, "")
	env.upstream.err = &ai.UpstreamError{StatusCode: http.StatusBadGateway, Body: "bad gateway"}

	w := env.post(t, "", gin.H{"message": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, "event: error\n")
	assert.Contains(t, out, `"code":"AI_UPSTREAM_ERROR"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"), out)
}

func TestSendMessage_ForeignSessionIsForbidden(t *testing.T) {
	env := newTestEnv(t, happyStream)
	owner := env.seedUser(t, "owner")
	intruder := env.seedUser(t, "intruder")

	require.Equal(t, http.StatusOK, env.post(t, owner, gin.H{"sessionId": "s-own", "message": "mine"}).Code)

	w := env.post(t, intruder, gin.H{"sessionId": "s-own", "message": "let me in"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, int32(1), env.upstream.calls.Load())
}

func TestSendMessage_CrisisReplacesContent(t *testing.T) {
	stream := "event: token\ndata: {\"content\":\"partial\"}\n\n" +
		"event: crisis\ndata: {\"message\":\"please reach out\",\"hotlines\":[\"109\"]}\n\n"
	env := newTestEnv(t, stream)
	tok := env.seedUser(t, "u1")

	w := env.post(t, tok, gin.H{"sessionId": "s-c", "message": "help"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))

	var m chat.Message
	require.NoError(t, env.db.First(&m, "session_id = ? AND role = ?", "s-c", chat.RoleAssistant).Error)
	assert.Equal(t, "please reach out", m.Content)
}

func TestSendMessage_InvalidTokenIsRejected(t *testing.T) {
	env := newTestEnv(t, happyStream)
	w := env.post(t, "not-a-jwt", gin.H{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, int32(0), env.upstream.calls.Load())
}

func TestSendMessage_ClientDisconnectStillPersistsTurn(t *testing.T) {
	env := newTestEnv(t, "")
	tok := env.seedUser(t, "u1")

	pr, pw := io.Pipe()
	env.upstream.stream = pr

	raw, err := json.Marshal(gin.H{"sessionId": "s-d", "message": "hi"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(raw)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	served := make(chan struct{})
	go func() {
		defer close(served)
		env.engine.ServeHTTP(httptest.NewRecorder(), req)
	}()

	_, err = io.WriteString(pw, "event: token\ndata: {\"content\":\"Hel\"}\n\n")
	require.NoError(t, err)

	cancel()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after the client went away")
	}

	_, err = io.WriteString(pw, "event: token\ndata: {\"content\":\"lo\"}\n\nevent: done\ndata: {}\n\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	waitCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, env.streams.Wait(waitCtx))

	var m chat.Message
	require.NoError(t, env.db.First(&m, "session_id = ? AND role = ?", "s-d", chat.RoleAssistant).Error)
	assert.Equal(t, "Hello", m.Content)
}
