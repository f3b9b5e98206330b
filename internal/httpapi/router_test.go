package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-relay/internal/relay"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	signer := auth.NewSigner("secret", "iss", "aud", time.Hour)
	h := handlers.NewHandler(config.Config{}, zap.NewNop(), nil, nil, nil, relay.NewSupervisor(nil))
	return NewRouter(h, signer, zap.NewNop())
}

func TestRouter_Basics(t *testing.T) {
	r := newTestRouter()

	cases := []struct {
		method string
		path   string
		status int
		body   string
	}{
		{http.MethodGet, "/ping", http.StatusOK, `"pong":true`},
		{http.MethodGet, "/nope", http.StatusNotFound, `"code":40400`},
		{http.MethodPut, "/ping", http.StatusMethodNotAllowed, `"code":40500`},
		{http.MethodGet, "/api/sessions", http.StatusUnauthorized, `"code":40101`},
		{http.MethodGet, "/metrics", http.StatusOK, "relay_"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), tc.body)
		})
	}
}

func TestRouter_RequestIDIsEchoed(t *testing.T) {
	r := newTestRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Len(t, w.Header().Get("X-Request-ID"), 26)
}
