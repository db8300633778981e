package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pnclient/internal/client"
	"github.com/danmuck/pnclient/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubController struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubController) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
}

func (s *stubController) Connect()           { s.record("connect") }
func (s *stubController) Disconnect()        { s.record("disconnect") }
func (s *stubController) ReregisterAccount() { s.record("reregister") }

func (s *stubController) Status() client.Status {
	return client.Status{State: client.StateConnected.String(), Server: "push.test:5222", Connected: true, Subscriptions: 1}
}

func (s *stubController) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestServer(t *testing.T, origins []string) (*Server, *stubController) {
	return newTestServerWithToken(t, origins, "")
}

func newTestServerWithToken(t *testing.T, origins []string, token string) (*Server, *stubController) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctrl := &stubController{}
	return New(Options{Addr: "127.0.0.1:0", CorsOrigins: origins, Token: token}, ctrl), ctrl
}

func serve(s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthAndStatus(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, nil)

	rr := serve(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "connected", health["state"])

	rr = serve(s, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st client.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "push.test:5222", st.Server)
	assert.True(t, st.Connected)
	assert.Equal(t, 1, st.Subscriptions)
}

func TestLifecycleTriggers(t *testing.T) {
	testlog.Start(t)
	s, ctrl := newTestServer(t, nil)

	for _, path := range []string{"/connect", "/disconnect", "/reregister"} {
		rr := serve(s, http.MethodPost, path, nil)
		require.Equal(t, http.StatusAccepted, rr.Code, path)
	}
	assert.Equal(t, []string{"connect", "disconnect", "reregister"}, ctrl.recorded())

	rr := serve(s, http.MethodGet, "/connect", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestControlRoutesRequireToken(t *testing.T) {
	testlog.Start(t)
	s, ctrl := newTestServerWithToken(t, nil, "s3cret")

	rr := serve(s, http.MethodPost, "/connect", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, ctrl.recorded())

	rr = serve(s, http.MethodPost, "/connect", http.Header{"Authorization": []string{"Bearer s3cret"}})
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []string{"connect"}, ctrl.recorded())

	rr = serve(s, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, nil)
	serve(s, http.MethodGet, "/health", nil)

	rr := serve(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "pnclient_admin_requests_total")
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, []string{"http://dash.local"})

	rr := serve(s, http.MethodGet, "/status", http.Header{"Origin": []string{"http://dash.local"}})
	assert.Equal(t, "http://dash.local", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = serve(s, http.MethodGet, "/status", http.Header{"Origin": []string{"http://evil.local"}})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, []string{"*"})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("admin server did not stop")
	}
}
