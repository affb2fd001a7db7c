package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-alerts/internal/metrics"
	"defi-alerts/internal/service"
)

type stubRunner struct {
	result service.RunResult
	err    error
	calls  int
}

func (s *stubRunner) RunOnce(context.Context) (service.RunResult, error) {
	s.calls++
	return s.result, s.err
}

func setupRouter(runner Runner, token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	srv := New(Options{TriggerToken: token}, runner, metrics.New().Registry, zerolog.Nop())
	return srv.Router()
}

func doGet(r http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTriggerSuccess(t *testing.T) {
	runner := &stubRunner{result: service.RunResult{RunID: "run-1", Triggered: 3}}
	w := doGet(setupRouter(runner, ""), "/api/alerts/compound-market", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, 3.0, resp["triggeredNotifications"])
	assert.Equal(t, 1, runner.calls)
}

func TestTriggerFailure(t *testing.T) {
	runner := &stubRunner{err: fmt.Errorf("fetch market rates: %w", errors.New("timeout"))}
	w := doGet(setupRouter(runner, ""), "/api/alerts/compound-market", nil)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "fetch market rates: timeout", resp["error"])
}

func TestTriggerConflict(t *testing.T) {
	runner := &stubRunner{err: service.ErrRunInProgress}
	w := doGet(setupRouter(runner, ""), "/api/alerts/compound-market", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "run already in progress")
}

func TestTriggerToken(t *testing.T) {
	runner := &stubRunner{}
	r := setupRouter(runner, "s3cret")

	w := doGet(r, "/api/alerts/compound-market", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doGet(r, "/api/alerts/compound-market", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, runner.calls)

	w = doGet(r, "/api/alerts/compound-market", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, runner.calls)
}

func TestHealthAndMetrics(t *testing.T) {
	r := setupRouter(&stubRunner{}, "")

	w := doGet(r, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	_ = doGet(r, "/api/alerts/compound-market", nil)
	w = doGet(r, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
}

func TestCustomTriggerPath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := New(Options{TriggerPath: "/run"}, &stubRunner{}, nil, zerolog.Nop())

	assert.Equal(t, http.StatusOK, doGet(srv.Router(), "/run", nil).Code)
	assert.Equal(t, http.StatusNotFound, doGet(srv.Router(), "/metrics", nil).Code)
}

type ctxRunner struct {
	ctxErr error
}

func (r *ctxRunner) RunOnce(ctx context.Context) (service.RunResult, error) {
	r.ctxErr = ctx.Err()
	return service.RunResult{}, nil
}

func TestTriggerRunSurvivesClientDisconnect(t *testing.T) {
	runner := &ctxRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/alerts/compound-market", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	setupRouter(runner, "").ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, runner.ctxErr)
}
