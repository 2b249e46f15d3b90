package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pario-ai/mathgate/pkg/config"
	"github.com/pario-ai/mathgate/pkg/models"
	"github.com/pario-ai/mathgate/pkg/service"
)

func setupServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Listen = ":0"
	cfg.Cache.SweepInterval = 0
	if mutate != nil {
		mutate(cfg)
	}
	log := zaptest.NewLogger(t)
	svc, err := service.Build(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return New(cfg, svc, log)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRecognize(t *testing.T) {
	s := setupServer(t, nil)

	w := do(t, s, http.MethodPost, "/v1/recognize", `{"text":"\\frac{a}{b}","options":{"format":"latex"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var first recognizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, service.SourceComputed, first.Source)
	assert.Equal(t, "lightweight", first.Tier)
	assert.Len(t, first.Fingerprint, 64)
	assert.NotEmpty(t, first.RequestID)
	assert.Equal(t, first.RequestID, w.Header().Get(RequestIDHeader))
	require.NotNil(t, first.Decision)
	assert.True(t, first.Decision.UseLightweight)

	w = do(t, s, http.MethodPost, "/v1/recognize", `{"text":"\\frac{a}{b}","options":{"format":"latex"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	var second recognizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, service.SourceExact, second.Source)
	assert.Equal(t, first.Payload, second.Payload)

	w = do(t, s, http.MethodGet, "/v1/cache/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st models.CacheStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 1, st.CurrentSize)
}

func TestRecognizeErrors(t *testing.T) {
	s := setupServer(t, nil)

	w := do(t, s, http.MethodPost, "/v1/recognize", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/v1/recognize", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty content is an invalid fingerprint")
	assert.Contains(t, w.Body.String(), "mathgate_error")

	w = do(t, s, http.MethodGet, "/v1/recognize", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRecognizeBodyTooLarge(t *testing.T) {
	old := maxBodySize
	maxBodySize = 64
	t.Cleanup(func() { maxBodySize = old })
	s := setupServer(t, nil)

	body := `{"text":"` + strings.Repeat("x", 100) + `"}`
	w := do(t, s, http.MethodPost, "/v1/recognize", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "64 bytes")

	w = do(t, s, http.MethodPost, "/v1/recognize", `{"text":"x^2"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestComputeFailureIsBadGateway(t *testing.T) {
	s := setupServer(t, func(c *config.Config) {
		c.Executor.Local.Lightweight.FailureRate = 1
		c.Executor.Local.Powerful.FailureRate = 1
	})
	w := do(t, s, http.MethodPost, "/v1/recognize", `{"text":"x"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestInvalidate(t *testing.T) {
	s := setupServer(t, nil)

	w := do(t, s, http.MethodPost, "/v1/recognize", `{"text":"a"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res recognizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	_ = do(t, s, http.MethodPost, "/v1/recognize", `{"text":"b"}`)

	w = do(t, s, http.MethodDelete, "/v1/cache/"+res.Fingerprint, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"removed":true`)

	w = do(t, s, http.MethodDelete, "/v1/cache/not-hex", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodDelete, "/v1/cache", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":1}`, w.Body.String())
}

func TestRouteAndBreaker(t *testing.T) {
	s := setupServer(t, func(c *config.Config) { c.Router.Breaker.Threshold = 1 })

	w := do(t, s, http.MethodPost, "/v1/route", `{"confidence":0.9,"uncertainty":0.1}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"use_lightweight":true`)

	w = do(t, s, http.MethodPost, "/v1/breaker/outcome", `{"success":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"healthy":false,"state":"open"}`, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/route", `{"confidence":0.99,"uncertainty":0.01}`)
	assert.Contains(t, w.Body.String(), `"use_lightweight":false`)
	assert.Contains(t, w.Body.String(), `"breaker_state":"open"`)

	w = do(t, s, http.MethodPost, "/v1/breaker/reset", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/v1/breaker", "")
	assert.JSONEq(t, `{"healthy":true,"state":"closed"}`, w.Body.String())
}

func TestRequestIDEcho(t *testing.T) {
	s := setupServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	s := setupServer(t, func(c *config.Config) {
		c.Server.RateLimit = 0.001
		c.Server.Burst = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, s, http.MethodGet, "/v1/cache/stats", "").Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code, "health is never limited")
}

func TestMetrics(t *testing.T) {
	s := setupServer(t, nil)
	_ = do(t, s, http.MethodPost, "/v1/recognize", `{"text":"m"}`)

	w := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "mathgate_cache_misses_total 1")
	assert.Contains(t, body, `mathgate_router_decisions_total{tier="lightweight"} 1`)
}
