package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/pkg/budget"
	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/ledger"
	"github.com/openclaw/gateway/pkg/metrics"
	"github.com/openclaw/gateway/pkg/models"
)

type stubCompleter struct {
	resp *models.ChatResponse
	err  error
}

func (s *stubCompleter) Complete(ctx context.Context, caller string, req *models.ChatRequest) (*models.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func okResponse() *models.ChatResponse {
	return &models.ChatResponse{
		ID:     "cmpl-1",
		Object: "chat.completion",
		Model:  "test-model",
		Choices: []models.Choice{{
			Message:      models.ChatMessage{Role: "assistant", Content: "hello"},
			FinishReason: "stop",
		}},
		Usage: models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Meta:  &models.GatewayMeta{RequestID: "req_1", Tier: "cheap", CacheHit: models.CacheHitNone},
	}
}

func newTestServer(t *testing.T, gw Completer) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := ledger.Open(filepath.Join(t.TempDir(), "srv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	kill, err := budget.NewKillSwitch(store, log)
	require.NoError(t, err)
	guard := budget.NewGuard(5, 20, 50, store, kill, log)

	s, err := New(Deps{
		Listen:  ":0",
		Secret:  "test-secret",
		Gateway: gw,
		Guard:   guard,
		Kill:    kill,
		Metrics: metrics.New(),
		Log:     log,
	})
	require.NoError(t, err)
	return s
}

func do(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthUnauthenticated(t *testing.T) {
	s := newTestServer(t, &stubCompleter{resp: okResponse()})
	rec := do(s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, &stubCompleter{resp: okResponse()})

	rec := do(s, http.MethodPost, "/v1/chat/completions", "", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(s, http.MethodPost, "/v1/chat/completions", "wrong-secret", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletion(t *testing.T) {
	s := newTestServer(t, &stubCompleter{resp: okResponse()})
	rec := do(s, http.MethodPost, "/v1/chat/completions", "test-secret",
		`{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Meta)
	assert.Equal(t, "cheap", resp.Meta.Tier)
}

func TestInvalidJSONRejected(t *testing.T) {
	s := newTestServer(t, &stubCompleter{resp: okResponse()})
	rec := do(s, http.MethodPost, "/v1/chat/completions", "test-secret", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request_error")
}

func TestGatewayErrorMapping(t *testing.T) {
	limited := gwerr.New(gwerr.KindRateLimited, "rpm_exceeded", "request rate exceeded").
		WithRetryAfter(42 * time.Second)
	s := newTestServer(t, &stubCompleter{err: limited})

	rec := do(s, http.MethodPost, "/v1/chat/completions", "test-secret",
		`{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rpm_exceeded")
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestKillSwitchAdmin(t *testing.T) {
	s := newTestServer(t, &stubCompleter{resp: okResponse()})

	rec := do(s, http.MethodPost, "/admin/kill-switch?action=enable&reason=maintenance", "test-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state models.KillState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.Enabled)
	assert.Equal(t, "admin", state.Actor)

	rec = do(s, http.MethodPost, "/admin/kill-switch?action=status", "test-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.Enabled)

	rec = do(s, http.MethodPost, "/admin/kill-switch?action=disable", "test-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.False(t, state.Enabled)

	rec = do(s, http.MethodPost, "/admin/kill-switch?action=bogus", "test-secret", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBudgetEndpoint(t *testing.T) {
	s := newTestServer(t, &stubCompleter{resp: okResponse()})
	rec := do(s, http.MethodGet, "/api/budget", "test-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status models.BudgetStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 0.0, status.DailySpent)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &stubCompleter{resp: okResponse()})
	rec := do(s, http.MethodGet, "/api/metrics", "test-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cache_hit_rate")
}

func TestLocalModelsWithoutBackend(t *testing.T) {
	s := newTestServer(t, &stubCompleter{resp: okResponse()})
	rec := do(s, http.MethodGet, "/api/local/models", "test-secret", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "tier_disabled")
}
