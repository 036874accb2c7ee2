package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/models"
)

func TestCostClaude(t *testing.T) {
	usage := models.Usage{
		PromptTokens:         1_000_000,
		CompletionTokens:     100_000,
		CacheReadInputTokens: 400_000,
	}
	// 600k regular input at $3/M + 400k cache reads at $0.30/M + 100k output at $15/M.
	got := Cost(models.TierPremium, "claude-sonnet-4-20250514", usage)
	assert.InDelta(t, 0.6*3.0+0.4*0.30+0.1*15.0, got, 1e-9)
}

func TestCostCheapFlatRate(t *testing.T) {
	usage := models.Usage{PromptTokens: 500_000, CompletionTokens: 500_000}
	assert.InDelta(t, 0.05, Cost(models.TierCheap, "llama-3.3-70b-versatile", usage), 1e-9)
}

func TestCostLocalIsFree(t *testing.T) {
	usage := models.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}
	assert.Zero(t, Cost(models.TierLocal, "llama3.2", usage))
}

func TestEstimateCostOrdering(t *testing.T) {
	assert.Zero(t, EstimateCost(models.TierLocal, 10_000))
	cheap := EstimateCost(models.TierCheap, 10_000)
	premium := EstimateCost(models.TierPremium, 10_000)
	assert.Greater(t, premium, cheap)
	assert.Greater(t, cheap, 0.0)
}

func TestOpenAICompatComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gsk-test", r.Header.Get("Authorization"))

		var payload chatPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "llama-3.3-70b-versatile", payload.Model, "configured model overrides the hint")

		json.NewEncoder(w).Encode(models.ChatResponse{
			ID:      "cmpl-1",
			Choices: []models.Choice{{Message: models.ChatMessage{Role: "assistant", Content: "hi"}}},
			Usage:   models.Usage{PromptTokens: 4, CompletionTokens: 1, TotalTokens: 5},
		})
	}))
	defer srv.Close()

	p := NewGroq(srv.URL, "gsk-test", "llama-3.3-70b-versatile")
	resp, err := p.Complete(context.Background(), &models.ChatRequest{
		Model:    "gpt-4",
		Messages: []models.ChatMessage{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestOpenAICompatErrorClassification(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := NewLocal(srv.URL, "llama3.2")
	req := &models.ChatRequest{Messages: []models.ChatMessage{{Role: "user", Content: "x"}}}

	_, err := p.Complete(context.Background(), req)
	require.Error(t, err)
	assert.True(t, gwerr.IsTransient(err), "5xx is transient")

	status = http.StatusBadRequest
	_, err = p.Complete(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindProviderFatal, gwerr.KindOf(err), "4xx is fatal")
}

func TestOpenAICompatListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "llama3.2"}, {"id": "qwen2.5-coder"}},
		})
	}))
	defer srv.Close()

	p := NewLocal(srv.URL, "llama3.2")
	ms, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "llama3.2", ms[0].ID)
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var payload anthropicPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.System, 1, "system prompt moves out of messages")
		assert.Equal(t, "ephemeral", payload.System[0].CacheControl["type"])
		require.Len(t, payload.Messages, 1)

		json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg-1",
			"model": "claude-sonnet-4-20250514",
			"content": []map[string]any{
				{"type": "text", "text": "bonjour"},
			},
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":            120,
				"output_tokens":           8,
				"cache_read_input_tokens": 100,
			},
		})
	}))
	defer srv.Close()

	p := NewAnthropic(srv.URL, "sk-ant-test", "claude-sonnet-4-20250514")
	resp, err := p.Complete(context.Background(), &models.ChatRequest{
		Messages: []models.ChatMessage{
			{Role: "system", Content: "be french"},
			{Role: "user", Content: "hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "bonjour", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 100, resp.Usage.CacheReadInputTokens)
	assert.Equal(t, 128, resp.Usage.TotalTokens)
}
