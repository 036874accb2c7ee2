package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/models"
)

// OpenAICompat speaks the OpenAI chat-completions wire format. Both the
// local inference server and Groq use it.
type OpenAICompat struct {
	name   string
	tier   models.Tier
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewLocal creates the free local-tier adapter.
func NewLocal(url, model string) *OpenAICompat {
	return &OpenAICompat{
		name:   "local",
		tier:   models.TierLocal,
		url:    strings.TrimRight(url, "/"),
		model:  model,
		client: &http.Client{},
	}
}

// NewGroq creates the cheap-tier adapter.
func NewGroq(url, apiKey, model string) *OpenAICompat {
	return &OpenAICompat{
		name:   "groq",
		tier:   models.TierCheap,
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		model:  model,
		client: &http.Client{},
	}
}

func (p *OpenAICompat) Name() string      { return p.name }
func (p *OpenAICompat) Tier() models.Tier { return p.tier }

type chatPayload struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	MaxTokens   *int                 `json:"max_tokens,omitempty"`
}

// Complete sends the request in OpenAI wire format. The configured model
// always wins over the client's model hint, since the hint names what the
// caller asked for, not what this tier serves.
func (p *OpenAICompat) Complete(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	payload := chatPayload{
		Model:       p.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindProviderTransient, "upstream_unreachable", err, "%s call failed", p.name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := gwerr.KindProviderFatal
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = gwerr.KindProviderTransient
		}
		return nil, gwerr.New(kind, "upstream_status", "%s returned %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out models.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, gwerr.Wrap(gwerr.KindProviderTransient, "upstream_decode", err, "%s response unreadable", p.name)
	}
	if len(out.Choices) == 0 {
		return nil, gwerr.New(gwerr.KindProviderFatal, "upstream_empty", "%s returned no choices", p.name)
	}
	return &out, nil
}

// ModelInfo describes one model exposed by the local server.
type ModelInfo struct {
	ID      string `json:"id"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ListModels enumerates models from an OpenAI-compatible /v1/models
// endpoint. Used by the local tier for discovery.
func (p *OpenAICompat) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindProviderTransient, "upstream_unreachable", err, "%s models call failed", p.name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, gwerr.New(gwerr.KindProviderTransient, "upstream_status", "%s models returned %d", p.name, resp.StatusCode)
	}

	var out struct {
		Data []ModelInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}
	return out.Data, nil
}

// Ping checks reachability with a short deadline.
func (p *OpenAICompat) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := p.ListModels(ctx)
	return err
}
