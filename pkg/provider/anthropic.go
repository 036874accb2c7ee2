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

// Anthropic adapts the premium tier's messages API to the shared completion
// contract. The system prompt is sent with an ephemeral cache_control marker
// so repeated prefixes bill at the reduced cache-read rate; the dispatcher
// surfaces that purely as lower reported cost.
type Anthropic struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

const anthropicVersion = "2023-06-01"

// NewAnthropic creates the premium-tier adapter.
func NewAnthropic(url, apiKey, model string) *Anthropic {
	return &Anthropic{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		model:  model,
		client: &http.Client{},
	}
}

func (p *Anthropic) Name() string      { return "anthropic" }
func (p *Anthropic) Tier() models.Tier { return models.TierPremium }

type anthropicSystemBlock struct {
	Type         string         `json:"type"`
	Text         string         `json:"text"`
	CacheControl map[string]any `json:"cache_control,omitempty"`
}

type anthropicPayload struct {
	Model       string                 `json:"model"`
	System      []anthropicSystemBlock `json:"system,omitempty"`
	Messages    []models.ChatMessage   `json:"messages"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature *float64               `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// Complete translates to and from the messages API.
func (p *Anthropic) Complete(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	payload := anthropicPayload{
		Model:       p.model,
		MaxTokens:   4096,
		Temperature: req.Temperature,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		payload.MaxTokens = *req.MaxTokens
	}

	for _, m := range req.Messages {
		if strings.EqualFold(m.Role, "system") {
			payload.System = append(payload.System, anthropicSystemBlock{
				Type:         "text",
				Text:         m.Content,
				CacheControl: map[string]any{"type": "ephemeral"},
			})
			continue
		}
		payload.Messages = append(payload.Messages, m)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode anthropic payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindProviderTransient, "upstream_unreachable", err, "anthropic call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := gwerr.KindProviderFatal
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 529 {
			kind = gwerr.KindProviderTransient
		}
		return nil, gwerr.New(kind, "upstream_status", "anthropic returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, gwerr.Wrap(gwerr.KindProviderTransient, "upstream_decode", err, "anthropic response unreadable")
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	finish := "stop"
	if out.StopReason == "max_tokens" {
		finish = "length"
	}

	return &models.ChatResponse{
		ID:      out.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   out.Model,
		Choices: []models.Choice{{
			Message:      models.ChatMessage{Role: "assistant", Content: text.String()},
			FinishReason: finish,
		}},
		Usage: models.Usage{
			PromptTokens:             out.Usage.InputTokens,
			CompletionTokens:         out.Usage.OutputTokens,
			TotalTokens:              out.Usage.InputTokens + out.Usage.OutputTokens,
			CacheReadInputTokens:     out.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: out.Usage.CacheCreationInputTokens,
		},
	}, nil
}
