package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint and falls
// back to the hash embedder when the endpoint is unreachable, so a flaky
// embedding service never takes the semantic cache down with it.
type HTTPEmbedder struct {
	url      string
	apiKey   string
	model    string
	client   *http.Client
	fallback *HashEmbedder
}

// NewHTTPEmbedder creates an HTTPEmbedder; dim sizes the fallback vectors.
func NewHTTPEmbedder(url, apiKey, model string, dim int) *HTTPEmbedder {
	return &HTTPEmbedder{
		url:      strings.TrimRight(url, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
		fallback: NewHashEmbedder(dim),
	}
}

func (e *HTTPEmbedder) Dimension() int { return e.fallback.Dimension() }

type embedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.remote(ctx, text)
	if err != nil {
		return e.fallback.Embed(ctx, text)
	}
	return vec, nil
}

func (e *HTTPEmbedder) remote(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Input: text, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("embed call: status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embed call: empty response")
	}
	return out.Data[0].Embedding, nil
}
