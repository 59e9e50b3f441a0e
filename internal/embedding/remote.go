package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteEngine generates embeddings against a cloud HTTP endpoint speaking
// the common /v1/embeddings shape with bearer-token authentication.
type RemoteEngine struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewRemoteEngine creates a cloud HTTP embedding engine.
func NewRemoteEngine(endpoint, apiKey, model string, timeout time.Duration) (*RemoteEngine, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("remote embedding endpoint is required")
	}
	if model == "" {
		return nil, fmt.Errorf("remote embedding model is required")
	}
	return &RemoteEngine{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Embed generates an embedding for a single text.
func (e *RemoteEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request; the endpoint has native batch
// support. Output order matches input order.
func (e *RemoteEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := remoteEmbedRequest{Model: e.model, Input: texts}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("remote embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote embedding returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result remoteEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Data))
	}

	// The endpoint may return entries out of order; index is authoritative.
	vectors := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Dimensions returns 0: the length is registered from the first response.
func (e *RemoteEngine) Dimensions() int { return 0 }

// Name returns the provider identifier.
func (e *RemoteEngine) Name() string {
	return fmt.Sprintf("remote:%s", e.model)
}

type remoteEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type remoteEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}
