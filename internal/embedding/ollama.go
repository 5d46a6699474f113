package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"synapse/internal/logging"
)

// OllamaEngine generates embeddings and completions against a local Ollama
// server. Supports embeddinggemma and other embedding models.
type OllamaEngine struct {
	endpoint string
	model    string
	genModel string
	client   *http.Client
}

// NewOllamaEngine creates a new Ollama engine.
func NewOllamaEngine(endpoint, model, genModel string) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "embeddinggemma"
	}
	if genModel == "" {
		genModel = "qwen2.5-coder"
	}

	return &OllamaEngine{
		endpoint: endpoint,
		model:    model,
		genModel: genModel,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	req := ollamaEmbedRequest{
		Model:  e.model,
		Prompt: text,
	}

	var result ollamaEmbedResponse
	if err := e.post(ctx, "/api/embeddings", req, &result); err != nil {
		return nil, err
	}
	return result.Embedding, nil
}

// EmbedBatch generates embeddings for multiple texts. Ollama has no native
// batch API, so texts are embedded sequentially.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		embeddings[i] = embedding
	}
	return embeddings, nil
}

// GenerateText produces a completion via /api/generate.
func (e *OllamaEngine) GenerateText(ctx context.Context, prompt string) GenerationResult {
	req := ollamaGenerateRequest{
		Model:  e.genModel,
		Prompt: prompt,
		Stream: false,
	}

	var result ollamaGenerateResponse
	if err := e.post(ctx, "/api/generate", req, &result); err != nil {
		logging.EmbeddingError("ollama generation failed: %v", err)
		return GenerationResult{OK: false, ErrText: err.Error()}
	}
	return GenerationResult{
		Text:   result.Response,
		OK:     true,
		Tokens: result.EvalCount,
	}
}

func (e *OllamaEngine) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Dimensions returns the dimensionality of embeddings.
// embeddinggemma produces 768-dimensional vectors.
func (e *OllamaEngine) Dimensions() int {
	return 768
}

// Name returns the engine name.
func (e *OllamaEngine) Name() string {
	return fmt.Sprintf("ollama:%s", e.model)
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count"`
}
