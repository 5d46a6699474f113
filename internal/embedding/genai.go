package embedding

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"synapse/internal/logging"
)

// maxKeyAttempts bounds how many attempts a single call makes.
const maxKeyAttempts = 4

// GenAIEngine generates embeddings and completions using Google's Gemini
// API. Credentials and generation models come from the key rotator; a
// rate-limited call reports the failure to the rotator and retries with the
// key it hands out next, which stays the same key until it is quarantined.
type GenAIEngine struct {
	keys       KeySource
	embedModel string
}

// NewGenAIEngine creates a new GenAI engine.
func NewGenAIEngine(keys KeySource, embedModel string) (*GenAIEngine, error) {
	if keys == nil {
		return nil, fmt.Errorf("genai engine requires a key source")
	}
	if embedModel == "" {
		embedModel = "gemini-embedding-001"
	}
	return &GenAIEngine{keys: keys, embedModel: embedModel}, nil
}

// newClient builds a client for the currently active key.
func (e *GenAIEngine) newClient(ctx context.Context) (*genai.Client, error) {
	key := e.keys.CurrentKey()
	if key == "" {
		return nil, fmt.Errorf("no API key available")
	}
	return genai.NewClient(ctx, &genai.ClientConfig{APIKey: key})
}

// isRateLimited reports whether an error smells like quota exhaustion.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(strings.ToLower(msg), "rate limit") ||
		strings.Contains(strings.ToLower(msg), "quota")
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts. GenAI has native
// batch support.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	var lastErr error
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		client, err := e.newClient(ctx)
		if err != nil {
			return nil, err
		}

		result, err := client.Models.EmbedContent(ctx, e.embedModel, contents, nil)
		if err == nil {
			e.keys.ReportSuccess()
			embeddings := make([][]float32, len(result.Embeddings))
			for i, emb := range result.Embeddings {
				embeddings[i] = emb.Values
			}
			return embeddings, nil
		}

		lastErr = err
		if !isRateLimited(err) {
			return nil, fmt.Errorf("GenAI embed failed: %w", err)
		}
		logging.EmbeddingError("embed rate-limited on attempt %d, rotating key", attempt+1)
		e.keys.ReportRateLimit()
	}
	return nil, fmt.Errorf("GenAI embed exhausted key pool: %w", lastErr)
}

// GenerateText produces a completion using the rotator's current model.
func (e *GenAIEngine) GenerateText(ctx context.Context, prompt string) GenerationResult {
	var lastErr error
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		client, err := e.newClient(ctx)
		if err != nil {
			return GenerationResult{OK: false, ErrText: err.Error()}
		}

		model := e.keys.CurrentModel()
		result, err := client.Models.GenerateContent(ctx, model,
			genai.Text(prompt), nil)
		if err == nil {
			e.keys.ReportSuccess()
			return GenerationResult{Text: result.Text(), OK: true}
		}

		lastErr = err
		if !isRateLimited(err) {
			logging.EmbeddingError("generation failed: %v", err)
			return GenerationResult{OK: false, ErrText: err.Error()}
		}
		logging.EmbeddingError("generation rate-limited on attempt %d, rotating key", attempt+1)
		e.keys.ReportRateLimit()
	}
	return GenerationResult{OK: false, ErrText: fmt.Sprintf("key pool exhausted: %v", lastErr)}
}

// Dimensions returns the dimensionality of embeddings.
// gemini-embedding-001 produces 768-dimensional vectors.
func (e *GenAIEngine) Dimensions() int {
	return 768
}

// Name returns the engine name.
func (e *GenAIEngine) Name() string {
	return fmt.Sprintf("genai:%s", e.embedModel)
}
