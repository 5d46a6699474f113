// Package embedding provides the embedding/text-generation contract the
// agent core consumes, plus two engines: a local Ollama server and Google's
// GenAI API with key rotation. The core only ever sees vectors and an
// ok/not-ok generation result; rate-limit retries live here. A Service talks
// to a single provider and does not fall back to another one.
package embedding

import (
	"context"
	"fmt"
	"math"

	"synapse/internal/logging"
)

// GenerationResult is the outcome of a text-generation call.
type GenerationResult struct {
	Text    string
	OK      bool
	Tokens  int
	ErrText string
}

// Service generates vector embeddings and free-form text. Implementations
// handle their own retries and key rotation; none falls back to a different
// provider.
type Service interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// GenerateText produces a completion for the given prompt.
	GenerateText(ctx context.Context, prompt string) GenerationResult

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "ollama" or "genai"
	Provider string `json:"provider"`

	// Ollama configuration
	OllamaEndpoint string `json:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `json:"ollama_model"`    // Default: "embeddinggemma"
	OllamaGenModel string `json:"ollama_gen_model"`

	// GenAI embedding model. The generation model comes from the key rotator.
	GenAIModel string `json:"genai_model"` // Default: "gemini-embedding-001"
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		OllamaGenModel: "qwen2.5-coder",
		GenAIModel:     "gemini-embedding-001",
	}
}

// NewService creates an engine based on configuration. rotator may be nil
// for providers that need no credentials (Ollama).
func NewService(cfg Config, rotator KeySource) (Service, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewService")
	defer timer.Stop()

	logging.Embedding("creating embedding engine: provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.OllamaGenModel)
	case "genai":
		return NewGenAIEngine(rotator, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// KeySource is the slice of the key rotator the engines need. Satisfied by
// *keys.Rotator.
type KeySource interface {
	CurrentKey() string
	CurrentModel() string
	ReportRateLimit()
	ReportSuccess()
}

// L2Distance computes the Euclidean distance between two vectors. Lower is
// closer; the memory thresholds in this codebase are expressed in L2 over
// unit-normalised vectors.
func L2Distance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// Normalize scales a vector to unit length in place and returns it.
func Normalize(v []float32) []float32 {
	var mag float64
	for _, x := range v {
		mag += float64(x) * float64(x)
	}
	mag = math.Sqrt(mag)
	if mag == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / mag)
	}
	return v
}
