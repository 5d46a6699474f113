package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapse/internal/embedding"
)

// fakeEmbedder maps known texts to fixed vectors so retrieval scores are
// deterministic. Unknown texts land far away from everything.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	for key, vec := range f.vectors {
		if len(text) >= len(key) && text[:len(key)] == key {
			return vec, nil
		}
	}
	return []float32{0, 0, 0, 9}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := f.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) GenerateText(ctx context.Context, prompt string) embedding.GenerationResult {
	return embedding.GenerationResult{OK: false, ErrText: "not a generator"}
}

func (f *fakeEmbedder) Dimensions() int { return 4 }
func (f *fakeEmbedder) Name() string    { return "fake" }

func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestRetrieveMatchesWithinThreshold(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "payments.yaml", "domain: payments\nrules: Always round to cents.\n")

	ai := &fakeEmbedder{vectors: map[string][]float32{
		"DOMAIN: payments": {1, 0, 0, 0}, // rule document embedding
		"how do payments":  {1, 0, 0, 0}, // query lands on top of it
	}}

	lib := NewLibrary(dir, ai)
	require.Equal(t, 1, lib.Count())

	queryVec, _ := ai.Embed(context.Background(), "how do payments work")
	block := lib.Retrieve("s1", "how do payments work", queryVec)
	assert.Contains(t, block, "BUSINESS CONTEXT")
	assert.Contains(t, block, "Always round to cents")
}

func TestRetrieveRejectsBeyondThreshold(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "payments.yaml", "domain: payments\nrules: Always round to cents.\n")

	ai := &fakeEmbedder{vectors: map[string][]float32{
		"DOMAIN: payments": {1, 0, 0, 0},
	}}
	lib := NewLibrary(dir, ai)

	// Orthogonal query: L2 distance sqrt(2) > 1.1 threshold.
	block := lib.Retrieve("s1", "completely unrelated topic", []float32{0, 1, 0, 0})
	assert.Empty(t, block)
}

func TestShortFollowUpReusesCachedBlock(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "payments.yaml", "domain: payments\nrules: Always round to cents.\n")

	ai := &fakeEmbedder{vectors: map[string][]float32{
		"DOMAIN: payments": {1, 0, 0, 0},
	}}
	lib := NewLibrary(dir, ai)

	first := lib.Retrieve("s1", "how should payment amounts be rounded", []float32{1, 0, 0, 0})
	require.NotEmpty(t, first)

	// A short confirmation must not re-pull a different skill set.
	second := lib.Retrieve("s1", "yes", []float32{0, 1, 0, 0})
	assert.Equal(t, first, second)

	// A different session with the same short prompt has no cache.
	third := lib.Retrieve("s2", "yes", []float32{0, 1, 0, 0})
	assert.Empty(t, third)
}

func TestJSONRulesAreParsed(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "audit.json", `{"domain": "audit", "rules": "Log every write."}`)

	ai := &fakeEmbedder{vectors: map[string][]float32{
		"DOMAIN: audit": {0, 1, 0, 0},
	}}
	lib := NewLibrary(dir, ai)
	require.Equal(t, 1, lib.Count())

	block := lib.Retrieve("s1", "what are the audit requirements", []float32{0, 1, 0, 0})
	assert.Contains(t, block, "Log every write")
}

func TestMissingRootCreatedEmpty(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does", "not", "exist")
	lib := NewLibrary(root, &fakeEmbedder{})
	assert.Equal(t, 0, lib.Count())

	_, err := os.Stat(root)
	assert.NoError(t, err, "root directory is created")
}

func TestFreeFormFilesIndexedRaw(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "notes.yaml", "just some freeform notes without schema")

	ai := &fakeEmbedder{vectors: map[string][]float32{
		"just some": {0, 0, 1, 0},
	}}
	lib := NewLibrary(dir, ai)
	require.Equal(t, 1, lib.Count())

	block := lib.Retrieve("s1", "tell me about the freeform notes", []float32{0, 0, 1, 0})
	assert.Contains(t, block, "freeform notes")
}
