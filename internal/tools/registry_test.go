package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndDispatch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Tool{
		Name:        "echo",
		Description: "echoes input",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return stringArg(args, "text"), nil
		},
	}))

	assert.True(t, r.Has("echo"))
	out := r.Dispatch(context.Background(), "echo", map[string]any{"text": "hello"})
	assert.Equal(t, "hello", out)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	tool := &Tool{Name: "x", Execute: func(ctx context.Context, args map[string]any) (string, error) { return "", nil }}
	require.NoError(t, r.Register(tool))
	err := r.Register(&Tool{Name: "x", Execute: tool.Execute})
	assert.ErrorIs(t, err, ErrToolAlreadyRegistered)
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry()
	out := r.Dispatch(context.Background(), "nope", nil)
	assert.True(t, IsFailure(out))
	assert.Contains(t, out, "Unknown tool")
}

func TestDispatchConvertsErrors(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&Tool{
		Name: "failing",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("disk on fire")
		},
	})
	out := r.Dispatch(context.Background(), "failing", nil)
	assert.Equal(t, "ERROR: disk on fire", out)
}

func TestDispatchTrapsPanics(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&Tool{
		Name: "crasher",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			panic("nil pointer somewhere deep")
		},
	})
	out := r.Dispatch(context.Background(), "crasher", nil)
	assert.Contains(t, out, "SYSTEM EXCEPTION:")
	assert.Contains(t, out, "nil pointer somewhere deep")
}

func TestManifestListsToolsAlphabetically(t *testing.T) {
	r := NewRegistry()
	exec := func(ctx context.Context, args map[string]any) (string, error) { return "", nil }
	r.MustRegister(&Tool{Name: "zeta", Description: "last", Execute: exec})
	r.MustRegister(&Tool{
		Name:        "alpha",
		Description: "first",
		Schema: Schema{
			Required:   []string{"path"},
			Properties: map[string]Property{"path": {Type: "string"}},
		},
		Execute: exec,
	})

	m := r.Manifest()
	assert.Less(t, indexOf(m, "alpha"), indexOf(m, "zeta"))
	assert.Contains(t, m, "path: string (required)")
}

func TestIntArgHandlesJSONNumber(t *testing.T) {
	// The executor decodes model output with UseNumber, so numeric params
	// arrive as json.Number.
	args := map[string]any{
		"depth":  json.Number("3"),
		"float":  float64(4),
		"int":    7,
		"broken": json.Number("not-a-number"),
	}
	assert.Equal(t, 3, intArg(args, "depth", 2))
	assert.Equal(t, 4, intArg(args, "float", 2))
	assert.Equal(t, 7, intArg(args, "int", 2))
	assert.Equal(t, 2, intArg(args, "broken", 2))
	assert.Equal(t, 2, intArg(args, "absent", 2))
}

func TestIsFailure(t *testing.T) {
	assert.True(t, IsFailure("ERROR: nope"))
	assert.True(t, IsFailure("SYSTEM EXCEPTION: boom"))
	assert.False(t, IsFailure("all fine"))
	assert.False(t, IsFailure("result mentions ERROR: later"))
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
