package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractStrictObject(t *testing.T) {
	raw := `{"thought": "look around", "tool": "list_dir", "parameters": {"path": "src"}}`
	v, ok := ExtractJSON(raw)
	require.True(t, ok)

	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "list_dir", m["tool"])
}

func TestExtractIdempotentOnValidJSON(t *testing.T) {
	cases := []string{
		`{"tool":"read_file","parameters":{"path":"a.py","depth":2}}`,
		`[{"tool":"list_dir","parameters":{"path":"."}},{"tool":"FINAL_ANSWER","parameters":{"answer":"done"}}]`,
		`{"a":{"b":[1,2,3]},"c":"nested { braces } in string"}`,
	}
	for _, c := range cases {
		v, ok := ExtractJSON(c)
		require.True(t, ok, c)

		reserialized, err := json.Marshal(v)
		require.NoError(t, err)

		v2, ok := ExtractJSON(string(reserialized))
		require.True(t, ok)
		assert.Equal(t, v, v2, c)
	}
}

func TestExtractFencedBlock(t *testing.T) {
	raw := "Here is my action:\n```json\n{\"tool\": \"read_file\", \"parameters\": {\"path\": \"x\"}}\n```\nDone."
	v, ok := ExtractJSON(raw)
	require.True(t, ok)
	m := v.(map[string]any)
	assert.Equal(t, "read_file", m["tool"])
}

func TestExtractSkipsProseBrackets(t *testing.T) {
	raw := `I think (see [the notes] for details) we should do this: {"tool": "list_dir", "parameters": {"path": "."}}`
	v, ok := ExtractJSON(raw)
	require.True(t, ok)
	m := v.(map[string]any)
	assert.Equal(t, "list_dir", m["tool"])
}

func TestExtractArrayOfActions(t *testing.T) {
	raw := `Sure! [{"tool": "apply_edit", "parameters": {"path": "a.py", "content": "x = 1"}}, {"tool": "FINAL_ANSWER", "parameters": {"answer": "ok"}}]`
	v, ok := ExtractJSON(raw)
	require.True(t, ok)

	arr, ok := v.([]any)
	require.True(t, ok)
	assert.Len(t, arr, 2)
}

func TestRepairLiteralNewlines(t *testing.T) {
	raw := "{\"tool\": \"apply_edit\", \"parameters\": {\"path\": \"a.py\", \"content\": \"def foo():\n    return 42\"}}"
	v, ok := ExtractJSON(raw)
	require.True(t, ok)

	actions := DecodeActions(v)
	require.Len(t, actions, 1)
	assert.Equal(t, "def foo():\n    return 42", actions[0].Params["content"])
}

func TestRepairUnescapedQuotesInContent(t *testing.T) {
	raw := `{"tool": "apply_edit", "parameters": {"path": "a.py", "content": "print("hello")"}}`
	v, ok := ExtractJSON(raw)
	require.True(t, ok)

	actions := DecodeActions(v)
	require.Len(t, actions, 1)
	assert.Equal(t, `print("hello")`, actions[0].Params["content"])
}

func TestRegexFallbackExtraction(t *testing.T) {
	// Hopelessly broken JSON that still carries the keyed fields.
	raw := `{"tool": "apply_edit", "path": "src/x.py", "content": "def foo():\n    return 42", oops`
	v, ok := ExtractJSON(raw)
	require.True(t, ok)

	actions := DecodeActions(v)
	require.Len(t, actions, 1)
	assert.Equal(t, "apply_edit", actions[0].Tool)
	params := actions[0].Params
	assert.Equal(t, "src/x.py", params["path"])
	assert.Contains(t, params["content"], "def foo()")
}

func TestExtractNothing(t *testing.T) {
	_, ok := ExtractJSON("just some prose with no structure at all")
	assert.False(t, ok)
}

func TestDecodeActionAliases(t *testing.T) {
	tests := []struct {
		raw  string
		tool string
	}{
		{`{"tool": "read_file", "parameters": {"path": "a"}}`, "read_file"},
		{`{"name": "read_file", "arguments": {"path": "a"}}`, "read_file"},
		{`{"function": "read_file", "args": {"path": "a"}}`, "read_file"},
	}
	for _, tt := range tests {
		v, ok := ExtractJSON(tt.raw)
		require.True(t, ok, tt.raw)
		actions := DecodeActions(v)
		require.Len(t, actions, 1)
		assert.Equal(t, tt.tool, actions[0].Tool)
		assert.Equal(t, "a", actions[0].Params["path"])
	}
}

func TestDecodeInlineParams(t *testing.T) {
	v, ok := ExtractJSON(`{"tool": "read_file", "path": "src/a.py"}`)
	require.True(t, ok)
	actions := DecodeActions(v)
	require.Len(t, actions, 1)
	assert.Equal(t, "src/a.py", actions[0].Params["path"])
	_, hasTool := actions[0].Params["tool"]
	assert.False(t, hasTool)
}

func TestExtractCodeBlocksFenced(t *testing.T) {
	raw := "```python\ndef foo():\n    return 42\n```\n" +
		"```json\n{\"tool\": \"apply_edit\", \"parameters\": {\"path\": \"a.py\", \"content\": \"__CODE_BLOCK_0__\"}}\n```"
	blocks := ExtractCodeBlocks(raw)
	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0], "def foo")
}

func TestInjectCodeBlocks(t *testing.T) {
	params := map[string]any{"content": "__CODE_BLOCK_0__"}
	InjectCodeBlocks(params, []string{"def foo():\n    return 42\n"})
	assert.Contains(t, params["content"], "def foo")
}

func TestInjectSingleBlockFallback(t *testing.T) {
	params := map[string]any{"content": "CODE_BLOCK"}
	InjectCodeBlocks(params, []string{"real code here padding padding"})
	assert.Equal(t, "real code here padding padding", params["content"])
}

func TestSmartSplitRecoversUnfencedCode(t *testing.T) {
	raw := "import os\n\ndef foo():\n    return 42\n\n" +
		`[{"tool": "apply_edit", "parameters": {"path": "a.py", "content": "__CODE_BLOCK_0__"}}]`
	blocks := ExtractCodeBlocks(raw)
	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0], "def foo")
}

func TestLooksLikeCode(t *testing.T) {
	assert.True(t, looksLikeCode("def foo():\n    pass"))
	assert.True(t, looksLikeCode("package main\nfunc main(){}"))
	assert.False(t, looksLikeCode("hello there, nothing to see"))
}
