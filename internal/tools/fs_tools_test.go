package tools

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapse/internal/config"
	"synapse/internal/sandbox"
	"synapse/internal/syntax"
)

// newTestProject builds a registered project with a small source tree.
func newTestProject(t *testing.T) (*FSTools, *config.Manager, string) {
	t.Helper()

	dataRoot := t.TempDir()
	projRoot := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(projRoot, "src"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(projRoot, "build", "generated", "keep"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projRoot, "src", "a.py"),
		[]byte("def alpha():\n    return 1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(projRoot, "src", "b.py"),
		[]byte("def beta():\n    return 2\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(projRoot, "build", "x.o"),
		[]byte("binary"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(projRoot, "build", "generated", "keep", "f.txt"),
		[]byte("kept"), 0644))

	mgr := config.NewManager(dataRoot)
	require.NoError(t, mgr.SaveProject("proj", config.ProjectConfig{
		LocalPath:     projRoot,
		IgnoredPaths:  []string{"build"},
		IncludedPaths: []string{"build/generated/keep"},
	}))
	return NewFSTools(mgr, sandbox.NewGuard(mgr)), mgr, projRoot
}

func args(kv ...any) map[string]any {
	m := map[string]any{"project_id": "proj"}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func TestReadFile(t *testing.T) {
	f, _, _ := newTestProject(t)
	tool := f.ReadFileTool()

	out, err := tool.Execute(context.Background(), args("path", "src/a.py"))
	require.NoError(t, err)
	assert.Contains(t, out, "def alpha")
}

func TestReadFileDenials(t *testing.T) {
	f, _, _ := newTestProject(t)
	tool := f.ReadFileTool()

	tests := []struct {
		name string
		path string
		want string
	}{
		{"missing file", "src/nope.py", "ERROR: File not found"},
		{"ignored path", "build/x.o", "ERROR: Access Denied"},
		{"escape attempt", "../../../etc/passwd", "ERROR: Security Block"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tool.Execute(context.Background(), args("path", tt.path))
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestReadFileInvalidProject(t *testing.T) {
	f, _, _ := newTestProject(t)
	out, err := f.ReadFileTool().Execute(context.Background(),
		map[string]any{"project_id": "ghost", "path": "src/a.py"})
	require.NoError(t, err)
	assert.Contains(t, out, "ERROR: Project path invalid")
}

func TestListDirRespectsRulesAndBridges(t *testing.T) {
	f, _, _ := newTestProject(t)
	tool := f.ListDirTool()

	out, err := tool.Execute(context.Background(), args("path", ".", "depth", 10))
	require.NoError(t, err)

	assert.Contains(t, out, "src/a.py")
	assert.NotContains(t, out, "build/x.o", "ignored artifact stays hidden")
	// The bridge chain down to the whitelisted file stays visible.
	assert.Contains(t, out, "build/generated")
	assert.Contains(t, out, "build/generated/keep/f.txt")
}

func TestListDirDepthLimit(t *testing.T) {
	f, _, _ := newTestProject(t)
	out, err := f.ListDirTool().Execute(context.Background(), args("path", ".", "depth", 1))
	require.NoError(t, err)

	assert.Contains(t, out, "src")
	assert.NotContains(t, out, "src/a.py")
}

func TestPatternSearch(t *testing.T) {
	f, _, _ := newTestProject(t)
	tool := f.PatternSearchTool()

	out, err := tool.Execute(context.Background(), args("path", "src", "pattern", "def (alpha|beta)"))
	require.NoError(t, err)
	assert.Contains(t, out, "a.py")
	assert.Contains(t, out, "b.py")
	assert.Contains(t, out, "def alpha")
}

func TestPatternSearchContextLines(t *testing.T) {
	f, _, projRoot := newTestProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(projRoot, "src", "c.py"),
		[]byte("# header\ndef gamma():\n    return 3\n"), 0644))

	out, err := f.PatternSearchTool().Execute(context.Background(),
		args("path", "src", "pattern", "gamma", "context_lines", 1))
	require.NoError(t, err)
	assert.Contains(t, out, "# header")
	assert.Contains(t, out, "return 3")
}

func TestPatternSearchInvalidRegex(t *testing.T) {
	f, _, _ := newTestProject(t)
	out, err := f.PatternSearchTool().Execute(context.Background(),
		args("path", "src", "pattern", "(unclosed"))
	require.NoError(t, err)
	assert.Contains(t, out, "ERROR: Invalid Regex")
}

func TestApplyEditWritesFile(t *testing.T) {
	f, _, projRoot := newTestProject(t)
	v := syntax.NewValidator()
	defer v.Close()
	tool := f.ApplyEditTool(v)

	out, err := tool.Execute(context.Background(),
		args("path", "src/new.py", "content", "def foo():\n    return 42\n"))
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCESS")

	data, err := os.ReadFile(filepath.Join(projRoot, "src", "new.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "def foo")
}

func TestApplyEditRejectsBrokenSyntax(t *testing.T) {
	f, _, projRoot := newTestProject(t)
	v := syntax.NewValidator()
	defer v.Close()
	tool := f.ApplyEditTool(v)

	preImage, err := os.ReadFile(filepath.Join(projRoot, "src", "a.py"))
	require.NoError(t, err)

	out, err := tool.Execute(context.Background(),
		args("path", "src/a.py", "content", "def foo(\n    return 42\n"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ERROR: AST REJECTION"))

	after, err := os.ReadFile(filepath.Join(projRoot, "src", "a.py"))
	require.NoError(t, err)
	assert.Equal(t, preImage, after, "file must be byte-identical to its pre-image")
}

func TestApplyEditRespectsIgnoreRules(t *testing.T) {
	f, _, _ := newTestProject(t)
	v := syntax.NewValidator()
	defer v.Close()

	out, err := f.ApplyEditTool(v).Execute(context.Background(),
		args("path", "build/hack.py", "content", "def foo():\n    return 1\n"))
	require.NoError(t, err)
	assert.Contains(t, out, "ERROR: Access Denied")
}

func TestRunCommandWhitelist(t *testing.T) {
	_, mgr, _ := newTestProject(t)
	tool := RunCommandTool(mgr)

	out, err := tool.Execute(context.Background(),
		args("command", "rm -rf /"))
	require.NoError(t, err)
	assert.Contains(t, out, "ERROR: Security Block")

	out, err = tool.Execute(context.Background(), args("command", "ls"))
	require.NoError(t, err)
	assert.Contains(t, out, "Exit Code: 0")
	assert.Contains(t, out, "src")
}

func TestExecuteCodeUnsupportedLang(t *testing.T) {
	tool := ExecuteCodeTool()
	out, err := tool.Execute(context.Background(),
		map[string]any{"lang": "cobol", "code": "DISPLAY 'HI'."})
	require.NoError(t, err)
	assert.Contains(t, out, "ERROR: Unsupported language")
}

func TestExecuteCodeEmpty(t *testing.T) {
	tool := ExecuteCodeTool()
	out, err := tool.Execute(context.Background(), map[string]any{"lang": "python"})
	require.NoError(t, err)
	assert.Contains(t, out, "ERROR: Code cannot be empty")
}

func TestExecuteCodePython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	tool := ExecuteCodeTool()
	out, err := tool.Execute(context.Background(),
		map[string]any{"lang": "python", "code": "print(6 * 7)"})
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCESS")
	assert.Contains(t, out, "42")
}
