package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeProjectID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"scope:name", "scope_name"},
		{"a/b/c", "a_b_c"},
		{`win\path`, "win_path"},
		{"mix:of/all\\three", "mix_of_all_three"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeProjectID(tt.in))
	}
}

func TestSaveAndLoadProject(t *testing.T) {
	mgr := NewManager(t.TempDir())

	in := ProjectConfig{
		AllowedExtensions: []string{"py", "go"},
		IgnoredPaths:      []string{"build"},
		IncludedPaths:     []string{"build/keep"},
		LocalPath:         "/some/where",
	}
	require.NoError(t, mgr.SaveProject("p1", in))

	out := mgr.LoadProject("p1")
	assert.Equal(t, in, out)
}

func TestLoadMissingProjectIsZero(t *testing.T) {
	mgr := NewManager(t.TempDir())
	assert.Equal(t, ProjectConfig{}, mgr.LoadProject("ghost"))
}

func TestResolveProjectRoot(t *testing.T) {
	mgr := NewManager(t.TempDir())
	projRoot := t.TempDir()

	require.NoError(t, mgr.SaveProject("p1", ProjectConfig{LocalPath: projRoot}))
	assert.Equal(t, projRoot, mgr.ResolveProjectRoot("p1"))

	// Unregistered id that is itself a directory resolves as a raw path.
	assert.Equal(t, projRoot, mgr.ResolveProjectRoot(projRoot))

	assert.Empty(t, mgr.ResolveProjectRoot("no-such-project"))
	assert.Empty(t, mgr.ResolveProjectRoot(""))
}

func TestGraphDirUsesSanitisedID(t *testing.T) {
	mgr := NewManager("/data")
	dir := mgr.GraphDir("scope:proj")
	assert.Equal(t, filepath.Join("/data", "graphs", "scope_proj"), dir)
}

func TestStorageDirDefault(t *testing.T) {
	root := t.TempDir()
	mgr := NewManager(root)
	assert.Equal(t, filepath.Join(root, "p1"), mgr.StorageDir("p1"))

	require.NoError(t, mgr.SaveProject("p2", ProjectConfig{StoragePath: "/elsewhere"}))
	assert.Equal(t, "/elsewhere", mgr.StorageDir("p2"))
}

func TestMetadataDir(t *testing.T) {
	mgr := NewManager(t.TempDir())
	projRoot := t.TempDir()
	require.NoError(t, mgr.SaveProject("p1", ProjectConfig{LocalPath: projRoot}))

	assert.Equal(t, filepath.Join(projRoot, ".synapse"), mgr.MetadataDir("p1"))
	assert.Empty(t, mgr.MetadataDir("ghost"))
}

func TestLoadCorruptConfigIsZero(t *testing.T) {
	root := t.TempDir()
	mgr := NewManager(root)
	require.NoError(t, os.MkdirAll(mgr.ProjectDir("p1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(mgr.ProjectDir("p1"), "config.json"), []byte("{broken"), 0644))

	assert.Equal(t, ProjectConfig{}, mgr.LoadProject("p1"))
}
