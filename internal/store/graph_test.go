package store

import (
	"fmt"
	"os"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 4

func openTestGraph(t *testing.T) *PointerGraph {
	t.Helper()
	g, err := OpenPointerGraph(t.TempDir(), testDim)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

// vec builds a deterministic unit-ish test vector.
func vec(seed float32) []float32 {
	return []float32{seed, seed / 2, seed / 3, seed / 4}
}

func TestAddNodeLinksParentAndChild(t *testing.T) {
	g := openTestGraph(t)

	rootID, err := g.AddNode("root", NodePrompt, "", nil, map[string]string{"session_id": "s1"})
	require.NoError(t, err)
	childID, err := g.AddNode("child", NodeSystemThought, rootID, nil, nil)
	require.NoError(t, err)

	root, ok := g.Get(rootID)
	require.True(t, ok)
	assert.Equal(t, []string{childID}, root.ChildrenIDs)

	child, ok := g.Get(childID)
	require.True(t, ok)
	assert.Equal(t, rootID, child.ParentID)
}

func TestParentChainsAreAcyclic(t *testing.T) {
	g := openTestGraph(t)

	parent := ""
	var ids []string
	for i := 0; i < 30; i++ {
		id, err := g.AddNode(fmt.Sprintf("n%d", i), NodeContextCode, parent, nil, nil)
		require.NoError(t, err)
		ids = append(ids, id)
		parent = id
	}

	// Every node's parent chain terminates at a root, and a trace never
	// exceeds the node count.
	for _, id := range ids {
		trace := g.GetTrace(id)
		require.NotEmpty(t, trace)
		assert.Empty(t, trace[0].ParentID, "chain must end at a root")
		assert.LessOrEqual(t, len(trace), g.NodeCount())
	}
}

func TestTraceIsCapped(t *testing.T) {
	g := openTestGraph(t)

	parent := ""
	var last string
	for i := 0; i < traceCap+10; i++ {
		id, err := g.AddNode(fmt.Sprintf("n%d", i), NodeContextCode, parent, nil, nil)
		require.NoError(t, err)
		parent = id
		last = id
	}
	assert.Len(t, g.GetTrace(last), traceCap)
}

func TestVectorGraphBijection(t *testing.T) {
	g := openTestGraph(t)

	var ids []string
	for i := 0; i < 10; i++ {
		id, err := g.AddNode(fmt.Sprintf("n%d", i), NodeContextCode, "", vec(float32(i+1)), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	seen := make(map[int64]bool)
	for _, id := range ids {
		node, ok := g.Get(id)
		require.True(t, ok)
		require.NotEqual(t, int64(-1), node.VectorID)
		assert.False(t, seen[node.VectorID], "vector handles must be unique")
		seen[node.VectorID] = true

		owner, ok := g.VectorHandle(node.VectorID)
		require.True(t, ok)
		assert.Equal(t, id, owner)
	}
}

func TestSemanticSearchFindsFreshNode(t *testing.T) {
	g := openTestGraph(t)

	id, err := g.AddNode("needle", NodeContextCode, "", vec(1), nil)
	require.NoError(t, err)

	results := g.SemanticSearch(vec(1), 3)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].ID)
}

func TestGetChildrenPreservesOrder(t *testing.T) {
	g := openTestGraph(t)

	rootID, _ := g.AddNode("root", NodePrompt, "", nil, nil)
	var want []string
	for i := 0; i < 5; i++ {
		id, _ := g.AddNode(fmt.Sprintf("c%d", i), NodeContextCode, rootID, nil, nil)
		want = append(want, id)
	}

	children := g.GetChildren(rootID)
	got := make([]string, len(children))
	for i, c := range children {
		got[i] = c.ID
	}
	assert.Equal(t, want, got)
}

func TestQueryByMetadata(t *testing.T) {
	g := openTestGraph(t)

	a, _ := g.AddNode("a", NodePrompt, "", nil, map[string]string{"session_id": "s1"})
	g.AddNode("b", NodePrompt, "", nil, map[string]string{"session_id": "s2"})
	c, _ := g.AddNode("c", NodeResponse, "", nil, map[string]string{"session_id": "s1"})

	matches := g.QueryByMetadata("session_id", "s1")
	got := make([]string, len(matches))
	for i, m := range matches {
		got[i] = m.ID
	}
	sort.Strings(got)
	want := []string{a, c}
	sort.Strings(want)
	assert.Equal(t, want, got)
}

func TestUpdateMetadata(t *testing.T) {
	g := openTestGraph(t)

	id, _ := g.AddNode("a", NodeToolCall, "", nil, map[string]string{"tool": "read_file"})
	g.UpdateMetadata(id, "status", "failed")

	node, ok := g.Get(id)
	require.True(t, ok)
	assert.Equal(t, "failed", node.Metadata["status"])
	assert.Equal(t, "read_file", node.Metadata["tool"])
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	g, err := OpenPointerGraph(dir, testDim)
	require.NoError(t, err)

	rootID, _ := g.AddNode("root", NodePrompt, "", vec(1), map[string]string{"session_id": "s1"})
	g.AddNode("child one", NodeToolCall, rootID, vec(2), map[string]string{"tool": "list_dir"})
	g.AddNode("child two", NodeContextCode, rootID, vec(3.5), nil)
	g.Save()

	searchBefore := g.SemanticSearch(vec(2), 2)
	require.NoError(t, g.Close())

	// Fresh instance over the same directory.
	g2, err := OpenPointerGraph(dir, testDim)
	require.NoError(t, err)
	defer g2.Close()

	assert.Equal(t, 3, g2.NodeCount())

	// Node records and children lists survive exactly.
	for _, id := range []string{rootID} {
		before, _ := g.Get(id)
		after, ok := g2.Get(id)
		require.True(t, ok)
		if diff := cmp.Diff(before, after); diff != "" {
			t.Errorf("node %s mismatch (-before +after):\n%s", id, diff)
		}
	}

	// Semantic search returns the same ids as before the restart.
	searchAfter := g2.SemanticSearch(vec(2), 2)
	require.Len(t, searchAfter, len(searchBefore))
	for i := range searchBefore {
		assert.Equal(t, searchBefore[i].ID, searchAfter[i].ID)
	}
}

func TestLoadToleratesCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	g, err := OpenPointerGraph(dir, testDim)
	require.NoError(t, err)
	g.AddNode("a", NodePrompt, "", nil, nil)
	g.Save()
	require.NoError(t, g.Close())

	require.NoError(t, writeFile(dir+"/graph.json", "{not json"))

	g2, err := OpenPointerGraph(dir, testDim)
	require.NoError(t, err, "corrupt snapshot must not abort startup")
	defer g2.Close()
	assert.Equal(t, 0, g2.NodeCount())
}

func TestClearDropsEverything(t *testing.T) {
	g := openTestGraph(t)

	g.AddNode("a", NodePrompt, "", vec(1), nil)
	require.NoError(t, g.Clear())
	assert.Equal(t, 0, g.NodeCount())
	assert.Empty(t, g.SemanticSearch(vec(1), 5))
}

func TestDanglingParentBecomesRoot(t *testing.T) {
	g := openTestGraph(t)

	id, err := g.AddNode("orphan", NodeContextCode, "node_DOES_NOT_EXIST", nil, nil)
	require.NoError(t, err)

	node, ok := g.Get(id)
	require.True(t, ok)
	assert.Empty(t, node.ParentID)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
