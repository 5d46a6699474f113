package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapse/internal/store"
)

func openGraph(t *testing.T) *store.PointerGraph {
	t.Helper()
	g, err := store.OpenPointerGraph(t.TempDir(), 4)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestCursorColdMissRestoresLatest(t *testing.T) {
	g := openGraph(t)

	first, _ := g.AddNode("first", store.NodePrompt, "", nil, map[string]string{"session_id": "S"})
	latest, _ := g.AddNode("latest", store.NodeResponse, first, nil, map[string]string{"session_id": "S"})

	// UpdateMetadata does not change timestamps, so both nodes may share a
	// millisecond; either one is then a valid maximum.
	g.UpdateMetadata(latest, "marker", "x")

	r := NewSessionRegistry()
	cursor := r.Cursor(g, "S")
	assert.Contains(t, []string{first, latest}, cursor)
}

func TestCursorUnknownSessionIsEmpty(t *testing.T) {
	g := openGraph(t)
	r := NewSessionRegistry()
	assert.Empty(t, r.Cursor(g, "never-seen"))
}

func TestSetCursorWinsOverRestore(t *testing.T) {
	g := openGraph(t)
	r := NewSessionRegistry()

	r.SetCursor("S", "node_abc")
	assert.Equal(t, "node_abc", r.Cursor(g, "S"))
}

func TestAcquireSerialisesSession(t *testing.T) {
	r := NewSessionRegistry()

	release, err := r.Acquire(context.Background(), "S")
	require.NoError(t, err)

	// A second request on the same session must queue behind the first.
	acquired := make(chan struct{})
	go func() {
		release2, err := r.Acquire(context.Background(), "S")
		if err == nil {
			release2()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the first is held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should proceed after release")
	}
}

func TestAcquireDifferentSessionsIndependent(t *testing.T) {
	r := NewSessionRegistry()

	release1, err := r.Acquire(context.Background(), "A")
	require.NoError(t, err)
	defer release1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release2, err := r.Acquire(ctx, "B")
	require.NoError(t, err, "unrelated sessions must not block each other")
	release2()
}

func TestTraceBufferRetainsLastHundred(t *testing.T) {
	buf := NewTraceBuffer()
	for i := 0; i < 150; i++ {
		buf.Add(TraceEntry{Payload: fmt.Sprintf("e%d", i)})
	}

	entries := buf.Entries()
	require.Len(t, entries, 100)
	assert.Equal(t, "e50", entries[0].Payload)
	assert.Equal(t, "e149", entries[99].Payload)
}

func TestFormatHistoryDeduplicatesObservations(t *testing.T) {
	g := openGraph(t)

	parent := ""
	add := func(content string, typ store.NodeType) string {
		id, _ := g.AddNode(content, typ, parent, nil, nil)
		parent = id
		return id
	}

	add("do the thing", store.NodePrompt)
	add("list_dir src", store.NodeToolCall)
	add("same output", store.NodeContextCode)
	add("list_dir src", store.NodeToolCall)
	add("same output", store.NodeContextCode)
	add("list_dir src", store.NodeToolCall)
	add("same output", store.NodeContextCode)
	last := add("final answer", store.NodeResponse)

	rendered := formatHistory(g.GetTrace(last))

	// The middle duplicate collapses; the last copy stays verbatim because
	// it is recent.
	assert.Contains(t, rendered, "same as previous step")
	assert.Contains(t, rendered, "same output")
	assert.Contains(t, rendered, "do the thing")
	assert.Contains(t, rendered, "final answer")
}
