package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"synapse/internal/logging"
)

// graphFile is the JSON snapshot of the node records.
const graphFile = "graph.json"

// autosaveEvery triggers a snapshot after this many inserts.
const autosaveEvery = 10

// traceCap bounds a backwards trace walk, defending against a corrupted
// parent chain that loops.
const traceCap = 50

// PointerGraph is the per-project hybrid store: an id-keyed map of episodic
// nodes plus a vector index over the embedded subset. One reader-writer
// lock serialises writers; readers proceed under shared access.
type PointerGraph struct {
	mu          sync.RWMutex
	storagePath string
	dimension   int

	nodes     map[string]*PointerNode
	vecToNode map[int64]string // vector handle -> node id (bijection)
	vectors   *VectorIndex

	addsSinceSave int
}

// OpenPointerGraph loads (or initialises) the graph stored under dir.
// Partial recovery never fails startup: a missing vector index is treated
// as empty and a corrupt snapshot is logged and skipped.
func OpenPointerGraph(dir string, dimension int) (*PointerGraph, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create graph directory: %w", err)
	}

	vectors, err := OpenVectorIndex(dir, dimension)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}

	g := &PointerGraph{
		storagePath: dir,
		dimension:   dimension,
		nodes:       make(map[string]*PointerNode),
		vecToNode:   make(map[int64]string),
		vectors:     vectors,
	}
	g.Load()
	return g, nil
}

// newNodeID generates a time-sortable unique id.
func newNodeID() string {
	return "node_" + ulid.Make().String()
}

// AddNode records a new event: links it under parentID, indexes the
// embedding when provided, and stores the record. Returns the new node id.
// Persists every autosaveEvery inserts.
func (g *PointerGraph) AddNode(content string, t NodeType, parentID string, vec []float32, metadata map[string]string) (string, error) {
	if metadata == nil {
		metadata = make(map[string]string)
	}

	node := &PointerNode{
		ID:          newNodeID(),
		Type:        t,
		Timestamp:   time.Now().UnixMilli(),
		ParentID:    parentID,
		ChildrenIDs: []string{},
		VectorID:    -1,
		Content:     content,
		Metadata:    metadata,
	}

	g.mu.Lock()

	// Link graph: parent -> child.
	if parentID != "" {
		if parent, ok := g.nodes[parentID]; ok {
			parent.ChildrenIDs = append(parent.ChildrenIDs, node.ID)
		} else {
			node.ParentID = "" // dangling parent reference becomes a root
		}
	}

	// Link vector when an embedding was provided.
	if len(vec) > 0 {
		handle, err := g.vectors.Add(node.ID, content, vec)
		if err != nil {
			logging.StoreWarn("vector insert failed for %s: %v", node.ID, err)
		} else {
			node.VectorID = handle
			g.vecToNode[handle] = node.ID
		}
	}

	g.nodes[node.ID] = node
	g.addsSinceSave++
	needSave := g.addsSinceSave >= autosaveEvery
	if needSave {
		g.addsSinceSave = 0
	}
	g.mu.Unlock()

	if needSave {
		g.Save()
	}
	return node.ID, nil
}

// UpdateMetadata point-mutates one metadata entry under exclusive access.
func (g *PointerGraph) UpdateMetadata(nodeID, key, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if node, ok := g.nodes[nodeID]; ok {
		node.Metadata[key] = value
	}
}

// Get returns a copy of the node, or false when absent.
func (g *PointerGraph) Get(nodeID string) (PointerNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[nodeID]
	if !ok {
		return PointerNode{}, false
	}
	return copyNode(node), true
}

// SemanticSearch returns up to k nodes nearest to the query vector, in
// decreasing similarity.
func (g *PointerGraph) SemanticSearch(query []float32, k int) []PointerNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	hits, err := g.vectors.Search(query, k)
	if err != nil {
		logging.StoreWarn("semantic search failed: %v", err)
		return nil
	}

	results := make([]PointerNode, 0, len(hits))
	for _, hit := range hits {
		id, ok := g.vecToNode[hit.VectorID]
		if !ok {
			id = hit.OwnerID
		}
		if node, ok := g.nodes[id]; ok {
			results = append(results, copyNode(node))
		}
	}
	return results
}

// GetChildren follows the stored child id list in order.
func (g *PointerGraph) GetChildren(nodeID string) []PointerNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[nodeID]
	if !ok {
		return nil
	}
	children := make([]PointerNode, 0, len(node.ChildrenIDs))
	for _, childID := range node.ChildrenIDs {
		if child, ok := g.nodes[childID]; ok {
			children = append(children, copyNode(child))
		}
	}
	return children
}

// GetTrace walks parent links from endID to the root and returns the chain
// in chronological order. The walk is capped to defend against cycles.
func (g *PointerGraph) GetTrace(endID string) []PointerNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var trace []PointerNode
	curr := endID
	for curr != "" {
		node, ok := g.nodes[curr]
		if !ok {
			break
		}
		trace = append(trace, copyNode(node))
		curr = node.ParentID
		if len(trace) >= traceCap {
			break
		}
	}

	// Reverse for chronological order.
	for i, j := 0, len(trace)-1; i < j; i, j = i+1, j-1 {
		trace[i], trace[j] = trace[j], trace[i]
	}
	return trace
}

// QueryByMetadata returns every node whose metadata carries key=value.
// Linear scan; acceptable at episodic-memory scale.
func (g *PointerGraph) QueryByMetadata(key, value string) []PointerNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var matches []PointerNode
	for _, node := range g.nodes {
		if node.Metadata[key] == value {
			matches = append(matches, copyNode(node))
		}
	}
	return matches
}

// NodeCount returns the number of stored nodes.
func (g *PointerGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// VectorHandle returns the node id owning a vector handle, for bijection
// checks.
func (g *PointerGraph) VectorHandle(handle int64) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.vecToNode[handle]
	return id, ok
}

// Save snapshots the graph to graph.json. The node set is copied under the
// read lock and serialised outside it so a large snapshot never blocks
// writers. Persistence errors are logged and swallowed: in-memory state
// stays authoritative.
func (g *PointerGraph) Save() {
	g.mu.RLock()
	snapshot := make([]PointerNode, 0, len(g.nodes))
	for _, node := range g.nodes {
		snapshot = append(snapshot, copyNode(node))
	}
	g.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		logging.StoreError("graph snapshot marshal failed: %v", err)
		return
	}
	path := filepath.Join(g.storagePath, graphFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		logging.StoreError("graph snapshot write failed: %v", err)
	}
}

// Load restores the snapshot and rebuilds the vector-handle mapping. A
// missing snapshot is a fresh graph; a corrupt one is logged and skipped.
func (g *PointerGraph) Load() {
	path := filepath.Join(g.storagePath, graphFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.StoreWarn("graph snapshot unreadable: %v", err)
		}
		return
	}

	var snapshot []PointerNode
	if err := json.Unmarshal(data, &snapshot); err != nil {
		logging.StoreError("graph snapshot corrupt, starting empty: %v", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*PointerNode, len(snapshot))
	g.vecToNode = make(map[int64]string)
	for i := range snapshot {
		node := snapshot[i]
		g.nodes[node.ID] = &node
		if node.VectorID != -1 {
			g.vecToNode[node.VectorID] = node.ID
		}
	}
	logging.Store("pointer graph loaded: %d nodes", len(g.nodes))
}

// Clear drops all state and re-initialises the vector index.
func (g *PointerGraph) Clear() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*PointerNode)
	g.vecToNode = make(map[int64]string)
	g.addsSinceSave = 0
	if err := g.vectors.Clear(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(g.storagePath, graphFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close saves and releases the vector index.
func (g *PointerGraph) Close() error {
	g.Save()
	return g.vectors.Close()
}

func copyNode(n *PointerNode) PointerNode {
	cp := *n
	cp.ChildrenIDs = append([]string(nil), n.ChildrenIDs...)
	cp.Metadata = make(map[string]string, len(n.Metadata))
	for k, v := range n.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}
