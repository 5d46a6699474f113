// Package store implements the per-project episodic memory: a parent/child
// pointer graph over conversation events married to a nearest-neighbour
// vector index over the same nodes, plus the process-wide memory vault of
// success/failure patterns.
package store

import "encoding/json"

// NodeType classifies a pointer node.
type NodeType string

const (
	NodePrompt        NodeType = "PROMPT"         // User input
	NodeToolCall      NodeType = "TOOL_CALL"      // Action taken by the agent
	NodeContextCode   NodeType = "CONTEXT_CODE"   // Code snippet retrieved/read, or tool observation
	NodeResponse      NodeType = "RESPONSE"       // Final answer or intermediate reply
	NodeSystemThought NodeType = "SYSTEM_THOUGHT" // Internal monologue
	NodeUnknown       NodeType = "UNKNOWN"
)

// ParseNodeType maps a string to a NodeType, defaulting to NodeUnknown.
func ParseNodeType(s string) NodeType {
	switch NodeType(s) {
	case NodePrompt, NodeToolCall, NodeContextCode, NodeResponse, NodeSystemThought:
		return NodeType(s)
	default:
		return NodeUnknown
	}
}

// PointerNode is a single recorded event in a session's chain.
//
// Parents own the graph through the node map; children hold only parent ids,
// so the structure is a forest by construction. VectorID is a secondary
// index key into the vector store, not an ownership link.
type PointerNode struct {
	ID          string            `json:"id"`
	Type        NodeType          `json:"type"`
	Timestamp   int64             `json:"timestamp"`
	ParentID    string            `json:"parent_id"`
	ChildrenIDs []string          `json:"children_ids"`
	VectorID    int64             `json:"faiss_id"` // -1 when not embedded
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata"`
}

// UnmarshalJSON fills defaults for absent fields so snapshots written by
// older revisions still load.
func (n *PointerNode) UnmarshalJSON(data []byte) error {
	type alias PointerNode
	tmp := alias{VectorID: -1}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*n = PointerNode(tmp)
	n.Type = ParseNodeType(string(n.Type))
	if n.Metadata == nil {
		n.Metadata = make(map[string]string)
	}
	if n.ChildrenIDs == nil {
		n.ChildrenIDs = []string{}
	}
	return nil
}

// CodeNode is the shape the sync service feeds into the graph: one indexed
// symbol or file region with its embedding and dependency edges.
type CodeNode struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	FilePath     string    `json:"file_path"`
	Type         string    `json:"type"`
	Content      string    `json:"content"`
	Embedding    []float32 `json:"embedding"`
	Dependencies []string  `json:"dependencies"`
}
