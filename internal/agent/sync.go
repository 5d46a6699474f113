package agent

import (
	"strings"

	"synapse/internal/logging"
	"synapse/internal/store"
)

// IngestSyncResults feeds indexed code nodes from the sync service into the
// project graph as CONTEXT_CODE roots carrying file/name/type/dependency
// metadata, then persists.
func (s *Service) IngestSyncResults(projectID string, nodes []store.CodeNode) error {
	graph, err := s.Graph(projectID)
	if err != nil {
		return err
	}

	before := graph.NodeCount()
	logging.Sync("graph ingestion: injecting %d nodes into %s", len(nodes), projectID)

	for _, node := range nodes {
		meta := map[string]string{
			"file_path":    node.FilePath,
			"node_name":    node.Name,
			"node_type":    node.Type,
			"dependencies": strings.Join(node.Dependencies, ","),
		}
		if _, err := graph.AddNode(node.Content, store.NodeContextCode, "", node.Embedding, meta); err != nil {
			logging.StoreWarn("ingest failed for %s: %v", node.ID, err)
		}
	}

	graph.Save()
	logging.Sync("graph ingestion done: %d -> %d nodes", before, graph.NodeCount())
	return nil
}
