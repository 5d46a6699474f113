package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"synapse/internal/embedding"
	"synapse/internal/logging"
)

// vectorDBFile is the native on-disk form of the vector index.
const vectorDBFile = "vectors.db"

// SearchHit is one nearest-neighbour result. Score is L2 distance - lower
// is closer.
type SearchHit struct {
	VectorID int64
	OwnerID  string
	Content  string
	Score    float64
}

// VectorIndex stores embeddings in a sqlite table and answers KNN queries.
// The integer rowid of each row is the vector handle the graph stores in
// PointerNode.VectorID. Callers serialise access; the index itself holds no
// lock because it always lives behind its owner's mutex.
type VectorIndex struct {
	db        *sql.DB
	path      string
	dimension int
}

// OpenVectorIndex opens (or creates) the index under dir.
func OpenVectorIndex(dir string, dimension int) (*VectorIndex, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	path := filepath.Join(dir, vectorDBFile)
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}

	idx := &VectorIndex{db: db, path: path, dimension: dimension}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (v *VectorIndex) migrate() error {
	_, err := v.db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL UNIQUE,
			content TEXT,
			embedding TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create vectors table: %w", err)
	}
	return nil
}

// Dimension returns the configured embedding dimensionality.
func (v *VectorIndex) Dimension() int { return v.dimension }

// Add inserts an embedding owned by ownerID and returns the assigned handle.
func (v *VectorIndex) Add(ownerID, content string, vec []float32) (int64, error) {
	if len(vec) == 0 {
		return -1, fmt.Errorf("empty embedding")
	}
	if v.dimension > 0 && len(vec) != v.dimension {
		return -1, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vec), v.dimension)
	}

	embJSON, err := json.Marshal(vec)
	if err != nil {
		return -1, fmt.Errorf("failed to serialize embedding: %w", err)
	}

	res, err := v.db.Exec(
		"INSERT OR REPLACE INTO vectors (owner_id, content, embedding) VALUES (?, ?, ?)",
		ownerID, content, string(embJSON),
	)
	if err != nil {
		return -1, err
	}
	return res.LastInsertId()
}

// Search returns the k nearest stored vectors by L2 distance, ascending.
// The scan is brute force; at episodic-memory scale this stays sub-second.
func (v *VectorIndex) Search(query []float32, k int) ([]SearchHit, error) {
	if k <= 0 {
		k = 5
	}

	rows, err := v.db.Query("SELECT id, owner_id, content, embedding FROM vectors")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var hit SearchHit
		var embJSON string
		if err := rows.Scan(&hit.VectorID, &hit.OwnerID, &hit.Content, &embJSON); err != nil {
			continue
		}

		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			continue
		}
		dist, err := embedding.L2Distance(query, vec)
		if err != nil {
			continue
		}
		hit.Score = dist
		hits = append(hits, hit)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score < hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Handles returns the vector handle for every owner. PointerGraph.Load
// rebuilds its reverse mapping from the node records, not from this method.
func (v *VectorIndex) Handles() (map[int64]string, error) {
	rows, err := v.db.Query("SELECT id, owner_id FROM vectors")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := make(map[int64]string)
	for rows.Next() {
		var id int64
		var owner string
		if err := rows.Scan(&id, &owner); err != nil {
			continue
		}
		m[id] = owner
	}
	return m, nil
}

// Count returns the number of stored vectors.
func (v *VectorIndex) Count() int64 {
	var n int64
	_ = v.db.QueryRow("SELECT COUNT(*) FROM vectors").Scan(&n)
	return n
}

// Clear drops every stored vector.
func (v *VectorIndex) Clear() error {
	_, err := v.db.Exec("DELETE FROM vectors")
	return err
}

// Close releases the database handle.
func (v *VectorIndex) Close() error {
	return v.db.Close()
}
