package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"synapse/internal/embedding"
	"synapse/internal/logging"
)

// Valence is the scalar sign carried by a memory record: +1 for a success
// pattern, -1 for a failure pattern.
type Valence float64

const (
	ValencePositive Valence = 1.0
	ValenceNegative Valence = -1.0
)

// recallThreshold is the L2 distance cut-off for a memory to count as
// similar. Tuning parameter, not a contract; assumes unit-normalised vectors.
const recallThreshold = 1.35

// recallK bounds how many neighbours a recall inspects.
const recallK = 6

// actionSnippetLen truncates long action texts in recall output.
const actionSnippetLen = 200

// RecallResult splits recalled memories by valence.
type RecallResult struct {
	PositiveHints    []string
	NegativeWarnings []string
	HasMemories      bool
}

// MemoryVault is the process-wide long-term record of situation->action
// pairs. One global instance, constructed at startup; it carries its own
// lock so callers share it freely.
type MemoryVault struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenMemoryVault opens (or creates) the vault database under dir.
func OpenMemoryVault(dir string) (*MemoryVault, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	db, err := sql.Open(driverName, filepath.Join(dir, "vault.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open vault db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set vault journal_mode=WAL: %v", err)
	}

	v := &MemoryVault{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			situation TEXT NOT NULL,
			action TEXT NOT NULL,
			valence REAL NOT NULL,
			embedding TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create memories table: %w", err)
	}
	return v, nil
}

// AddSuccess records a pattern that worked.
func (v *MemoryVault) AddSuccess(situation, action string, vec []float32) error {
	return v.add(situation, action, ValencePositive, vec)
}

// AddFailure records a pattern that failed.
func (v *MemoryVault) AddFailure(situation, action string, vec []float32) error {
	return v.add(situation, action, ValenceNegative, vec)
}

func (v *MemoryVault) add(situation, action string, valence Valence, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("memory requires an embedding")
	}
	embJSON, err := json.Marshal(vec)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	_, err = v.db.Exec(
		"INSERT INTO memories (situation, action, valence, embedding, created_at) VALUES (?, ?, ?, ?, ?)",
		situation, action, float64(valence), string(embJSON), time.Now().Unix(),
	)
	if err == nil {
		logging.Vault("memory recorded (valence=%+.0f): %s", valence, snippet(action, 80))
	}
	return err
}

// Recall finds memories near the query vector, deduplicates them by action
// text, and splits the survivors by valence sign.
func (v *MemoryVault) Recall(query []float32) RecallResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	rows, err := v.db.Query("SELECT situation, action, valence, embedding FROM memories")
	if err != nil {
		logging.VaultWarn("recall query failed: %v", err)
		return RecallResult{}
	}
	defer rows.Close()

	type candidate struct {
		situation string
		action    string
		valence   float64
		dist      float64
	}

	var candidates []candidate
	for rows.Next() {
		var c candidate
		var embJSON string
		if err := rows.Scan(&c.situation, &c.action, &c.valence, &embJSON); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			continue
		}
		dist, err := embedding.L2Distance(query, vec)
		if err != nil || dist >= recallThreshold {
			continue
		}
		c.dist = dist
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > recallK {
		candidates = candidates[:recallK]
	}

	var result RecallResult
	seen := make(map[string]bool)
	for _, c := range candidates {
		key := strings.TrimSpace(c.action)
		if seen[key] {
			continue
		}
		seen[key] = true

		line := fmt.Sprintf("- SITUATION: %s\n  ACTION: %s", snippet(c.situation, actionSnippetLen), snippet(c.action, actionSnippetLen))
		if c.valence > 0 {
			result.PositiveHints = append(result.PositiveHints, line)
		} else {
			result.NegativeWarnings = append(result.NegativeWarnings, line)
		}
	}
	result.HasMemories = len(result.PositiveHints) > 0 || len(result.NegativeWarnings) > 0
	return result
}

// Count returns the number of stored memories.
func (v *MemoryVault) Count() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	var n int64
	_ = v.db.QueryRow("SELECT COUNT(*) FROM memories").Scan(&n)
	return n
}

// Close releases the database handle.
func (v *MemoryVault) Close() error {
	return v.db.Close()
}

func snippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
