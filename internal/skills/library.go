// Package skills loads per-project domain-rule snippets and retrieves the
// ones semantically relevant to a prompt. Rules live as small YAML/JSON
// documents under the project's metadata directory and are embedded once at
// load time.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"synapse/internal/embedding"
	"synapse/internal/logging"
)

// matchThreshold is the strict L2 cut-off for a skill to be injected.
// Anything looser pulls noise into the prompt.
const matchThreshold = 1.1

// topK bounds how many rule documents one retrieval inspects.
const topK = 3

// embedPrefixLen caps how much of a rule document is embedded.
const embedPrefixLen = 1000

// ruleDoc is the parsed shape of a skill file. All fields are optional;
// files that are not valid YAML/JSON are indexed as raw text.
type ruleDoc struct {
	Domain   string `yaml:"domain" json:"domain"`
	Category string `yaml:"category" json:"category"`
	Rules    string `yaml:"rules" json:"rules"`
}

// skillNode is one embedded rule document.
type skillNode struct {
	name      string
	path      string
	content   string
	embedding []float32
}

// Library holds the embedded rule set for one project plus a per-session
// cache of the last retrieved block, so short follow-up prompts ("yes,
// proceed") do not pull a different skill set mid-conversation.
type Library struct {
	rootPath string
	ai       embedding.Service

	mu     sync.Mutex
	nodes  []skillNode
	cache  map[string]string // session id -> last retrieved block
}

// NewLibrary loads every rule file under metadataRoot and embeds it.
// A missing directory is created and yields an empty library.
func NewLibrary(metadataRoot string, ai embedding.Service) *Library {
	l := &Library{
		rootPath: metadataRoot,
		ai:       ai,
		cache:    make(map[string]string),
	}
	l.Reload()
	return l
}

// Reload re-scans the metadata directory and re-embeds all rule files.
func (l *Library) Reload() {
	if l.rootPath == "" {
		return
	}
	if _, err := os.Stat(l.rootPath); os.IsNotExist(err) {
		if err := os.MkdirAll(l.rootPath, 0755); err == nil {
			logging.Skills("skill library root created at %s", l.rootPath)
		}
		return
	}

	var nodes []skillNode
	_ = filepath.WalkDir(l.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 {
			return nil
		}

		content := normalizeRule(data, ext)
		text := content
		if len(text) > embedPrefixLen {
			text = text[:embedPrefixLen]
		}

		vec, err := l.ai.Embed(context.Background(), text)
		if err != nil {
			logging.SkillsDebug("failed to embed skill %s: %v", path, err)
			return nil
		}

		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		nodes = append(nodes, skillNode{
			name:      name,
			path:      path,
			content:   content,
			embedding: vec,
		})
		return nil
	})

	l.mu.Lock()
	l.nodes = nodes
	l.mu.Unlock()

	logging.Skills("skill library loaded: %d rule documents from %s", len(nodes), l.rootPath)
}

// normalizeRule extracts the rule text from a structured document, falling
// back to the raw bytes for free-form files.
func normalizeRule(data []byte, ext string) string {
	var doc ruleDoc
	var err error
	if ext == ".json" {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err == nil && doc.Rules != "" {
		var b strings.Builder
		if doc.Domain != "" {
			fmt.Fprintf(&b, "DOMAIN: %s\n", doc.Domain)
		}
		if doc.Category != "" {
			fmt.Fprintf(&b, "CATEGORY: %s\n", doc.Category)
		}
		b.WriteString(doc.Rules)
		return b.String()
	}
	return string(data)
}

// Retrieve returns a formatted business-context block for the query, or ""
// when nothing passes the similarity threshold. The result is cached per
// session and reused when the follow-up prompt is too short to re-anchor.
func (l *Library) Retrieve(sessionID, query string, queryVec []float32) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Short follow-ups reuse the last block rather than re-pulling a
	// different skill set.
	if len(strings.TrimSpace(query)) < 12 {
		if cached, ok := l.cache[sessionID]; ok {
			return cached
		}
	}

	if len(l.nodes) == 0 || len(queryVec) == 0 {
		return ""
	}

	type scored struct {
		node skillNode
		dist float64
	}
	var candidates []scored
	for _, n := range l.nodes {
		dist, err := embedding.L2Distance(queryVec, n.embedding)
		if err != nil {
			continue
		}
		candidates = append(candidates, scored{node: n, dist: dist})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	var b strings.Builder
	headerAdded := false
	for _, c := range candidates {
		if c.dist >= matchThreshold {
			logging.SkillsDebug("skill rejected: %s (score %.4f)", c.node.name, c.dist)
			continue
		}
		if !headerAdded {
			b.WriteString("### BUSINESS CONTEXT & SKILLS (Strictly Follow)\n")
			headerAdded = true
		}
		logging.Skills("skill matched: %s (score %.4f)", c.node.name, c.dist)
		fmt.Fprintf(&b, "SOURCE: %s\nRULES:\n%s\n--------------------------------------------------\n",
			c.node.name, c.node.content)
	}

	block := b.String()
	if block != "" {
		l.cache[sessionID] = block
	}
	return block
}

// ClearSessionCache forgets the cached block for a session.
func (l *Library) ClearSessionCache(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, sessionID)
}

// Count returns the number of loaded rule documents.
func (l *Library) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.nodes)
}
