// Package config handles the on-disk layout of the Synapse data root and the
// per-project configuration files registered by clients.
//
// Layout under the data root:
//
//	data/
//	  <project_id>/
//	    config.json        allowed_extensions, ignored_paths, included_paths, ...
//	    manifest.json      rel_path -> content hash, maintained by the indexer
//	  graphs/
//	    <sanitised_id>/    pointer graph snapshot + vector index
//	  memory_vault/        global long-term memory
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"synapse/internal/logging"
)

// ProjectConfig is the persisted per-project configuration.
type ProjectConfig struct {
	// AllowedExtensions restricts which file extensions the list tool
	// surfaces. Empty means all extensions.
	AllowedExtensions []string `json:"allowed_extensions"`

	// IgnoredPaths are project-relative path prefixes hidden from the agent.
	IgnoredPaths []string `json:"ignored_paths"`

	// IncludedPaths are exceptions inside ignored prefixes (whitelist wins).
	IncludedPaths []string `json:"included_paths"`

	// LocalPath is the absolute path of the project on this machine.
	LocalPath string `json:"local_path"`

	// StoragePath overrides where derived artifacts (sync output, aggregate
	// context) are written. Defaults to data/<project_id>.
	StoragePath string `json:"storage_path,omitempty"`
}

// Manager resolves project ids to roots and loads project configs.
type Manager struct {
	dataRoot string
}

// NewManager creates a config manager rooted at dataRoot.
func NewManager(dataRoot string) *Manager {
	return &Manager{dataRoot: dataRoot}
}

// DataRoot returns the data root directory.
func (m *Manager) DataRoot() string { return m.dataRoot }

// ProjectDir returns the per-project directory under the data root.
func (m *Manager) ProjectDir(projectID string) string {
	return filepath.Join(m.dataRoot, projectID)
}

// GraphDir returns the pointer-graph storage directory for a project.
// The project id is sanitised for filesystem use.
func (m *Manager) GraphDir(projectID string) string {
	return filepath.Join(m.dataRoot, "graphs", SanitizeProjectID(projectID))
}

// VaultDir returns the global memory vault directory.
func (m *Manager) VaultDir() string {
	return filepath.Join(m.dataRoot, "memory_vault")
}

// SanitizeProjectID replaces characters that are unsafe in directory names.
func SanitizeProjectID(projectID string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return r.Replace(projectID)
}

// LoadProject reads data/<project_id>/config.json. A missing file yields the
// zero config, not an error; the caller decides whether that is acceptable.
func (m *Manager) LoadProject(projectID string) ProjectConfig {
	var cfg ProjectConfig
	path := filepath.Join(m.ProjectDir(projectID), "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		logging.BootError("failed to parse project config %s: %v", path, err)
		return ProjectConfig{}
	}
	return cfg
}

// SaveProject writes the project config, creating directories as needed.
func (m *Manager) SaveProject(projectID string, cfg ProjectConfig) error {
	dir := m.ProjectDir(projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create project dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// ResolveProjectRoot maps a project id to its local filesystem root.
// Resolution order: registered config local_path, then the id itself when it
// already names an existing directory. Returns "" when unresolvable.
func (m *Manager) ResolveProjectRoot(projectID string) string {
	if projectID == "" {
		return ""
	}

	cfg := m.LoadProject(projectID)
	if cfg.LocalPath != "" {
		if info, err := os.Stat(cfg.LocalPath); err == nil && info.IsDir() {
			return cfg.LocalPath
		}
	}

	// Last resort: treat the id as a raw path.
	if info, err := os.Stat(projectID); err == nil && info.IsDir() {
		return projectID
	}
	return ""
}

// StorageDir returns where derived artifacts for a project live.
func (m *Manager) StorageDir(projectID string) string {
	cfg := m.LoadProject(projectID)
	if cfg.StoragePath != "" {
		return cfg.StoragePath
	}
	return m.ProjectDir(projectID)
}

// MetadataDir returns the in-project metadata directory that holds skill
// rule files and the aggregate context file.
func (m *Manager) MetadataDir(projectID string) string {
	root := m.ResolveProjectRoot(projectID)
	if root == "" {
		return ""
	}
	return filepath.Join(root, ".synapse")
}
