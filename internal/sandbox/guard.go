package sandbox

import (
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"synapse/internal/config"
	"synapse/internal/logging"
)

// Verdict explains why a path was allowed or denied.
type Verdict int

const (
	VerdictAllowed Verdict = iota
	VerdictInvalidProject
	VerdictOutsideRoot
	VerdictIgnored
	VerdictAccessError
)

// String renders the verdict as the tool-facing reason.
func (v Verdict) String() string {
	switch v {
	case VerdictAllowed:
		return "allowed"
	case VerdictInvalidProject:
		return "invalid project"
	case VerdictOutsideRoot:
		return "security violation"
	case VerdictIgnored:
		return "ignored path"
	default:
		return "access denied"
	}
}

// Guard resolves project roots and answers path-permission queries. Tries are
// built lazily from the project config and cached per project.
type Guard struct {
	cfg *config.Manager

	mu    sync.Mutex
	tries map[string]*RuleTrie
}

// NewGuard creates a guard backed by the given config manager.
func NewGuard(cfg *config.Manager) *Guard {
	return &Guard{cfg: cfg, tries: make(map[string]*RuleTrie)}
}

// trieFor builds (or returns the cached) rule trie for a project.
func (g *Guard) trieFor(projectID string) *RuleTrie {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.tries[projectID]; ok {
		return t
	}

	t := NewRuleTrie()
	pc := g.cfg.LoadProject(projectID)
	for _, p := range pc.IgnoredPaths {
		t.Insert(p, FlagIgnore)
	}
	for _, p := range pc.IncludedPaths {
		t.Insert(p, FlagInclude)
	}
	g.tries[projectID] = t
	return t
}

// InvalidateRules drops the cached trie for a project, forcing a reload on
// the next check. Call after the project config changes.
func (g *Guard) InvalidateRules(projectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tries, projectID)
}

// normalize returns the absolute cleaned form of a path, lower-cased on
// case-insensitive platforms so prefix checks behave.
func normalize(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	abs = filepath.Clean(abs)
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		abs = strings.ToLower(abs)
	}
	return abs, true
}

// IsSafePath reports whether target resolves inside root.
func IsSafePath(root, target string) bool {
	if root == "" {
		return false
	}
	rootAbs, ok := normalize(root)
	if !ok {
		return false
	}
	targetAbs, ok := normalize(target)
	if !ok {
		return false
	}
	if _, inside := relTo(rootAbs, targetAbs); !inside {
		logging.SandboxWarn("path escape blocked: root=%s target=%s", root, target)
		return false
	}
	return true
}

// Check applies the full path policy: project resolution, sandbox
// containment, then ignore/include rules with the bridge exception.
func (g *Guard) Check(projectID, target string) Verdict {
	root := g.cfg.ResolveProjectRoot(projectID)
	if root == "" {
		return VerdictInvalidProject
	}

	rootAbs, ok := normalize(root)
	if !ok {
		return VerdictAccessError
	}
	targetAbs, ok := normalize(target)
	if !ok {
		return VerdictAccessError
	}

	rel, inside := relTo(rootAbs, targetAbs)
	if !inside {
		logging.SandboxWarn("sandbox escape blocked: project=%s target=%s", projectID, target)
		return VerdictOutsideRoot
	}

	trie := g.trieFor(projectID)
	flags := trie.Check(rel)

	if flags&FlagIgnore == 0 {
		return VerdictAllowed
	}
	if flags&FlagInclude != 0 {
		return VerdictAllowed // Whitelist override
	}
	// Bridge: an ignored directory stays visible when an INCLUDE entry lives
	// somewhere beneath it, otherwise listing could never reach the exception.
	if trie.HasIncludeBelow(rel) {
		return VerdictAllowed
	}
	return VerdictIgnored
}

// IsPathAllowed is the boolean form of Check.
func (g *Guard) IsPathAllowed(projectID, target string) bool {
	return g.Check(projectID, target) == VerdictAllowed
}

// ResolveProjectRoot is a convenience passthrough to the config manager.
func (g *Guard) ResolveProjectRoot(projectID string) string {
	return g.cfg.ResolveProjectRoot(projectID)
}
