package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"synapse/internal/config"
	"synapse/internal/logging"
	"synapse/internal/sandbox"
)

// maxReadBytes caps how much of a file the read tool returns.
const maxReadBytes = 512 * 1024

// maxListEntries caps a recursive listing.
const maxListEntries = 5000

// FSTools bundles the filesystem capabilities behind the path guard.
type FSTools struct {
	cfg   *config.Manager
	guard *sandbox.Guard
}

// NewFSTools creates the filesystem tool set.
func NewFSTools(cfg *config.Manager, guard *sandbox.Guard) *FSTools {
	return &FSTools{cfg: cfg, guard: guard}
}

// resolveTarget joins a project-relative path against the project root and
// applies the sandbox containment check. Returns an observation string on
// denial.
func (f *FSTools) resolveTarget(projectID, rel string) (string, string) {
	root := f.cfg.ResolveProjectRoot(projectID)
	if root == "" {
		return "", "ERROR: Project path invalid or not registered."
	}
	if rel == "" || rel == "/" || rel == "\\" {
		rel = "."
	}
	target := filepath.Join(root, rel)
	if !sandbox.IsSafePath(root, target) {
		return "", "ERROR: Security Block (Path Traversal)."
	}
	return target, ""
}

// ReadFileTool returns the read_file capability.
func (f *FSTools) ReadFileTool() *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Reads file content. Input: {'path': 'string'}",
		Schema: Schema{
			Required:   []string{"path"},
			Properties: map[string]Property{"path": {Type: "string", Description: "Project-relative file path"}},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			projectID := stringArg(args, "project_id")
			rel := stringArg(args, "path")

			target, denial := f.resolveTarget(projectID, rel)
			if denial != "" {
				return denial, nil
			}

			switch f.guard.Check(projectID, target) {
			case sandbox.VerdictAllowed:
			case sandbox.VerdictOutsideRoot:
				return "ERROR: Security Block (Path Traversal).", nil
			case sandbox.VerdictIgnored:
				logging.SandboxWarn("read denied (ignored path): %s", target)
				return "ERROR: Access Denied. This path is in the project's ignored list.", nil
			default:
				return "ERROR: Access Denied.", nil
			}

			info, err := os.Stat(target)
			if err != nil {
				return fmt.Sprintf("ERROR: File not found at %s", rel), nil
			}
			if info.Size() > maxReadBytes {
				return "ERROR: File too large (>512KB).", nil
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return "ERROR: Access Denied.", nil
			}
			return string(data), nil
		},
	}
}

// ListDirTool returns the list_dir capability: a recursive tree listing
// that respects ignore/include rules, keeping bridge directories visible.
func (f *FSTools) ListDirTool() *Tool {
	return &Tool{
		Name:        "list_dir",
		Description: "Lists files recursively. Input: {'path': 'string', 'depth': number}",
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path":  {Type: "string", Description: "Project-relative directory"},
				"depth": {Type: "number", Description: "Maximum recursion depth (default 2)"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			projectID := stringArg(args, "project_id")
			rel := stringArg(args, "path")
			maxDepth := intArg(args, "depth", 2)

			target, denial := f.resolveTarget(projectID, rel)
			if denial != "" {
				return denial, nil
			}
			if _, err := os.Stat(target); err != nil {
				return "ERROR: Path not found.", nil
			}

			root := f.cfg.ResolveProjectRoot(projectID)
			pc := f.cfg.LoadProject(projectID)

			var b strings.Builder
			fmt.Fprintf(&b, "WORKSPACE: %s\n", filepath.ToSlash(root))

			count := 0
			entries := 0
			_ = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if path == target {
					return nil
				}
				entries++
				if entries > maxListEntries {
					return filepath.SkipAll
				}

				relToTarget, err := filepath.Rel(target, path)
				if err != nil {
					return nil
				}
				depth := len(strings.Split(filepath.ToSlash(relToTarget), "/"))
				if depth > maxDepth {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}

				verdict := f.guard.Check(projectID, path)
				if verdict != sandbox.VerdictAllowed {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}

				relToRoot, err := filepath.Rel(root, path)
				if err != nil {
					return nil
				}

				if !d.IsDir() && !extensionAllowed(pc.AllowedExtensions, path) {
					return nil
				}

				marker := "[f] "
				if d.IsDir() {
					marker = "[d] "
				}
				b.WriteString(strings.Repeat("  ", depth-1))
				b.WriteString(marker)
				b.WriteString(filepath.ToSlash(relToRoot))
				b.WriteString("\n")
				count++
				return nil
			})

			if count == 0 {
				b.WriteString("(No visible files matching filters)\n")
			}
			return b.String(), nil
		},
	}
}

// extensionAllowed applies the project's allowed_extensions filter; an empty
// filter admits everything.
func extensionAllowed(allowed []string, path string) bool {
	if len(allowed) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, a := range allowed {
		if strings.TrimPrefix(strings.ToLower(a), ".") == ext {
			return true
		}
	}
	return false
}
