package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"synapse/internal/sandbox"
)

// maxMatches caps the total matches a search reports.
const maxMatches = 200

// maxScanFileBytes skips files too large to scan line by line.
const maxScanFileBytes = 2 * 1024 * 1024

// textLikeExts are the extensions the pattern search scans. Binary-ish
// files are skipped wholesale.
var textLikeExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".java": true, ".c": true, ".cc": true, ".cpp": true, ".h": true, ".hpp": true,
	".rs": true, ".rb": true, ".php": true, ".cs": true, ".swift": true, ".kt": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".xml": true,
	".md": true, ".txt": true, ".sh": true, ".sql": true, ".html": true, ".css": true,
	".cfg": true, ".ini": true, ".env": true, ".mod": true, ".sum": true,
}

// PatternSearchTool returns the pattern_search capability: a recursive
// regex scan over text-like files with optional context lines.
func (f *FSTools) PatternSearchTool() *Tool {
	return &Tool{
		Name:        "pattern_search",
		Description: "Recursively search for regex patterns. Returns file paths and matching lines. Best for finding usages/definitions.",
		Schema: Schema{
			Required: []string{"path", "pattern"},
			Properties: map[string]Property{
				"path":          {Type: "string", Description: "Project-relative root of the search"},
				"pattern":       {Type: "string", Description: "Regular expression (case-insensitive)"},
				"context_lines": {Type: "integer", Description: "Lines of context around each match"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			projectID := stringArg(args, "project_id")
			rel := stringArg(args, "path")
			pattern := stringArg(args, "pattern")
			contextLines := intArg(args, "context_lines", 0)

			if pattern == "" {
				return "ERROR: No pattern provided.", nil
			}

			target, denial := f.resolveTarget(projectID, rel)
			if denial != "" {
				return denial, nil
			}
			if f.guard.Check(projectID, target) != sandbox.VerdictAllowed {
				return "ERROR: Access Denied (Ignored Path).", nil
			}
			if _, err := os.Stat(target); err != nil {
				return "ERROR: Path not found.", nil
			}

			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				return fmt.Sprintf("ERROR: Invalid Regex Syntax: %v", err), nil
			}

			root := f.cfg.ResolveProjectRoot(projectID)
			var b strings.Builder
			total := 0
			filesWithMatches := 0

			searchFile := func(path string) {
				if total >= maxMatches {
					return
				}
				file, err := os.Open(path)
				if err != nil {
					return
				}
				defer file.Close()

				var lines []string
				scanner := bufio.NewScanner(file)
				scanner.Buffer(make([]byte, 64*1024), 1024*1024)
				for scanner.Scan() {
					lines = append(lines, scanner.Text())
				}

				fileHasMatch := false
				for i, line := range lines {
					if total >= maxMatches {
						break
					}
					if !re.MatchString(line) {
						continue
					}
					if !fileHasMatch {
						relPath, _ := filepath.Rel(root, path)
						fmt.Fprintf(&b, "\n=== %s ===\n", filepath.ToSlash(relPath))
						fileHasMatch = true
						filesWithMatches++
					}
					start := i - contextLines
					if start < 0 {
						start = 0
					}
					end := i + contextLines
					if end >= len(lines) {
						end = len(lines) - 1
					}
					for j := start; j <= end; j++ {
						marker := "  "
						if j == i {
							marker = "> "
						}
						fmt.Fprintf(&b, "%s%d: %s\n", marker, j+1, lines[j])
					}
					total++
				}
			}

			info, _ := os.Stat(target)
			if !info.IsDir() {
				searchFile(target)
			} else {
				_ = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
					if err != nil {
						return nil
					}
					if total >= maxMatches {
						return filepath.SkipAll
					}
					if d.IsDir() {
						if path != target && f.guard.Check(projectID, path) != sandbox.VerdictAllowed {
							return filepath.SkipDir
						}
						return nil
					}
					if !textLikeExts[strings.ToLower(filepath.Ext(path))] {
						return nil
					}
					if fi, err := d.Info(); err != nil || fi.Size() > maxScanFileBytes {
						return nil
					}
					if f.guard.Check(projectID, path) != sandbox.VerdictAllowed {
						return nil
					}
					searchFile(path)
					return nil
				})
			}

			if total == 0 {
				return fmt.Sprintf("No matches for pattern '%s'.", pattern), nil
			}
			header := fmt.Sprintf("Found %d matches in %d files", total, filesWithMatches)
			if total >= maxMatches {
				header += " (capped)"
			}
			return header + "\n" + b.String(), nil
		},
	}
}
