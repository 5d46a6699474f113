package tools

import (
	"context"
	"fmt"

	"synapse/internal/journal"
	"synapse/internal/sandbox"
	"synapse/internal/syntax"
)

// ApplyEditTool returns the apply_edit capability: a full-content file
// write that is syntax-validated in memory and journaled on disk, so a
// failed write leaves the pre-image untouched.
func (f *FSTools) ApplyEditTool(validator *syntax.Validator) *Tool {
	return &Tool{
		Name:        "apply_edit",
		Description: "Writes the full new content of a file atomically. Syntax is validated before the disk is touched. Input: {'path': 'string', 'content': 'string'}",
		SideEffects: true,
		Schema: Schema{
			Required: []string{"path", "content"},
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "Project-relative file path"},
				"content": {Type: "string", Description: "Complete new file content"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			projectID := stringArg(args, "project_id")
			rel := stringArg(args, "path")
			content := stringArg(args, "content")

			if rel == "" {
				return "ERROR: No path provided.", nil
			}

			target, denial := f.resolveTarget(projectID, rel)
			if denial != "" {
				return denial, nil
			}

			switch f.guard.Check(projectID, target) {
			case sandbox.VerdictAllowed:
			case sandbox.VerdictIgnored:
				return "ERROR: Access Denied. This path is in the project's ignored list.", nil
			default:
				return "ERROR: Security Block (Path Traversal).", nil
			}

			// Validate in memory first so a rejection never touches the disk.
			if validator != nil && !validator.Validate([]byte(content), extOf(rel)) {
				return fmt.Sprintf("ERROR: AST REJECTION. Your proposed code for '%s' contains syntax or indentation errors. Please fix the structure and try again.", rel), nil
			}

			if !journal.ApplySurgerySafe(target, []byte(content), nil) {
				return fmt.Sprintf("ERROR: Write failed for '%s'. The file was rolled back to its previous state.", rel), nil
			}
			return fmt.Sprintf("SUCCESS: File '%s' updated (%d bytes).", rel, len(content)), nil
		},
	}
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			return path[i:]
		case '/', '\\':
			return ""
		}
	}
	return ""
}
