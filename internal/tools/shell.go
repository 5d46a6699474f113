package tools

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"synapse/internal/config"
	"synapse/internal/logging"
)

// shellTimeout bounds a single command run; overlong children are killed.
const shellTimeout = 120 * time.Second

// maxShellOutput caps the combined stdout+stderr fed back to the model.
const maxShellOutput = 8000

// allowedCommandPrefixes is the whitelist of command starts the shell tool
// accepts: build/test tooling plus basic listing. A command whose first token
// is not listed is refused.
var allowedCommandPrefixes = []string{
	"mvn", "gradle", "javac", "java",
	"python3", "python", "pip",
	"go", "node", "npm", "npx",
	"ls", "dir", "cat",
}

// commandAllowed checks the whitelist against the first token.
func commandAllowed(cmd string) bool {
	fields := strings.Fields(strings.ToLower(cmd))
	if len(fields) == 0 {
		return false
	}
	for _, prefix := range allowedCommandPrefixes {
		if fields[0] == prefix {
			return true
		}
	}
	return false
}

// RunCommandTool returns the run_command capability: a whitelisted shell
// invocation with the project root as working directory.
func RunCommandTool(cfg *config.Manager) *Tool {
	return &Tool{
		Name:        "run_command",
		Description: "Executes a shell command in the project root. Use this to compile code, run tests, or check build status. Returns stdout/stderr.",
		SideEffects: true,
		Schema: Schema{
			Required: []string{"command", "project_id"},
			Properties: map[string]Property{
				"command":    {Type: "string", Description: "Command line to run"},
				"project_id": {Type: "string", Description: "Project the command runs in"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			cmdline := stringArg(args, "command")
			projectID := stringArg(args, "project_id")

			if cmdline == "" {
				return "ERROR: No command provided.", nil
			}

			root := cfg.ResolveProjectRoot(projectID)
			if root == "" {
				return "ERROR: Invalid Project ID.", nil
			}

			if !commandAllowed(cmdline) {
				return fmt.Sprintf("ERROR: Security Block. Only %s commands are allowed.",
					strings.Join(allowedCommandPrefixes, "/")), nil
			}

			execCtx, cancel := context.WithTimeout(ctx, shellTimeout)
			defer cancel()

			var cmd *exec.Cmd
			if runtime.GOOS == "windows" {
				cmd = exec.CommandContext(execCtx, "cmd", "/C", cmdline)
			} else {
				cmd = exec.CommandContext(execCtx, "sh", "-c", cmdline)
			}
			cmd.Dir = root

			logging.Tools("run_command in %s: %s", root, cmdline)
			out, err := cmd.CombinedOutput()

			if execCtx.Err() == context.DeadlineExceeded {
				return fmt.Sprintf("ERROR: Command timed out after %s.", shellTimeout), nil
			}

			exitCode := 0
			if err != nil {
				if ee, ok := err.(*exec.ExitError); ok {
					exitCode = ee.ExitCode()
				} else {
					return fmt.Sprintf("ERROR: Command failed to start: %v", err), nil
				}
			}

			output := string(out)
			if len(output) > maxShellOutput {
				output = output[:maxShellOutput] + "\n... [Output Truncated]"
			}
			return fmt.Sprintf("Exit Code: %d\nOUTPUT:\n%s", exitCode, output), nil
		},
	}
}
