package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"synapse/internal/logging"
)

// codeExecTimeout bounds a sandboxed snippet run.
const codeExecTimeout = 5 * time.Second

// maxCodeOutput caps interpreter output.
const maxCodeOutput = 8000

// ExecuteCodeTool returns the execute_code capability: runs a Python or
// JavaScript snippet in an isolated scratch directory with a stripped
// environment, a hard timeout, and no inherited credentials. Network
// isolation beyond the stripped environment is the host's responsibility.
func ExecuteCodeTool() *Tool {
	return &Tool{
		Name:        "execute_code",
		Description: "Executes Python or JavaScript code in a secure sandbox. Input: {'lang': 'python'|'js', 'code': 'string'}",
		SideEffects: true,
		Schema: Schema{
			Required: []string{"lang", "code"},
			Properties: map[string]Property{
				"lang": {Type: "string", Description: "'python' or 'js'"},
				"code": {Type: "string", Description: "Snippet to execute"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			lang := stringArg(args, "lang")
			code := stringArg(args, "code")

			if code == "" {
				return "ERROR: Code cannot be empty.", nil
			}

			scratch, err := os.MkdirTemp("", "synapse-exec-*")
			if err != nil {
				return fmt.Sprintf("ERROR: Sandbox Interface Failure: %v", err), nil
			}
			defer os.RemoveAll(scratch)

			var file, bin string
			var binArgs []string
			switch lang {
			case "python", "py":
				file = filepath.Join(scratch, "snippet.py")
				bin = "python3"
				binArgs = []string{"-I", file} // isolated mode: no site packages, no env hooks
			case "js", "javascript", "node":
				file = filepath.Join(scratch, "snippet.js")
				bin = "node"
				binArgs = []string{file}
			default:
				return "ERROR: Unsupported language. Use 'python' or 'js'.", nil
			}

			if err := os.WriteFile(file, []byte(code), 0600); err != nil {
				return fmt.Sprintf("ERROR: Sandbox Interface Failure: %v", err), nil
			}

			execCtx, cancel := context.WithTimeout(ctx, codeExecTimeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, bin, binArgs...)
			cmd.Dir = scratch
			// Minimal environment: no inherited credentials or proxies.
			cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + scratch}

			out, err := cmd.CombinedOutput()
			output := string(out)
			if len(output) > maxCodeOutput {
				output = output[:maxCodeOutput] + "\n... [Output Truncated]"
			}

			if execCtx.Err() == context.DeadlineExceeded {
				logging.ToolsWarn("execute_code killed after %s", codeExecTimeout)
				return fmt.Sprintf("ERROR: Execution timed out after %s.", codeExecTimeout), nil
			}

			status := "SUCCESS"
			if err != nil {
				status = "RUNTIME_ERROR"
			}
			return fmt.Sprintf("### EXECUTION RESULT (%s)\n%s", status, output), nil
		},
	}
}

// FinalAnswerTool returns the FINAL_ANSWER pseudo-tool. The loop dispatches
// it like any other tool and then ends the request with its answer, so it
// must be registered for FINAL_ANSWER to terminate a request.
func FinalAnswerTool() *Tool {
	return &Tool{
		Name:        "FINAL_ANSWER",
		Description: "Terminates the mission and returns the answer to the user. Input: {'answer': 'string'}",
		Schema: Schema{
			Required:   []string{"answer"},
			Properties: map[string]Property{"answer": {Type: "string", Description: "Final answer text"}},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return stringArg(args, "answer"), nil
		},
	}
}
