package agent

import (
	"fmt"
	"strings"

	"synapse/internal/store"
)

// historyWindow bounds how many trace entries feed the prompt.
const historyWindow = 25

// historyEntryCap truncates older observations in the rendered history.
const historyEntryCap = 2000

// formatHistory renders a trace in chronological order for the prompt.
// The first copy of an observation payload is shown verbatim; later identical
// copies collapse to a placeholder unless they are among the last two trace
// entries, which are never collapsed or truncated.
func formatHistory(trace []store.PointerNode) string {
	start := 0
	if len(trace) > historyWindow {
		start = len(trace) - historyWindow
	}

	var b strings.Builder
	var lastUserContent string
	seen := make(map[string]bool)

	for i := start; i < len(trace); i++ {
		node := trace[i]

		switch node.Type {
		case store.NodePrompt:
			if node.Content == lastUserContent {
				continue
			}
			fmt.Fprintf(&b, "\n\n[USER REQUEST]\n%s", node.Content)
			lastUserContent = node.Content

		case store.NodeSystemThought:
			fmt.Fprintf(&b, "\n[THOUGHT] %s", node.Content)

		case store.NodeToolCall:
			fmt.Fprintf(&b, "\n[ACTION] %s", node.Content)

		case store.NodeContextCode:
			isDuplicate := seen[node.Content]
			isRecent := i >= len(trace)-2

			b.WriteString("\n### OBSERVATION (Result)\n")
			if isDuplicate && !isRecent {
				b.WriteString("(...Result same as previous step to save context...)\n")
			} else {
				content := node.Content
				if len(content) > historyEntryCap && !isRecent {
					content = content[:historyEntryCap] + "\n... (Truncated history)"
				}
				fmt.Fprintf(&b, "```\n%s\n```", content)
				seen[node.Content] = true
			}

		case store.NodeResponse:
			fmt.Fprintf(&b, "\n[AI REPLY] %s", node.Content)
		}
	}
	return b.String()
}
