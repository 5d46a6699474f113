package planning

import (
	"fmt"
	"strings"

	"synapse/internal/logging"
)

// BatchModeKey is the parameter marker the loop injects when actions are
// part of an implicitly-approved model batch.
const BatchModeKey = "_batch_mode"

// safeTools never require a plan.
var safeTools = map[string]bool{
	"read_file":      true,
	"list_dir":       true,
	"pattern_search": true,
	"propose_plan":   true,
	"FINAL_ANSWER":   true,
}

// toolSynonyms maps canonical write tools to names models commonly invent.
var toolSynonyms = map[string][]string{
	"apply_edit": {"create_file", "write_file"},
}

// fileWritingTools require a path match against the plan step.
var fileWritingTools = map[string]bool{
	"apply_edit":  true,
	"create_file": true,
	"write_file":  true,
}

// GuardResult is the outcome of an authorisation check.
type GuardResult struct {
	Allowed bool
	Reason  string
}

// Validate decides whether a tool call may be dispatched given the current
// plan state. Rules are applied in order: batch marker, safe set, terminal
// plan, missing plan, unapproved plan, tool match, path match.
func Validate(toolName string, params map[string]any, engine *Engine) GuardResult {
	// 1. Batch-approved actions pass.
	if v, ok := params[BatchModeKey]; ok {
		if b, ok := v.(bool); ok && b {
			return GuardResult{Allowed: true, Reason: "Batch mode authorized."}
		}
	}

	// 2. Read-only tools are always allowed.
	if safeTools[toolName] {
		return GuardResult{Allowed: true, Reason: "Safe tool allowed."}
	}

	plan := engine.Snapshot()

	// 3. A terminal plan admits only the final answer.
	if plan.Status == PlanCompleted || plan.Status == PlanFailed {
		if toolName == "FINAL_ANSWER" {
			return GuardResult{Allowed: true, Reason: "Plan terminal; final answer allowed."}
		}
		return GuardResult{Allowed: false, Reason: "BLOCKED: Plan completed. No further actions authorized."}
	}

	// 4. No plan at all: side effects need a proposal first.
	if plan.ID == "" {
		logging.GuardWarn("denied %s: no active plan", toolName)
		return GuardResult{Allowed: false, Reason: "BLOCKED: No active plan. Propose a plan first."}
	}

	// 5. Plan exists but is not approved.
	if plan.Status != PlanApproved && plan.Status != PlanInProgress {
		return GuardResult{Allowed: false, Reason: "BLOCKED: Active plan is not approved. Please review and approve the plan first."}
	}

	if plan.CurrentStepIdx >= len(plan.Steps) {
		return GuardResult{Allowed: false, Reason: "BLOCKED: Plan completed. No further actions authorized."}
	}

	current := plan.Steps[plan.CurrentStepIdx]

	// 6. Tool must match the active step: exact, substring either way, or
	// a canonical synonym pair.
	if !toolsMatch(current.ToolName, toolName) {
		return GuardResult{
			Allowed: false,
			Reason: fmt.Sprintf("DEVIATION DETECTED: Plan expects '%s', but Agent tried '%s'.",
				current.ToolName, toolName),
		}
	}

	// 7. File-writing tools must target the planned path when one was given.
	if fileWritingTools[toolName] {
		plannedPath, _ := current.Params["path"].(string)
		actualPath, _ := params["path"].(string)
		if plannedPath != "" && plannedPath != actualPath {
			return GuardResult{
				Allowed: false,
				Reason: fmt.Sprintf("SECURITY ALERT: File path deviation. Planned: %s, Actual: %s",
					plannedPath, actualPath),
			}
		}
		if plannedPath == "" {
			logging.GuardWarn("plan step %s omitted a path; allowing %s on %s", current.ID, toolName, actualPath)
		}
	}

	return GuardResult{Allowed: true, Reason: "Authorized by Plan Step " + current.ID}
}

// toolsMatch accepts exact matches, substring matches in either direction,
// and canonical synonyms.
func toolsMatch(planned, requested string) bool {
	if planned == requested {
		return true
	}
	if planned != "" && requested != "" {
		if strings.Contains(planned, requested) || strings.Contains(requested, planned) {
			return true
		}
	}
	for canonical, aliases := range toolSynonyms {
		names := append([]string{canonical}, aliases...)
		plannedIn, requestedIn := false, false
		for _, n := range names {
			if n == planned {
				plannedIn = true
			}
			if n == requested {
				requestedIn = true
			}
		}
		if plannedIn && requestedIn {
			return true
		}
	}
	return false
}
