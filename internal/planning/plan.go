// Package planning holds the explicit plan state machine and the execution
// guard that refuses side-effecting tools unless they match an approved
// plan step.
package planning

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"synapse/internal/logging"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanDraft          PlanStatus = "DRAFT"
	PlanReviewRequired PlanStatus = "REVIEW_REQUIRED"
	PlanApproved       PlanStatus = "APPROVED"
	PlanInProgress     PlanStatus = "IN_PROGRESS"
	PlanCompleted      PlanStatus = "COMPLETED"
	PlanFailed         PlanStatus = "FAILED"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepApproved   StepStatus = "APPROVED"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepSuccess    StepStatus = "SUCCESS"
	StepFailed     StepStatus = "FAILED"
)

// Step is a single authorised action inside a plan.
type Step struct {
	ID            string         `json:"id"`
	Description   string         `json:"description"`
	ToolName      string         `json:"tool"`
	Params        map[string]any `json:"params"`
	Status        StepStatus     `json:"status"`
	ResultSummary string         `json:"result"`
}

// Plan is an ordered sequence of steps working toward a goal.
type Plan struct {
	ID             string     `json:"id"`
	Goal           string     `json:"goal"`
	Steps          []Step     `json:"steps"`
	Status         PlanStatus `json:"status"`
	CurrentStepIdx int        `json:"current_step"`
}

// RawStep is the loosely-typed step shape the model proposes.
type RawStep struct {
	Description string         `json:"description"`
	Tool        string         `json:"tool"`
	Parameters  map[string]any `json:"parameters"`
}

// Engine owns the single active plan for a request lifecycle.
type Engine struct {
	mu   sync.Mutex
	plan Plan
}

// NewEngine creates an engine with no active plan.
func NewEngine() *Engine {
	return &Engine{}
}

// inferToolName guesses a tool from a step description when the model left
// the tool field empty.
func inferToolName(description string) string {
	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "read") || strings.Contains(lower, "check"):
		return "read_file"
	case strings.Contains(lower, "write") || strings.Contains(lower, "create") || strings.Contains(lower, "edit"):
		return "apply_edit"
	case strings.Contains(lower, "run") || strings.Contains(lower, "test") || strings.Contains(lower, "compile"):
		return "run_command"
	case strings.Contains(lower, "search"):
		return "pattern_search"
	case strings.Contains(lower, "list") || strings.Contains(lower, "dir"):
		return "list_dir"
	default:
		return "unknown"
	}
}

// ProposePlan replaces any previous plan with a new one awaiting review.
func (e *Engine) ProposePlan(goal string, rawSteps []RawStep) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.plan = Plan{
		ID:     "PLAN_" + uuid.NewString(),
		Goal:   goal,
		Status: PlanReviewRequired,
	}
	for i, raw := range rawSteps {
		step := Step{
			ID:          fmt.Sprintf("%d", i+1),
			Description: raw.Description,
			ToolName:    raw.Tool,
			Params:      raw.Parameters,
			Status:      StepPending,
		}
		if step.Description == "" {
			step.Description = "Unknown Step"
		}
		if step.ToolName == "" {
			step.ToolName = inferToolName(step.Description)
		}
		if step.Params == nil {
			step.Params = map[string]any{}
		}
		e.plan.Steps = append(e.plan.Steps, step)
	}
	logging.Plan("plan proposed with %d steps, waiting for approval", len(e.plan.Steps))
}

// Approve moves a reviewed plan to APPROVED and bulk-approves its steps.
func (e *Engine) Approve() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.plan.Status != PlanReviewRequired {
		return
	}
	e.plan.Status = PlanApproved
	for i := range e.plan.Steps {
		e.plan.Steps[i].Status = StepApproved
	}
	logging.Plan("plan %s approved", e.plan.ID)
}

// HasActivePlan reports whether a non-terminal plan exists.
func (e *Engine) HasActivePlan() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan.ID != "" && e.plan.Status != PlanCompleted && e.plan.Status != PlanFailed
}

// IsApproved reports whether execution is currently authorised.
func (e *Engine) IsApproved() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan.Status == PlanApproved || e.plan.Status == PlanInProgress
}

// Snapshot returns a deep copy of the current plan.
func (e *Engine) Snapshot() Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyLocked()
}

func (e *Engine) copyLocked() Plan {
	cp := e.plan
	cp.Steps = make([]Step, len(e.plan.Steps))
	copy(cp.Steps, e.plan.Steps)
	for i := range cp.Steps {
		params := make(map[string]any, len(e.plan.Steps[i].Params))
		for k, v := range e.plan.Steps[i].Params {
			params[k] = v
		}
		cp.Steps[i].Params = params
	}
	return cp
}

// MarkStepStatus records a step outcome. A SUCCESS advances the cursor and
// moves the plan to IN_PROGRESS or COMPLETED; a FAILED step fails the plan.
// Once the plan is terminal no transition moves the cursor again.
func (e *Engine) MarkStepStatus(idx int, status StepStatus, resultSummary string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if idx < 0 || idx >= len(e.plan.Steps) {
		return
	}
	if e.plan.Status == PlanCompleted || e.plan.Status == PlanFailed {
		return
	}

	e.plan.Steps[idx].Status = status
	e.plan.Steps[idx].ResultSummary = resultSummary

	switch status {
	case StepSuccess:
		e.plan.CurrentStepIdx++
		if e.plan.CurrentStepIdx >= len(e.plan.Steps) {
			e.plan.Status = PlanCompleted
			logging.Plan("plan %s completed", e.plan.ID)
		} else {
			e.plan.Status = PlanInProgress
		}
	case StepFailed:
		e.plan.Status = PlanFailed
		logging.Plan("plan %s failed at step %d", e.plan.ID, idx+1)
	}
}

// Reset drops the current plan entirely.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plan = Plan{}
}

// RenderForPrompt produces the AI-facing plan summary: every step with an
// arrow on the current one, plus the authorisation line.
func (e *Engine) RenderForPrompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.plan.ID == "" || e.plan.Status == PlanDraft {
		return ""
	}

	approved := e.plan.Status == PlanApproved || e.plan.Status == PlanInProgress

	var b strings.Builder
	b.WriteString("\n### CURRENT EXECUTION PLAN\n")
	if approved {
		b.WriteString("Status: APPROVED (Execute now)\n")
	} else {
		b.WriteString("Status: PENDING REVIEW (Do not execute)\n")
	}

	for i, s := range e.plan.Steps {
		marker := "   "
		if i == e.plan.CurrentStepIdx {
			marker = "-> "
		}
		fmt.Fprintf(&b, "%d. %s[%s] %s", i+1, marker, s.ToolName, s.Description)
		if s.Status == StepSuccess {
			b.WriteString(" (DONE)")
		}
		b.WriteString("\n")
	}

	if approved {
		fmt.Fprintf(&b, "\nAUTHORIZATION: You are authorized to execute step %d.\n", e.plan.CurrentStepIdx+1)
	} else {
		b.WriteString("\nCONSTRAINT: You must ask the user to approve this plan before running any side-effect tools (edit, run).\n")
	}
	return b.String()
}

// MarshalJSON serialises the plan snapshot (used by the PROPOSAL event and
// the approval endpoint).
func (e *Engine) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Snapshot())
}
