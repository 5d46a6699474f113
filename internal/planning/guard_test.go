package planning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func approvedSingleStep(tool, path string) *Engine {
	e := NewEngine()
	params := map[string]any{}
	if path != "" {
		params["path"] = path
	}
	e.ProposePlan("goal", []RawStep{{Description: "step", Tool: tool, Parameters: params}})
	e.Approve()
	return e
}

func TestSafeToolsAlwaysAllowed(t *testing.T) {
	e := NewEngine() // no plan at all
	for _, tool := range []string{"read_file", "list_dir", "pattern_search", "propose_plan", "FINAL_ANSWER"} {
		res := Validate(tool, map[string]any{}, e)
		assert.True(t, res.Allowed, tool)
	}
}

func TestSideEffectDeniedWithoutPlan(t *testing.T) {
	e := NewEngine()
	for _, tool := range []string{"apply_edit", "run_command", "execute_code"} {
		res := Validate(tool, map[string]any{}, e)
		assert.False(t, res.Allowed, tool)
		assert.Contains(t, res.Reason, "Propose a plan first")
	}
}

func TestBatchMarkerBypassesPlanCheck(t *testing.T) {
	e := NewEngine()
	res := Validate("apply_edit", map[string]any{BatchModeKey: true}, e)
	assert.True(t, res.Allowed)
}

func TestUnapprovedPlanDenied(t *testing.T) {
	e := NewEngine()
	e.ProposePlan("goal", []RawStep{{Description: "edit", Tool: "apply_edit"}})

	res := Validate("apply_edit", map[string]any{}, e)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "not approved")
}

func TestTerminalPlanAdmitsOnlyFinalAnswer(t *testing.T) {
	e := approvedSingleStep("apply_edit", "")
	e.MarkStepStatus(0, StepFailed, "boom")

	assert.False(t, Validate("apply_edit", map[string]any{}, e).Allowed)
	assert.True(t, Validate("FINAL_ANSWER", map[string]any{}, e).Allowed)
}

func TestToolMatchExact(t *testing.T) {
	e := approvedSingleStep("apply_edit", "")
	assert.True(t, Validate("apply_edit", map[string]any{}, e).Allowed)
}

func TestToolMismatchDenied(t *testing.T) {
	e := approvedSingleStep("run_command", "")
	res := Validate("apply_edit", map[string]any{}, e)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "DEVIATION")
}

func TestToolSynonymsAccepted(t *testing.T) {
	e := approvedSingleStep("apply_edit", "")
	assert.True(t, Validate("create_file", map[string]any{}, e).Allowed)
	assert.True(t, Validate("write_file", map[string]any{}, e).Allowed)
}

func TestToolSubstringMatch(t *testing.T) {
	e := approvedSingleStep("edit", "")
	assert.True(t, Validate("apply_edit", map[string]any{}, e).Allowed)
}

func TestPathDeviationDenied(t *testing.T) {
	e := approvedSingleStep("apply_edit", "src/x.py")

	res := Validate("apply_edit", map[string]any{"path": "src/y.py"}, e)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "path deviation")

	assert.True(t, Validate("apply_edit", map[string]any{"path": "src/x.py"}, e).Allowed)
}

func TestMissingPlannedPathAllowsWithWarning(t *testing.T) {
	e := approvedSingleStep("apply_edit", "")
	assert.True(t, Validate("apply_edit", map[string]any{"path": "src/any.py"}, e).Allowed)
}

// Guard soundness: for any sequence with no proposed plan, a side-effecting
// dispatch without the batch marker is denied.
func TestGuardSoundnessWithoutPlan(t *testing.T) {
	e := NewEngine()
	sideEffecting := []string{"apply_edit", "run_command", "execute_code", "create_file", "write_file"}
	for _, tool := range sideEffecting {
		for _, params := range []map[string]any{{}, {"path": "a"}, {BatchModeKey: false}} {
			res := Validate(tool, params, e)
			assert.False(t, res.Allowed, "%s with %v must be denied", tool, params)
		}
	}
}
