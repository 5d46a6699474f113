package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"synapse/internal/config"
	"synapse/internal/embedding"
	"synapse/internal/journal"
	"synapse/internal/logging"
	"synapse/internal/planning"
	"synapse/internal/skills"
	"synapse/internal/store"
	"synapse/internal/tools"
)

// maxSteps is the hard step budget for one request.
const maxSteps = 16

// fullContextCap bounds the aggregate-source context in bytes.
const fullContextCap = 3_800_000

// sigmaK is how many top graph nodes seed the relational retrieval.
const sigmaK = 5

// Request is one unit of work entering the loop.
type Request struct {
	ProjectID string
	SessionID string
	Prompt    string
}

// Service wires the agent loop to its collaborators. One Service serves all
// projects; graphs and skill libraries are created lazily per project.
type Service struct {
	cfg      *config.Manager
	ai       embedding.Service
	registry *tools.Registry
	vault    *store.MemoryVault
	planner  *planning.Engine
	sessions *SessionRegistry
	trace    *TraceBuffer

	graphMu sync.Mutex
	graphs  map[string]*store.PointerGraph

	skillMu    sync.Mutex
	skills     map[string]*skills.Library
	skillStops []func()
}

// NewService assembles the agent core.
func NewService(cfg *config.Manager, ai embedding.Service, registry *tools.Registry, vault *store.MemoryVault) *Service {
	return &Service{
		cfg:      cfg,
		ai:       ai,
		registry: registry,
		vault:    vault,
		planner:  planning.NewEngine(),
		sessions: NewSessionRegistry(),
		trace:    NewTraceBuffer(),
		graphs:   make(map[string]*store.PointerGraph),
		skills:   make(map[string]*skills.Library),
	}
}

// Planner exposes the planning engine for the approval endpoint.
func (s *Service) Planner() *planning.Engine { return s.planner }

// Trace exposes the phase-event ring for the admin facade.
func (s *Service) Trace() *TraceBuffer { return s.trace }

// Graph returns (or opens) the pointer graph for a project.
func (s *Service) Graph(projectID string) (*store.PointerGraph, error) {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	if g, ok := s.graphs[projectID]; ok {
		return g, nil
	}
	dir := s.cfg.GraphDir(projectID)
	logging.Store("opening graph for project %s at %s", projectID, dir)
	g, err := store.OpenPointerGraph(dir, s.ai.Dimensions())
	if err != nil {
		return nil, err
	}
	s.graphs[projectID] = g

	// First touch of a project: restore any half-written files a crashed
	// edit left behind.
	if root := s.cfg.ResolveProjectRoot(projectID); root != "" {
		if restored := journal.RecoverPending(root); len(restored) > 0 {
			logging.AgentWarn("recovered %d journaled writes in %s", len(restored), root)
		}
	}
	return g, nil
}

// skillLibrary returns (or loads) the skill library for a project.
func (s *Service) skillLibrary(projectID string) *skills.Library {
	s.skillMu.Lock()
	defer s.skillMu.Unlock()

	if lib, ok := s.skills[projectID]; ok {
		return lib
	}
	metaDir := s.cfg.MetadataDir(projectID)
	var root string
	if metaDir == "" {
		root = filepath.Join(s.cfg.DataRoot(), "business_metadata")
	} else {
		root = filepath.Join(metaDir, "business_metadata")
	}
	lib := skills.NewLibrary(root, s.ai)
	s.skillStops = append(s.skillStops, lib.Watch())
	s.skills[projectID] = lib
	return lib
}

// Close stops skill watchers and persists every open graph.
func (s *Service) Close() {
	s.skillMu.Lock()
	for _, stop := range s.skillStops {
		stop()
	}
	s.skillStops = nil
	s.skillMu.Unlock()

	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	for id, g := range s.graphs {
		if err := g.Close(); err != nil {
			logging.StoreWarn("graph close failed for %s: %v", id, err)
		}
	}
	s.graphs = make(map[string]*store.PointerGraph)
}

// notify delivers a phase event to the observer and the trace ring.
func (s *Service) notify(obs Observer, sessionID string, phase Phase, payload string) {
	if obs != nil {
		obs.Notify(Event{Phase: phase, Payload: payload})
	}
	s.trace.Add(TraceEntry{Time: time.Now(), Session: sessionID, Phase: phase, Payload: payload})
}

// loadFullContext reads the aggregate-source context file, truncated to the
// byte budget. Missing files yield "".
func (s *Service) loadFullContext(projectID string) string {
	candidates := []string{}
	if metaDir := s.cfg.MetadataDir(projectID); metaDir != "" {
		candidates = append(candidates, filepath.Join(metaDir, "converted_files", "_full_context.txt"))
	}
	candidates = append(candidates, filepath.Join(s.cfg.ProjectDir(projectID), "_full_context.txt"))

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if len(data) > fullContextCap {
			return string(data[:fullContextCap])
		}
		return string(data)
	}
	return ""
}

// Run drives one request to completion: preamble, bounded loop, cursor
// update. No failure escapes as a panic or error; the return value is
// always a user-facing answer.
func (s *Service) Run(ctx context.Context, req Request, obs Observer) string {
	missionStart := time.Now()

	release, err := s.sessions.Acquire(ctx, req.SessionID)
	if err != nil {
		return "ERROR: Request cancelled while queued."
	}
	defer release()

	graph, err := s.Graph(req.ProjectID)
	if err != nil {
		s.notify(obs, req.SessionID, PhaseFatal, "graph unavailable: "+err.Error())
		return "ERROR: Project memory unavailable."
	}

	// Embed the prompt first; every retrieval needs the vector.
	promptVec, err := s.ai.Embed(ctx, req.Prompt)
	if err != nil {
		logging.AgentWarn("prompt embedding failed, retrieval degraded: %v", err)
		promptVec = nil
	}

	// Sigma-2 retrieval: nearest nodes plus their children give the
	// relational neighbourhood of the request.
	relationalContext, linkedFiles := s.sigmaRetrieve(graph, promptVec)

	// Session cursor.
	parentNodeID := s.sessions.Cursor(graph, req.SessionID)

	toolManifest := s.registry.Manifest()

	// Record the user prompt.
	rootNodeID, _ := graph.AddNode(req.Prompt, store.NodePrompt, parentNodeID, promptVec,
		map[string]string{"session_id": req.SessionID})
	lastGraphNode := rootNodeID

	// Skills, history, long-term memory, aggregate context.
	businessContext := s.skillLibrary(req.ProjectID).Retrieve(req.SessionID, req.Prompt, promptVec)

	var monologue strings.Builder
	if parentNodeID != "" {
		monologue.WriteString(formatHistory(graph.GetTrace(parentNodeID)))
	}

	var memories, warnings string
	if len(promptVec) > 0 && s.vault != nil {
		recall := s.vault.Recall(promptVec)
		if recall.HasMemories {
			if len(recall.PositiveHints) > 0 {
				memories = "\n### SUCCESSFUL STRATEGIES\n" + strings.Join(recall.PositiveHints, "\n")
			}
			if len(recall.NegativeWarnings) > 0 {
				warnings = "\n### KNOWN PITFALLS\n" + strings.Join(recall.NegativeWarnings, "\n")
			}
		}
	}

	massiveContext := ""
	if full := s.loadFullContext(req.ProjectID); full != "" {
		massiveContext = "\n### FULL CODEBASE\n" + full + "\n"
	}
	if linkedFiles != "" {
		massiveContext += linkedFiles
	}

	finalOutput := "Mission Timed Out."
	lastError := ""
	planMemoryChecked := false

	for step := 0; step < maxSteps; step++ {
		prompt := s.composePrompt(promptParts{
			manifest:    toolManifest,
			userRequest: req.Prompt,
			relational:  relationalContext,
			business:    businessContext,
			massive:     massiveContext,
			planContext: s.planner.RenderForPrompt(),
			memories:    memories,
			history:     monologue.String(),
			warnings:    warnings,
			lastError:   lastError,
		})

		s.notify(obs, req.SessionID, PhaseThinking, "Processing logic...")
		gen := s.ai.GenerateText(ctx, prompt)
		if !gen.OK {
			finalOutput = "ERROR: AI Service Failure"
			s.notify(obs, req.SessionID, PhaseFatal, gen.ErrText)
			break
		}

		rawThought := gen.Text
		logging.AgentDebug("raw model output (%d chars)", len(rawThought))

		codeBlocks := ExtractCodeBlocks(rawThought)

		extracted, ok := ExtractJSON(rawThought)
		if !ok {
			// No tool call but recognisable code: wrap as the final answer.
			if looksLikeCode(rawThought) {
				extracted = map[string]any{
					"tool":       "FINAL_ANSWER",
					"parameters": map[string]any{"answer": rawThought},
				}
			} else {
				finalOutput = rawThought
				lastGraphNode, _ = graph.AddNode(finalOutput, store.NodeResponse, lastGraphNode, nil,
					map[string]string{"session_id": req.SessionID})
				s.notify(obs, req.SessionID, PhaseFinal, finalOutput)
				s.finishMission(graph, req, lastGraphNode)
				return finalOutput
			}
		}

		actions := DecodeActions(extracted)
		if len(actions) > 1 {
			logging.Agent("batch mode: %d actions in one response", len(actions))
		}

		batchAborted := false
		for _, action := range actions {
			if batchAborted {
				break
			}

			if action.Tool == "" {
				if len(actions) == 1 {
					finalOutput = rawThought
					lastGraphNode, _ = graph.AddNode(finalOutput, store.NodeResponse, lastGraphNode, nil,
						map[string]string{"session_id": req.SessionID})
					s.notify(obs, req.SessionID, PhaseFinal, finalOutput)
					s.finishMission(graph, req, lastGraphNode)
					return finalOutput
				}
				continue
			}

			InjectCodeBlocks(action.Params, codeBlocks)
			action.Params["project_id"] = req.ProjectID

			if action.Thought != "" {
				lastGraphNode, _ = graph.AddNode(action.Thought, store.NodeSystemThought, lastGraphNode, nil,
					map[string]string{"session_id": req.SessionID})
				fmt.Fprintf(&monologue, "\n[THOUGHT] %s", action.Thought)
				s.notify(obs, req.SessionID, PhasePlanning, action.Thought)
			}

			if len(actions) > 1 {
				action.Params[planning.BatchModeKey] = true
			}

			if action.Tool == "propose_plan" {
				done, output := s.handleProposePlan(graph, req, action, obs, &monologue,
					promptVec, len(actions) > 1, &planMemoryChecked, &lastGraphNode)
				if done {
					s.finishMission(graph, req, lastGraphNode)
					return output
				}
				continue
			}

			guard := planning.Validate(action.Tool, action.Params, s.planner)
			if !guard.Allowed {
				logging.GuardWarn("guard blocked %s: %s", action.Tool, guard.Reason)
				s.notify(obs, req.SessionID, PhaseBlocked, guard.Reason)
				fmt.Fprintf(&monologue, "\n[BLOCKED] %s", guard.Reason)
				lastError = guard.Reason
				batchAborted = true
				continue
			}

			s.notify(obs, req.SessionID, PhaseToolExec, "Running "+action.Tool)
			observation := s.safeExecute(ctx, action.Tool, action.Params, req.SessionID)

			// Auto-verify edits: a compile check catches syntax the parser
			// missed, and the failure is fed straight back to the model.
			if action.Tool == "apply_edit" && strings.Contains(observation, "SUCCESS") {
				if verify := s.autoVerify(ctx, req, action.Params, obs); verify != "" {
					observation = verify
				}
			}

			// Advance the plan when the executed tool matches the step.
			if s.planner.IsApproved() {
				plan := s.planner.Snapshot()
				if plan.CurrentStepIdx < len(plan.Steps) {
					if tools.IsFailure(observation) {
						s.planner.MarkStepStatus(plan.CurrentStepIdx, planning.StepFailed, observation)
					} else {
						s.planner.MarkStepStatus(plan.CurrentStepIdx, planning.StepSuccess, observation)
					}
				}
			}

			sig := action.Tool
			if p, ok := action.Params["path"].(string); ok && p != "" {
				sig += " " + p
			}
			if action.Tool != "FINAL_ANSWER" {
				lastGraphNode, _ = graph.AddNode(sig, store.NodeToolCall, lastGraphNode, nil,
					map[string]string{"tool": action.Tool, "session_id": req.SessionID})
				lastGraphNode, _ = graph.AddNode(observation, store.NodeContextCode, lastGraphNode, nil,
					map[string]string{"session_id": req.SessionID})
			}

			fmt.Fprintf(&monologue, "\n[ACTION] %s", sig)
			fmt.Fprintf(&monologue, "\n### OBSERVATION (Result)\n```\n%s\n```", observation)

			if tools.IsFailure(observation) {
				if s.vault != nil && len(promptVec) > 0 {
					_ = s.vault.AddFailure(req.Prompt, "Tool Failed: "+action.Tool, promptVec)
				}
				lastError = observation
				s.notify(obs, req.SessionID, PhaseErrorCatch, "Action failed. Halting batch.")
				batchAborted = true
				continue
			}

			if action.Tool == "FINAL_ANSWER" {
				answer, _ := action.Params["answer"].(string)
				finalOutput = answer
				lastGraphNode, _ = graph.AddNode(finalOutput, store.NodeResponse, lastGraphNode, nil,
					map[string]string{"status": "success", "session_id": req.SessionID})
				if lastError == "" && s.vault != nil && len(promptVec) > 0 {
					summary := monologue.String()
					if len(summary) > 500 {
						summary = summary[:500]
					}
					_ = s.vault.AddSuccess(req.Prompt, "Solved via: "+summary, promptVec)
				}
				s.notify(obs, req.SessionID, PhaseFinal, finalOutput)
				s.finishMission(graph, req, lastGraphNode)
				logging.Agent("mission completed in %v", time.Since(missionStart))
				return finalOutput
			}
		}
	}

	s.notify(obs, req.SessionID, PhaseFinal, finalOutput)
	s.finishMission(graph, req, lastGraphNode)
	logging.Agent("mission ended (%s) in %v", finalOutput, time.Since(missionStart))
	return finalOutput
}

// finishMission persists the cursor and the graph. Persistence problems are
// logged and swallowed; in-memory state stays authoritative.
func (s *Service) finishMission(graph *store.PointerGraph, req Request, lastNode string) {
	s.sessions.SetCursor(req.SessionID, lastNode)
	graph.Save()
}

// sigmaRetrieve performs the relational retrieval: top nodes by similarity,
// then their children, rendered as a relationship block plus the linked
// file contents.
func (s *Service) sigmaRetrieve(graph *store.PointerGraph, promptVec []float32) (string, string) {
	if len(promptVec) == 0 {
		return "", ""
	}

	topNodes := graph.SemanticSearch(promptVec, sigmaK)
	if len(topNodes) == 0 {
		return "", ""
	}

	var rel strings.Builder
	var files strings.Builder
	rel.WriteString("### RELATED CODE RELATIONSHIPS\n")

	for _, node := range topNodes {
		for _, child := range graph.GetChildren(node.ID) {
			name := child.Metadata["node_name"]
			if name == "" {
				name = "anonymous_symbol"
			}
			fmt.Fprintf(&rel, "- %s -> links to -> %s\n", node.ID, name)

			if child.Type == store.NodeContextCode {
				path := child.Metadata["file_path"]
				if path == "" {
					path = "unknown_file"
				}
				fmt.Fprintf(&files, "\n# FILE: %s\n%s\n", path, child.Content)
			}
		}
	}
	return rel.String(), files.String()
}

// handleProposePlan processes a propose_plan action. Returns (true, output)
// when the request should terminate (single-action proposal awaiting
// approval).
func (s *Service) handleProposePlan(graph *store.PointerGraph, req Request,
	action Action, obs Observer, monologue *strings.Builder, promptVec []float32,
	batch bool, memoryChecked *bool, lastGraphNode *string) (bool, string) {

	// Before accepting a plan, surface past failures on similar tasks so the
	// model reconsiders. Done once per request to avoid a proposal loop.
	if !*memoryChecked && s.vault != nil && len(promptVec) > 0 {
		*memoryChecked = true
		recall := s.vault.Recall(promptVec)
		if len(recall.NegativeWarnings) > 0 {
			fmt.Fprintf(monologue, "\nWAIT: Recalling past similar tasks...\n%s",
				strings.Join(recall.NegativeWarnings, "\n"))
			return false, ""
		}
	}

	rawSteps := decodeRawSteps(action.Params["steps"])
	if len(rawSteps) == 0 {
		fmt.Fprintf(monologue, "\n[BLOCKED] propose_plan carried no steps.")
		return false, ""
	}

	s.planner.ProposePlan(req.Prompt, rawSteps)
	*lastGraphNode, _ = graph.AddNode("propose_plan", store.NodeToolCall, *lastGraphNode, nil,
		map[string]string{"tool": "propose_plan", "session_id": req.SessionID})

	if batch {
		s.planner.Approve()
		s.notify(obs, req.SessionID, PhasePlanning, "Plan proposed and auto-approved for batch execution.")
		planJSON, _ := s.planner.MarshalJSON()
		*lastGraphNode, _ = graph.AddNode(string(planJSON), store.NodeContextCode, *lastGraphNode, nil,
			map[string]string{"session_id": req.SessionID})
		return false, ""
	}

	planJSON, _ := s.planner.MarshalJSON()
	*lastGraphNode, _ = graph.AddNode(string(planJSON), store.NodeContextCode, *lastGraphNode, nil,
		map[string]string{"session_id": req.SessionID})
	s.notify(obs, req.SessionID, PhaseProposal, string(planJSON))
	return true, "Plan Proposed."
}

// decodeRawSteps converts the loose steps value into typed raw steps.
func decodeRawSteps(v any) []planning.RawStep {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	steps := make([]planning.RawStep, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var raw planning.RawStep
		raw.Description, _ = m["description"].(string)
		raw.Tool, _ = m["tool"].(string)
		if p, ok := m["parameters"].(map[string]any); ok {
			raw.Parameters = p
		}
		steps = append(steps, raw)
	}
	return steps
}

// safeExecute dispatches a tool inside the crash-safe wrapper and logs the
// outcome into the trace.
func (s *Service) safeExecute(ctx context.Context, toolName string, params map[string]any, sessionID string) string {
	start := time.Now()
	observation := s.registry.Dispatch(ctx, toolName, params)
	duration := time.Since(start)

	state := PhaseToolExec
	prefix := "SUCCESS: "
	if tools.IsFailure(observation) {
		state = PhaseErrorCatch
		prefix = "FAILED: "
		logging.ToolsWarn("tool %s failed: %.100s", toolName, observation)
	} else {
		logging.Tools("tool %s ok (%d chars)", toolName, len(observation))
	}

	summary := observation
	if len(summary) > 100 {
		summary = summary[:100]
	}
	s.trace.Add(TraceEntry{
		Time:    time.Now(),
		Session: sessionID,
		Phase:   state,
		Payload: fmt.Sprintf("%s%s -> %s (%.0fms)", prefix, toolName, summary, float64(duration.Milliseconds())),
	})
	return observation
}

// autoVerify runs a language-appropriate compile check after an edit.
// Returns a replacement observation when the build failed, "" otherwise.
func (s *Service) autoVerify(ctx context.Context, req Request, params map[string]any, obs Observer) string {
	path, _ := params["path"].(string)
	if path == "" {
		return ""
	}

	var command string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		command = "python3 -m py_compile " + path
	case ".js", ".mjs":
		command = "node --check " + path
	case ".go":
		command = "go vet ./..."
	default:
		return ""
	}

	s.notify(obs, req.SessionID, PhaseVerifying, "Running automated build check...")
	buildLog := s.safeExecute(ctx, "run_command",
		map[string]any{"command": command, "project_id": req.ProjectID}, req.SessionID)

	if strings.Contains(buildLog, "Exit Code: 0") {
		return ""
	}
	s.notify(obs, req.SessionID, PhaseAutoRepair, "Build failed. Feeding error back to the model.")
	return "EDIT APPLIED BUT BUILD FAILED:\n" + buildLog +
		"\nACTION REQUIRED: Re-read the file and fix the syntax error."
}

// promptParts gathers everything the per-step prompt assembles.
type promptParts struct {
	manifest    string
	userRequest string
	relational  string
	business    string
	massive     string
	planContext string
	memories    string
	history     string
	warnings    string
	lastError   string
}

// composePrompt renders the full model prompt for one step.
func (s *Service) composePrompt(p promptParts) string {
	var b strings.Builder

	b.WriteString("### SYSTEM ROLE\n")
	b.WriteString("You are 'Synapse', an Autonomous Coding Agent.\n\n")
	b.WriteString("### TOOL MANIFEST\n")
	b.WriteString(p.manifest)
	b.WriteString("\nBATCH MODE ENABLED: You are encouraged to return a JSON LIST `[...]` of multiple tool calls to save time.\n")
	b.WriteString("Example: `[ {\"tool\": \"apply_edit\", ...}, {\"tool\": \"execute_code\", ...} ]`\n")
	b.WriteString("If you are confident, perform the edit, execution, and final answer in ONE response.\n\n")
	b.WriteString("### USER REQUEST\n")
	b.WriteString(p.userRequest)
	b.WriteString("\n\n")

	b.WriteString("### CRITICAL JSON FORMATTING RULES\n")
	b.WriteString("1. INDENTATION IS VITAL: When writing Python code in JSON, you MUST include proper indentation.\n")
	b.WriteString("   WRONG: \"def foo():\\nreturn 1\"\n")
	b.WriteString("   RIGHT: \"def foo():\\n    return 1\" (Notice the spaces after \\n)\n")
	b.WriteString("2. SINGLE QUOTES: Use single quotes for Python strings: print('hello').\n")
	b.WriteString("3. OUTPUT VALID JSON: Start with `[`.\n")
	b.WriteString("4. ESCAPE PROPERLY: All newlines must be \\n, all tabs must be \\t, all quotes inside strings must be escaped.\n")

	b.WriteString("### CODE GENERATION RULE\n")
	b.WriteString("1. Write the full code inside a fenced code block FIRST.\n")
	b.WriteString("2. Then, inside your JSON, set \"content\": \"__CODE_BLOCK_0__\".\n")
	b.WriteString("3. The system will automatically inject the code block into the file.\n")

	if p.relational != "" {
		b.WriteString(p.relational)
	}
	if p.business != "" {
		b.WriteString(p.business)
		b.WriteString("\n")
	}
	if p.massive != "" {
		b.WriteString(p.massive)
		b.WriteString("\n")
	}
	if p.planContext != "" {
		b.WriteString(p.planContext)
		b.WriteString("\n")
	}
	if p.memories != "" {
		b.WriteString(p.memories)
		b.WriteString("\n")
	}
	if p.history != "" {
		b.WriteString("### EXECUTION HISTORY (Read-Only)\n")
		b.WriteString(p.history)
		b.WriteString("\n")
	}
	if p.warnings != "" {
		b.WriteString(p.warnings)
		b.WriteString("\n")
	}
	if p.lastError != "" {
		b.WriteString("\n### PREVIOUS ERROR\n")
		b.WriteString(p.lastError)
		b.WriteString("\nREQUIRED: Fix this error.\n")
	}
	return b.String()
}
