// Package tools implements the agent's capability layer: a registry of
// named tools plus the read, list, search, edit, shell and sandboxed-exec
// implementations. Every tool returns a plain-text observation; strings
// beginning with "ERROR:" or "SYSTEM EXCEPTION:" denote failure and feed
// the loop's error handling.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"synapse/internal/logging"
)

// ErrToolAlreadyRegistered is returned when a name collides.
var ErrToolAlreadyRegistered = errors.New("tool already registered")

// ErrUnknownTool is returned by Dispatch for unregistered names.
var ErrUnknownTool = errors.New("unknown tool")

// Property describes a single parameter property for the JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Schema defines the JSON schema for tool arguments.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc is the signature for tool execution. Failures may be reported
// either as a Go error or directly as an "ERROR:" observation string.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is one named capability exposed to the model.
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	SideEffects bool
	Execute     ExecuteFunc
}

// Validate checks structural completeness.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return errors.New("tool name required")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %s has no execute function", t.Name)
	}
	return nil
}

// Registry maps tool names to tools. It is immutable after startup by
// convention; the lock exists for safety during registration.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, rejecting duplicates.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool
	logging.ToolsDebug("registered tool: %s", tool.Name)
	return nil
}

// MustRegister registers a tool and panics on error. Use for static
// registration at startup.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch looks up the named tool and executes it, converting Go errors
// and panics into the textual failure envelope. This is the only call path
// into a tool; nothing a tool does can crash the agent loop.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (result string) {
	tool := r.Get(name)
	if tool == nil {
		return fmt.Sprintf("ERROR: Unknown tool '%s'. Check the tool manifest.", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			logging.ToolsError("tool %s panicked: %v", name, rec)
			result = fmt.Sprintf("SYSTEM EXCEPTION: %v", rec)
		}
	}()

	timer := logging.StartTimer(logging.CategoryTools, "dispatch "+name)
	defer timer.Stop()

	out, err := tool.Execute(ctx, args)
	if err != nil {
		if strings.HasPrefix(out, "ERROR:") {
			return out
		}
		return "ERROR: " + err.Error()
	}
	return out
}

// Manifest renders the tool catalogue for the model prompt: one block per
// tool with description and parameter schema.
func (r *Registry) Manifest() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		t := r.tools[name]
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		if len(t.Schema.Properties) > 0 {
			props := make([]string, 0, len(t.Schema.Properties))
			for p := range t.Schema.Properties {
				props = append(props, p)
			}
			sort.Strings(props)
			params := make([]string, 0, len(props))
			for _, p := range props {
				required := ""
				for _, req := range t.Schema.Required {
					if req == p {
						required = " (required)"
						break
					}
				}
				params = append(params, fmt.Sprintf("%s: %s%s", p, t.Schema.Properties[p].Type, required))
			}
			fmt.Fprintf(&b, "  params: {%s}\n", strings.Join(params, ", "))
		}
	}
	return b.String()
}

// IsFailure reports whether an observation carries the failure envelope.
func IsFailure(observation string) bool {
	return strings.HasPrefix(observation, "ERROR:") ||
		strings.HasPrefix(observation, "SYSTEM EXCEPTION:")
}

// stringArg extracts a string parameter, tolerating absence.
func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg extracts an integer parameter with a default, tolerating the
// float64 and json.Number shapes JSON numbers arrive in.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		return def
	default:
		return def
	}
}
