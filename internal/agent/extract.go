// Package agent implements the plan/act/observe controller that drives a
// single user request through bounded iterations, together with the session
// cursor registry and the phase-event plumbing around it.
package agent

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"synapse/internal/logging"
)

// Action is one structured tool call recovered from model output.
type Action struct {
	Thought string
	Tool    string
	Params  map[string]any
}

// codeBlockRe matches the placeholder protocol: a fenced code block emitted
// separately and referenced as __CODE_BLOCK_n__ inside JSON content.
var codeBlockRe = regexp.MustCompile(`(?:__)?CODE_BLOCK_(\d+)(?:__)?`)

// ExtractJSON recovers a JSON object or array from free-form model text.
// Recognises fenced json blocks first, then scans for a valid start with
// look-ahead, balances brackets respecting string/escape state, and runs a
// repair pass before giving up. Returns (value, true) on success where
// value is a map[string]any or []any.
func ExtractJSON(raw string) (any, bool) {
	// 1. Prioritize explicit markdown JSON blocks.
	if block, ok := fencedJSONBlock(raw); ok {
		if v, err := strictParse(block); err == nil {
			return v, true
		}
		// Malformed block: fall through to the scanners.
	}

	start, open, closer := findJSONStart(raw)
	if start < 0 {
		return nil, false
	}

	candidate := balanceBrackets(raw[start:], open, closer)

	if v, err := strictParse(candidate); err == nil {
		return v, true
	}

	// Repair pass: escape broken string bodies and retry.
	repaired := repairJSON(candidate)
	if v, err := strictParse(repaired); err == nil {
		logging.AgentDebug("JSON repaired successfully (%d -> %d bytes)", len(candidate), len(repaired))
		return v, true
	}

	// Keyed regex extraction as the last structured resort.
	if v, ok := regexExtract(raw); ok {
		logging.AgentDebug("JSON recovered via keyed extraction")
		return v, true
	}
	return nil, false
}

// strictParse decodes the first JSON value in s into the generic shape; text
// after that value is ignored.
func strictParse(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// fencedJSONBlock returns the body of the first ```json fence.
func fencedJSONBlock(raw string) (string, bool) {
	idx := strings.Index(raw, "```json")
	if idx < 0 {
		return "", false
	}
	bodyStart := strings.IndexByte(raw[idx:], '\n')
	if bodyStart < 0 {
		return "", false
	}
	bodyStart += idx + 1
	end := strings.Index(raw[bodyStart:], "```")
	if end < 0 {
		return "", false
	}
	return raw[bodyStart : bodyStart+end], true
}

// findJSONStart locates the first '{' or '[' that plausibly opens a JSON
// value, using one-token look-ahead to reject stray brackets in prose.
func findJSONStart(s string) (int, byte, byte) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '{' && c != '[' {
			continue
		}
		for j := i + 1; j < len(s); j++ {
			next := s[j]
			if unicode.IsSpace(rune(next)) {
				continue
			}
			if c == '{' && (next == '"' || next == '}') {
				return i, '{', '}'
			}
			if c == '[' && (next == '{' || next == '"' || next == ']' || (next >= '0' && next <= '9')) {
				return i, '[', ']'
			}
			break
		}
	}
	return -1, 0, 0
}

// balanceBrackets finds the matching close for the opening bracket at the
// start of s, counting depth while respecting string and escape state.
// When the text ends before balance is restored the whole tail is returned.
func balanceBrackets(s string, open, closer byte) string {
	balance := 0
	inString := false
	escape := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escape {
			escape = false
			continue
		}
		if c == '\\' {
			escape = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if c == open {
			balance++
		} else if c == closer {
			balance--
			if balance == 0 {
				return s[:i+1]
			}
		}
	}
	return s
}

// stringValueKeys are the fields whose values routinely carry raw source
// code with unescaped quotes and literal newlines.
var stringValueKeys = map[string]bool{"content": true, "code": true, "answer": true}

// repairJSON rewrites the candidate so that literal newlines/tabs inside
// strings become escapes, and unescaped double quotes inside content/code/
// answer values are escaped. A quote inside such a value ends the string only
// when the next non-space character is a comma, colon, closing brace or
// bracket, or when nothing follows it.
func repairJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escape := false
	inValue := false // current string sits in value position
	expectValue := false
	var lastKey string
	var strBuf strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]

		if !inString {
			switch c {
			case '"':
				inString = true
				inValue = expectValue
				strBuf.Reset()
			case ':':
				expectValue = true
			case ',', '{', '[', '}', ']':
				expectValue = false
			}
			b.WriteByte(c)
			continue
		}

		// Inside a string.
		if escape {
			escape = false
			strBuf.WriteByte(c)
			b.WriteByte(c)
			continue
		}
		switch c {
		case '\\':
			escape = true
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '"':
			if inValue && stringValueKeys[lastKey] && !isTerminatorAhead(s, i+1) {
				// Stray quote inside a code-bearing value.
				b.WriteString(`\"`)
				strBuf.WriteByte(c)
				continue
			}
			inString = false
			if !inValue && isKeyPosition(s, i+1) {
				lastKey = strBuf.String()
			}
			b.WriteByte(c)
		default:
			strBuf.WriteByte(c)
			b.WriteByte(c)
		}
	}
	return b.String()
}

// isKeyPosition reports whether the next non-space character is a colon.
func isKeyPosition(s string, from int) bool {
	for i := from; i < len(s); i++ {
		if unicode.IsSpace(rune(s[i])) {
			continue
		}
		return s[i] == ':'
	}
	return false
}

// isTerminatorAhead reports whether a closing quote at this position is
// followed by a structural character, meaning the string genuinely ends.
func isTerminatorAhead(s string, from int) bool {
	for i := from; i < len(s); i++ {
		if unicode.IsSpace(rune(s[i])) {
			continue
		}
		switch s[i] {
		case ',', '}', ']', ':':
			return true
		default:
			return false
		}
	}
	return true // End of text counts as termination.
}

var (
	toolKeyRe = regexp.MustCompile(`"(?:tool|name|function)"\s*:\s*"([^"]+)"`)
	pathKeyRe = regexp.MustCompile(`"path"\s*:\s*"([^"]+)"`)
	langKeyRe = regexp.MustCompile(`"lang"\s*:\s*"([^"]+)"`)
)

// regexExtract pulls tool/path/steps/content out of hopeless JSON with
// keyed patterns. Steps are captured bracket-balanced; content is captured
// terminator-aware.
func regexExtract(raw string) (any, bool) {
	toolMatch := toolKeyRe.FindStringSubmatch(raw)
	if toolMatch == nil {
		return nil, false
	}

	action := map[string]any{"tool": toolMatch[1]}
	params := map[string]any{}

	if m := pathKeyRe.FindStringSubmatch(raw); m != nil {
		params["path"] = m[1]
	}
	if m := langKeyRe.FindStringSubmatch(raw); m != nil {
		params["lang"] = m[1]
	}

	if stepsIdx := strings.Index(raw, `"steps"`); stepsIdx >= 0 {
		tail := raw[stepsIdx:]
		if open := strings.IndexByte(tail, '['); open >= 0 {
			stepsJSON := balanceBrackets(tail[open:], '[', ']')
			if v, err := strictParse(stepsJSON); err == nil {
				params["steps"] = v
			} else if v, err := strictParse(repairJSON(stepsJSON)); err == nil {
				params["steps"] = v
			}
		}
	}

	if content, ok := extractStringField(raw, "content"); ok {
		params["content"] = content
	} else if answer, ok := extractStringField(raw, "answer"); ok {
		params["answer"] = answer
	}

	action["parameters"] = params
	return action, true
}

// extractStringField captures a string value terminator-aware: the value
// ends at the first quote whose next structural character closes it.
func extractStringField(raw, key string) (string, bool) {
	marker := `"` + key + `"`
	idx := strings.Index(raw, marker)
	if idx < 0 {
		return "", false
	}
	rest := raw[idx+len(marker):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", false
	}
	rest = rest[colon+1:]
	open := strings.IndexByte(rest, '"')
	if open < 0 {
		return "", false
	}
	rest = rest[open+1:]

	var b strings.Builder
	escape := false
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if escape {
			switch c {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '"', '\\', '/':
				b.WriteByte(c)
			default:
				b.WriteByte('\\')
				b.WriteByte(c)
			}
			escape = false
			continue
		}
		if c == '\\' {
			escape = true
			continue
		}
		if c == '"' && isTerminatorAhead(rest, i+1) {
			return b.String(), true
		}
		b.WriteByte(c)
	}
	return b.String(), true
}

// looksLikeCode reports whether raw text contains recognisable source code,
// used to wrap parse-proof output as a FINAL_ANSWER.
func looksLikeCode(raw string) bool {
	markers := []string{"def ", "import ", "func ", "class ", "const ", "#include", "package "}
	for _, m := range markers {
		if strings.Contains(raw, m) {
			return true
		}
	}
	return false
}

// ExtractCodeBlocks pulls fenced non-json code blocks out of the raw text,
// plus the smart-split recovery: code that precedes a JSON array without any
// fence is treated as block zero.
func ExtractCodeBlocks(raw string) []string {
	var blocks []string

	rest := raw
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		langEnd := strings.IndexByte(rest[start:], '\n')
		if langEnd < 0 {
			break
		}
		lang := strings.TrimSpace(rest[start+3 : start+langEnd])
		bodyStart := start + langEnd + 1
		end := strings.Index(rest[bodyStart:], "```")
		if end < 0 {
			break
		}
		if !strings.EqualFold(lang, "json") {
			blocks = append(blocks, rest[bodyStart:bodyStart+end])
		}
		rest = rest[bodyStart+end+3:]
	}
	if len(blocks) > 0 {
		return blocks
	}

	// Smart split: unfenced code followed by a JSON array of actions.
	if start, open, _ := findJSONStart(raw); start > 10 && open == '[' {
		pre := raw[:start]
		if strings.Contains(pre, "import ") || strings.Contains(pre, "def ") || strings.Contains(pre, "func ") {
			pre = strings.TrimSpace(pre)
			if pre != "" {
				logging.AgentDebug("auto-recovered unfenced code block (smart split)")
				blocks = append(blocks, pre)
			}
		}
	}
	return blocks
}

// InjectCodeBlocks substitutes __CODE_BLOCK_n__ placeholders inside the
// content parameter with the corresponding extracted block.
func InjectCodeBlocks(params map[string]any, blocks []string) {
	content, ok := params["content"].(string)
	if !ok || len(blocks) == 0 {
		return
	}

	if m := codeBlockRe.FindStringSubmatch(content); m != nil {
		idx := 0
		for _, ch := range m[1] {
			idx = idx*10 + int(ch-'0')
		}
		if idx >= 0 && idx < len(blocks) {
			params["content"] = blocks[idx]
			logging.AgentDebug("injected code block %d (%d chars)", idx, len(blocks[idx]))
			return
		}
	}
	// Fallback: a single block plus a stub content means the model forgot
	// the placeholder syntax.
	if len(blocks) == 1 && (strings.Contains(content, "CODE_BLOCK") || len(content) < 20) {
		params["content"] = blocks[0]
		logging.AgentDebug("auto-injected single code block (fallback)")
	}
}

// DecodeActions normalises the extracted value into an ordered action list,
// accepting the tool/name/function and parameters/arguments/args aliases.
func DecodeActions(v any) []Action {
	var rawActions []map[string]any
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				rawActions = append(rawActions, m)
			}
		}
	case map[string]any:
		rawActions = append(rawActions, t)
	}

	actions := make([]Action, 0, len(rawActions))
	for _, m := range rawActions {
		var a Action
		for _, key := range []string{"tool", "name", "function"} {
			if s, ok := m[key].(string); ok && s != "" {
				a.Tool = s
				break
			}
		}
		if s, ok := m["thought"].(string); ok {
			a.Thought = s
		}

		for _, key := range []string{"parameters", "arguments", "args"} {
			if p, ok := m[key].(map[string]any); ok {
				a.Params = p
				break
			}
		}
		if a.Params == nil {
			// Parameters were inlined at the top level.
			a.Params = make(map[string]any)
			for k, v := range m {
				switch k {
				case "tool", "name", "function", "thought":
				default:
					a.Params[k] = v
				}
			}
		}
		actions = append(actions, a)
	}
	return actions
}
