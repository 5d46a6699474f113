// Package syntax validates proposed file contents with tree-sitter before
// they reach the disk. Edits whose parse tree contains error or missing
// nodes are rejected; languages without a grammar are passed through so the
// validator never blocks edits it cannot judge.
package syntax

import (
	"context"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"synapse/internal/logging"
)

// minContentLen guards against file wipes: proposed code shorter than this
// for a recognised code extension is treated as invalid.
const minContentLen = 10

// Validator owns a single tree-sitter parser whose language is switched per
// call. Validate serialises parser use with the internal mutex, so one
// Validator may be shared.
type Validator struct {
	mu     sync.Mutex
	parser *sitter.Parser
}

// NewValidator creates a validator with a fresh parser.
func NewValidator() *Validator {
	return &Validator{parser: sitter.NewParser()}
}

// Close releases the underlying parser.
func (v *Validator) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.parser.Close()
}

// languageFor maps a file extension to a grammar, or nil when unsupported.
func languageFor(ext string) *sitter.Language {
	switch strings.ToLower(ext) {
	case ".go":
		return golang.GetLanguage()
	case ".py":
		return python.GetLanguage()
	case ".js", ".jsx", ".mjs":
		return javascript.GetLanguage()
	case ".ts", ".tsx":
		return typescript.GetLanguage()
	default:
		return nil
	}
}

// IsCodeExtension reports whether the extension maps to a known grammar.
func IsCodeExtension(ext string) bool {
	return languageFor(ext) != nil
}

// Validate parses content for the language implied by ext and reports
// whether the tree is free of error and missing nodes. Unrecognised
// extensions return true: the validator must not block edits in languages
// it cannot parse.
func (v *Validator) Validate(content []byte, ext string) bool {
	lang := languageFor(ext)
	if lang == nil {
		return true
	}

	// Wipe heuristic: dangerously short code files are rejected outright.
	if len(content) < minContentLen {
		logging.JournalWarn("proposed content for %s file is dangerously short (%d bytes)", ext, len(content))
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.parser.SetLanguage(lang)
	tree, err := v.parser.ParseCtx(context.Background(), nil, content)
	if err != nil || tree == nil {
		return false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return false
	}
	return !root.IsMissing()
}
