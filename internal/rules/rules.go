// Package rules loads the marker grammar that drives the rewrite
// engine and trigger extraction.
//
// The grammar is data, not code: recognized marker phrases, the
// take-phrase, the trigger keyword, the threshold, and the default
// offsets all live in a CUE document validated against an embedded
// schema. Running without a rules file uses the embedded defaults.
package rules

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSrc string

// defaultDoc is the grammar used when no rules file is configured.
// Markers match the source channel's house style.
const defaultDoc = `markers: ["ea", "P for"]`

// Grammar is the decoded marker grammar.
type Grammar struct {
	Markers           []string `json:"markers"`
	TakePhrase        string   `json:"take_phrase"`
	TriggerKeyword    string   `json:"trigger_keyword"`
	Threshold         float64  `json:"threshold"`
	DefaultHighOffset float64  `json:"default_high_offset"`
	DefaultLowOffset  float64  `json:"default_low_offset"`
	StrictPrefixMatch bool     `json:"strict_prefix_match"`
}

// LoadError reports a grammar document that failed schema validation.
type LoadError struct {
	File    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.File, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Default returns the embedded default grammar.
func Default() Grammar {
	g, err := compile("<defaults>", defaultDoc)
	if err != nil {
		// The embedded document is validated by tests; failing here
		// means the binary itself is broken.
		panic(fmt.Sprintf("rules: embedded defaults invalid: %v", err))
	}
	return g
}

// Load reads and validates a grammar document from path. An empty path
// returns the embedded defaults.
func Load(path string) (Grammar, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Grammar{}, &LoadError{File: path, Message: "read rules file", Err: err}
	}
	return compile(path, string(data))
}

// compile unifies a grammar document with the embedded schema and
// decodes it. Defaults are filled by CUE during unification.
func compile(name, doc string) (Grammar, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Grammar{}, &LoadError{File: "schema.cue", Message: "compile schema", Err: err}
	}

	val := ctx.CompileString(doc, cue.Filename(name))
	if err := val.Err(); err != nil {
		return Grammar{}, &LoadError{File: name, Message: "compile rules", Err: err}
	}

	merged := schema.LookupPath(cue.ParsePath("#Grammar")).Unify(val)
	if err := merged.Validate(cue.Concrete(true)); err != nil {
		return Grammar{}, &LoadError{File: name, Message: "validate rules", Err: err}
	}

	var g Grammar
	if err := merged.Decode(&g); err != nil {
		return Grammar{}, &LoadError{File: name, Message: "decode rules", Err: err}
	}
	if len(g.Markers) == 0 {
		return Grammar{}, &LoadError{File: name, Message: "at least one marker is required"}
	}
	return g, nil
}
