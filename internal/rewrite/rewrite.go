// Package rewrite adjusts priced quantities embedded in free-form
// captions.
//
// A numeric token is rewritten only when the grammar says it is a
// price: either it is immediately followed (after optional whitespace
// and/or a slash) by a recognized marker phrase, or it is the number of
// an explicit take-phrase ("take for 500"). Every other number in the
// text is left untouched.
//
// The engine is pure and safe for concurrent use. It is NOT idempotent:
// rewriting already-rewritten text double-applies offsets, so callers
// invoke it exactly once per source text per destination.
package rewrite

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/roach88/pricerelay/internal/rules"
)

// Offsets are the per-destination price adjustments.
type Offsets struct {
	High float64
	Low  float64
}

// Engine holds the compiled marker grammar.
type Engine struct {
	threshold float64
	suffixRe  *regexp.Regexp
	phraseRe  *regexp.Regexp
}

// New compiles the grammar's markers into matchers.
func New(g rules.Grammar) (*Engine, error) {
	if len(g.Markers) == 0 {
		return nil, fmt.Errorf("rewrite: grammar has no markers")
	}

	alts := make([]string, len(g.Markers))
	for i, m := range g.Markers {
		alts[i] = flexPhrase(m)
	}

	// Number, optionally preceded by a currency mark, immediately
	// followed by optional whitespace, an optional slash, optional
	// whitespace, then a marker phrase ending at a word boundary.
	suffixRe, err := regexp.Compile(
		`(?i)(\$?)(\d+(?:\.\d+)?)(\s*/?\s*)(` + strings.Join(alts, "|") + `)\b`)
	if err != nil {
		return nil, fmt.Errorf("rewrite: compile marker pattern: %w", err)
	}

	// Explicit take-phrase form; the phrase is captured and preserved
	// verbatim, only the number changes.
	phraseRe, err := regexp.Compile(
		`(?i)\b(` + flexPhrase(g.TakePhrase) + `)(\s+)(\$?)(\d+(?:\.\d+)?)`)
	if err != nil {
		return nil, fmt.Errorf("rewrite: compile take-phrase pattern: %w", err)
	}

	return &Engine{
		threshold: g.Threshold,
		suffixRe:  suffixRe,
		phraseRe:  phraseRe,
	}, nil
}

// Rewrite returns text with every qualifying price adjusted by the
// destination's offsets. Text without a recognized marker adjacent to a
// number comes back unchanged.
func (e *Engine) Rewrite(text string, off Offsets) string {
	out := e.suffixRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := e.suffixRe.FindStringSubmatch(m)
		// sub: [full, currency, number, separator, marker]
		return sub[1] + e.adjust(sub[2], off) + sub[3] + sub[4]
	})

	out = e.phraseRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := e.phraseRe.FindStringSubmatch(m)
		// sub: [full, phrase, space, currency, number]
		return sub[1] + sub[2] + sub[3] + e.adjust(sub[4], off)
	})

	return out
}

// adjust applies the threshold-dependent offset to one numeric token,
// preserving its formatting: same decimal digit count, integer stays
// integer. A token that fails to parse is returned unchanged.
func (e *Engine) adjust(tok string, off Offsets) string {
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return tok
	}

	delta := off.Low
	if v > e.threshold {
		delta = off.High
	}
	nv := v + delta

	if i := strings.IndexByte(tok, '.'); i >= 0 {
		prec := len(tok) - i - 1
		return strconv.FormatFloat(nv, 'f', prec, 64)
	}
	return strconv.FormatFloat(nv, 'f', 0, 64)
}

// flexPhrase quotes a marker phrase for regexp use while letting any
// run of whitespace inside it match flexibly.
func flexPhrase(phrase string) string {
	words := strings.Fields(phrase)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(words, `\s+`)
}
