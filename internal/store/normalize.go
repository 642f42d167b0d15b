package store

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// trailingPunct are characters stripped from the end of a normalized
// caption. Ellipsis included because the platform truncates previews
// with it.
const trailingPunct = ".,:;!?…"

var foldCaser = cases.Fold()

// NormalizeCaption canonicalizes caption text for fuzzy matching:
// Unicode NFKC, case fold, internal whitespace collapsed to single
// spaces, trailing punctuation stripped.
func NormalizeCaption(s string) string {
	s = norm.NFKC.String(s)
	s = foldCaser.String(s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, trailingPunct)
	return strings.TrimSpace(s)
}
