package rewrite

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pricerelay/internal/rules"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(rules.Default())
	require.NoError(t, err)
	return e
}

func TestRewrite_SuffixMarkers(t *testing.T) {
	e := newEngine(t)
	off := Offsets{High: 200, Low: 15}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"high offset with currency", "$975/P for 20", "$1175/P for 20"},
		{"low offset plain", "30/ea", "45/ea"},
		{"spaces around slash", "Premium cap 200 / ea", "Premium cap 215 / ea"},
		{"no slash", "30 ea left", "45 ea left"},
		{"marker case-insensitive", "32.50/EA", "47.50/EA"},
		{"decimal precision preserved", "199.99/ea", "214.99/ea"},
		{"multiple tokens", "30/ea or $300/ea", "45/ea or $500/ea"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Rewrite(tt.in, off))
		})
	}
}

func TestRewrite_ThresholdBoundary(t *testing.T) {
	e := newEngine(t)
	off := Offsets{High: 200, Low: 15}

	// Exactly at the threshold takes the low offset; strictly above
	// takes the high offset.
	assert.Equal(t, "215/ea", e.Rewrite("200/ea", off))
	assert.Equal(t, "401/ea", e.Rewrite("201/ea", off))
}

func TestRewrite_TakePhrase(t *testing.T) {
	e := newEngine(t)
	off := Offsets{High: 200, Low: 15}

	// The leading phrase is preserved verbatim, including case and
	// internal whitespace.
	assert.Equal(t, "Take for 700", e.Rewrite("Take for 500", off))
	assert.Equal(t, "TAKE  FOR  $65", e.Rewrite("TAKE  FOR  $50", off))
}

func TestRewrite_NoSpuriousRewrites(t *testing.T) {
	e := newEngine(t)
	off := Offsets{High: 200, Low: 15}

	tests := []string{
		"room 45 is ready",
		"call 555-0188",
		"each of them",          // marker must follow a number
		"30/east wing",          // word boundary after marker
		"no numbers here at all",
		"",
	}
	for _, in := range tests {
		assert.Equal(t, in, e.Rewrite(in, off), "input %q", in)
	}
}

func TestRewrite_CurrencyNeverIntroduced(t *testing.T) {
	e := newEngine(t)
	off := Offsets{High: 200, Low: 15}

	got := e.Rewrite("30/ea", off)
	assert.Equal(t, "45/ea", got)
	assert.NotContains(t, got, "$")
}

func TestRewrite_CustomMarkers(t *testing.T) {
	g := rules.Default()
	g.Markers = []string{"pcs"}
	e, err := New(g)
	require.NoError(t, err)

	off := Offsets{High: 200, Low: 15}
	assert.Equal(t, "45/pcs", e.Rewrite("30/pcs", off))
	// Old markers are no longer recognized.
	assert.Equal(t, "30/ea", e.Rewrite("30/ea", off))
}

func TestRewrite_NotIdempotent(t *testing.T) {
	// Documented hazard: re-running the engine double-applies offsets.
	e := newEngine(t)
	off := Offsets{High: 200, Low: 15}

	once := e.Rewrite("30/ea", off)
	twice := e.Rewrite(once, off)
	assert.Equal(t, "45/ea", once)
	assert.Equal(t, "60/ea", twice)
}

func TestRewrite_Golden(t *testing.T) {
	e := newEngine(t)
	off := Offsets{High: 200, Low: 15}

	in := `NEW ARRIVAL, spring batch

Blue hoodie $975/P for 20
Socks 30/ea
Premium cap 200 / ea
Scarf 32.50/EA
Bundle: take for 500
Lot 210 also available, call 555-0188
`

	g := goldie.New(t)
	g.Assert(t, "rewrite_sample", []byte(e.Rewrite(in, off)))
}
