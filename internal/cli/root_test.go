package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pricerelay/internal/rewrite"
	"github.com/roach88/pricerelay/internal/rules"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "pricerelay", cmd.Use)
	assert.Contains(t, cmd.Long, "source channel")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "replay", "destinations", "prune"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestInvalidFormatRejected(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "xml", "destinations", "list", "--db", "x.db"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestReplayCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	replayCmd, _, err := cmd.Find([]string{"replay"})
	require.NoError(t, err)

	for _, name := range []string{"db", "export", "dest", "rate"} {
		flag := replayCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "flag %s should exist", name)
	}
	assert.Equal(t, "0.5", replayCmd.Flags().Lookup("rate").DefValue)
}

func TestLoadGrammar_CustomRulesFile(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "grammar.cue")
	require.NoError(t, os.WriteFile(rulesPath, []byte(`
markers: ["ea"]
threshold: 100
default_high_offset: 300
default_low_offset: 25
`), 0o644))
	configPath := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(configPath,
		[]byte("rules_file: "+rulesPath+"\n"), 0o644))

	_, g, err := loadGrammar(configPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"ea"}, g.Markers)
	assert.Equal(t, float64(100), g.Threshold)
	assert.Equal(t, float64(300), g.DefaultHighOffset)
	assert.Equal(t, float64(25), g.DefaultLowOffset)

	// The rewrite engine built from this grammar applies the custom
	// threshold and offsets, offline commands included.
	rw, err := rewrite.New(g)
	require.NoError(t, err)
	off := rewrite.Offsets{High: g.DefaultHighOffset, Low: g.DefaultLowOffset}
	assert.Equal(t, "$425/ea", rw.Rewrite("$125/ea", off))
	assert.Equal(t, "$75/ea", rw.Rewrite("$50/ea", off))
}

func TestLoadGrammar_EmptyPathUsesDefaults(t *testing.T) {
	_, g, err := loadGrammar("")
	require.NoError(t, err)
	assert.Equal(t, rules.Default(), g)
}

func TestPruneCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	pruneCmd, _, err := cmd.Find([]string{"prune"})
	require.NoError(t, err)

	applyFlag := pruneCmd.Flags().Lookup("apply")
	require.NotNil(t, applyFlag)
	assert.Equal(t, "false", applyFlag.DefValue)
}
