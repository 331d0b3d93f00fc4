package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	// Verify expected subcommands are registered.
	expected := []string{"serve", "ingest", "metrics", "variance", "export", "jobs", "status"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "finhub", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestIngestCommand_Flags(t *testing.T) {
	for _, name := range []string{"entity", "period", "scenario", "from"} {
		flag := ingestCmd.Flags().Lookup(name)
		assert.NotNil(t, flag, "ingest should have --%s flag", name)
	}
}

func TestExportCommand_Flags(t *testing.T) {
	kind := exportCmd.Flags().Lookup("kind")
	require.NotNil(t, kind, "export command should have --kind flag")
	assert.Equal(t, "board_pack", kind.DefValue)

	out := exportCmd.Flags().Lookup("out")
	require.NotNil(t, out, "export command should have --out flag")
}

func TestJobsCommand_HasSubcommands(t *testing.T) {
	cmds := jobsCmd.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	for _, name := range []string{"list", "show"} {
		assert.True(t, names[name], "jobs should have subcommand %q", name)
	}
}

func TestJobsListCommand_Flags(t *testing.T) {
	flag := jobsListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag, "jobs list should have --limit flag")
	assert.Equal(t, "50", flag.DefValue)
}
