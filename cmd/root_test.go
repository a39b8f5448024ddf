//go:build !integration

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "analyze", "rerun", "status", "list", "cancel"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "risk-analyzer", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	drain := serveCmd.Flags().Lookup("drain")
	require.NotNil(t, drain)
	assert.Equal(t, "30s", drain.DefValue)
}

func TestAnalyzeCommand_Flags(t *testing.T) {
	for _, name := range []string{"questions", "id", "attachments"} {
		assert.NotNil(t, analyzeCmd.Flags().Lookup(name), "analyze should have --%s flag", name)
	}
	assert.Error(t, analyzeCmd.Args(analyzeCmd, nil))
}

func TestRerunCommand_Flags(t *testing.T) {
	flag := rerunCmd.Flags().Lookup("index")
	require.NotNil(t, flag)
	assert.Equal(t, "-1", flag.DefValue)
	for _, name := range []string{"text", "section", "questions"} {
		assert.NotNil(t, rerunCmd.Flags().Lookup(name), "rerun should have --%s flag", name)
	}
}

func TestListCommand_Flags(t *testing.T) {
	flag := listCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
	assert.NotNil(t, listCmd.Flags().Lookup("status"))
}
