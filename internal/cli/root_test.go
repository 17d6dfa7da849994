package cli

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	root := GetRootCmd()
	assert.Equal(t, "engram", root.Use)
	assert.Equal(t, version, root.Version)

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}

func TestSubcommandsRegistered(t *testing.T) {
	byName := map[string]bool{}
	for _, c := range GetRootCmd().Commands() {
		byName[c.Name()] = true
	}

	for _, name := range []string{"status", "stop", "reindex", "export", "import", "embed-server", "vector-worker"} {
		assert.True(t, byName[name], "missing command %s", name)
	}
}

func TestHiddenCommandsStayHidden(t *testing.T) {
	for _, c := range GetRootCmd().Commands() {
		switch c.Name() {
		case "embed-server", "vector-worker":
			assert.True(t, c.Hidden, "%s must be hidden", c.Name())
		}
	}
}

func TestEmbedServerFlags(t *testing.T) {
	var embedServer *cobra.Command
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == "embed-server" {
			embedServer = c
		}
	}
	require.NotNil(t, embedServer)

	for _, flag := range []string{"model", "dimensions", "grace-period", "data-dir"} {
		assert.NotNil(t, embedServer.Flags().Lookup(flag), "missing flag %s", flag)
	}
}
