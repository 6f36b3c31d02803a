package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCLI_Commands(t *testing.T) {
	root := newCLI()

	for _, path := range [][]string{
		{"serve"},
		{"sync"},
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "steps"},
		{"migrate", "force"},
		{"migrate", "version"},
		{"version"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestSyncCommand_Flags(t *testing.T) {
	cmd := syncCommand(&instance{})

	for _, name := range []string{"force", "batch-size", "dry-run", "bidirectional", "legacy", "pending", "limit", "appid"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestVersionCommand_SkipsConfig(t *testing.T) {
	root := newCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestPrintJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printJSON(&out, map[string]int{"created": 2}))
	assert.JSONEq(t, `{"created": 2}`, out.String())
}
