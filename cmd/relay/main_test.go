package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relay "github.com/flashfusion/collab-relay"
)

func TestVersionCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, relay.Version+"\n", out.String())
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("RELAY_JWT_SECRET", "")
	t.Setenv("RELAY_SUPABASE_URL", "")
	cmd := buildRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestMigrateNeedsDatabase(t *testing.T) {
	t.Setenv("RELAY_DB", "")
	cmd := buildRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"migrate", "status"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db must be set")
}
