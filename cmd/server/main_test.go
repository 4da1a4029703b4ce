package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLanguagesCommand(t *testing.T) {
	path := writeConfig(t, `
security:
  allowed_languages: [python, go, cobol]
`)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"languages", "--config", path})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "go\npython\n", out.String())
}

func TestLanguagesCommandInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  transport: carrier-pigeon
`)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"languages", "--config", path})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.transport")
}

func TestServeRejectsArguments(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "extra"})
	assert.Error(t, cmd.Execute())
}
