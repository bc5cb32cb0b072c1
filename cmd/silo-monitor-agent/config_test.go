package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "application.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func readAgentID(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg struct {
		Grpc struct {
			AgentID       string `yaml:"agent_id"`
			ServerAddress string `yaml:"server_address"`
		} `yaml:"grpc"`
	}
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	return cfg.Grpc.AgentID
}

func TestSaveAgentID_ReplacesEmptyValue(t *testing.T) {
	path := writeConfig(t, `grpc:
  server_address: localhost:9090
  # filled on first start
  agent_id: ""
labels:
  env: dev
`)

	require.NoError(t, saveAgentID(path, "agent-123"))

	assert.Equal(t, "agent-123", readAgentID(t, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# filled on first start")
	assert.Contains(t, string(data), "server_address: localhost:9090")
	assert.Contains(t, string(data), "env: dev")
}

func TestSaveAgentID_AddsMissingKeys(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")

	require.NoError(t, saveAgentID(path, "agent-456"))
	assert.Equal(t, "agent-456", readAgentID(t, path))

	path = writeConfig(t, "grpc:\n  server_address: srv:9090\n")
	require.NoError(t, saveAgentID(path, "agent-789"))
	assert.Equal(t, "agent-789", readAgentID(t, path))
}

func TestSaveAgentID_Errors(t *testing.T) {
	err := saveAgentID(filepath.Join(t.TempDir(), "missing.yaml"), "x")
	assert.Error(t, err)

	path := writeConfig(t, "- just\n- a list\n")
	err = saveAgentID(path, "x")
	assert.Error(t, err)
}
