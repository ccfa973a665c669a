package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var toolNames = []string{
	"graph.add_node",
	"graph.update_node",
	"graph.delete_node",
	"graph.connect",
	"graph.disconnect",
	"graph.status",
	"graph.diagram",
	"node.run",
	"node.stop",
	"project.save",
	"project.load",
	"project.list",
	"project.delete",
	"project.export",
	"project.import",
}

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, len(toolNames))
	for _, name := range toolNames {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"graph.add_node", "Add a node of the given kind to the graph"},
		{"graph.connect", "Connect a node's output to another node's input port"},
		{"node.run", "Run a node's operation. Starting a node that is already running does nothing"},
		{"project.list", "List saved projects"},
	}

	s := NewServer(ServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
