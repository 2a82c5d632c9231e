package worktree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// settingsManifest is the agent permission manifest written to
// .claude/settings.local.json inside each worktree.
type settingsManifest struct {
	Permissions settingsPermissions `json:"permissions"`
	Trust       bool                `json:"trust"`
}

type settingsPermissions struct {
	Allow []string `json:"allow"`
}

// mcpManifest is the tool-server manifest written to .mcp.json inside each
// worktree. It advertises the agent-side tool server with the worktree id in
// its environment so tool calls can be attributed.
type mcpManifest struct {
	McpServers map[string]mcpServer `json:"mcpServers"`
}

type mcpServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// writeAgentFiles writes the permission and tool-server manifests into a
// freshly created worktree.
func writeAgentFiles(projectPath, wtPath, worktreeID string) error {
	allow := []string{
		"Bash",
		fmt.Sprintf("Read(%s/**)", projectPath),
		fmt.Sprintf("Write(%s/**)", projectPath),
		fmt.Sprintf("Edit(%s/**)", projectPath),
	}
	if !strings.HasPrefix(wtPath, projectPath+string(filepath.Separator)) {
		allow = append(allow,
			fmt.Sprintf("Read(%s/**)", wtPath),
			fmt.Sprintf("Write(%s/**)", wtPath),
			fmt.Sprintf("Edit(%s/**)", wtPath),
		)
	}

	settings := settingsManifest{
		Permissions: settingsPermissions{Allow: allow},
		Trust:       true,
	}
	if err := writeJSON(filepath.Join(wtPath, ".claude", "settings.local.json"), settings); err != nil {
		return err
	}

	return writeJSON(filepath.Join(wtPath, ".mcp.json"), agentManifest(worktreeID))
}

func agentManifest(worktreeID string) mcpManifest {
	return mcpManifest{
		McpServers: map[string]mcpServer{
			"orchard": {
				Command: "orchard",
				Args:    []string{"agent-tools"},
				Env:     map[string]string{"WORKTREE_ID": worktreeID},
			},
		},
	}
}

// WriteAgentManifest writes (or rewrites) the worktree-scoped tool-server
// manifest. The print-session executor refreshes it before every run so the
// advertised WORKTREE_ID always matches the worktree the agent runs in.
func WriteAgentManifest(wtPath, worktreeID string) error {
	return writeJSON(filepath.Join(wtPath, ".mcp.json"), agentManifest(worktreeID))
}

// resyncAgentManifest rewrites .mcp.json only when its WORKTREE_ID no longer
// matches the freshly computed id (the worktree moved, or the manifest was
// written by an older layout).
func resyncAgentManifest(wtPath, worktreeID string) error {
	path := filepath.Join(wtPath, ".mcp.json")
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is under a managed worktree
	if err != nil {
		if os.IsNotExist(err) {
			return writeJSON(path, agentManifest(worktreeID))
		}
		return err
	}

	var manifest mcpManifest
	if err := json.Unmarshal(data, &manifest); err == nil {
		if server, ok := manifest.McpServers["orchard"]; ok && server.Env["WORKTREE_ID"] == worktreeID {
			return nil
		}
	}
	return writeJSON(path, agentManifest(worktreeID))
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}
