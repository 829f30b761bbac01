// Package config resolves the daemon's home directory, credentials, and
// MCP server configuration.
package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/lanternlabs/lantern/internal/mcp"
)

// Subdirectories of the daemon home.
const (
	ConversationsDir = "conversations"
	WorkflowsDir     = "workflows"
	ExecutionsDir    = "executions"
	SkillsDir        = "skills"
	LogsDir          = "logs"
)

// mcpConfigFile is the MCP server config inside the daemon home. JSONC
// comments are tolerated.
const mcpConfigFile = "mcp.json"

// envFile holds credentials as KEY=VALUE lines inside the daemon home.
const envFile = ".env"

// apiKeyVar is the environment variable carrying the LLM API key.
const apiKeyVar = "ANTHROPIC_API_KEY"

// ResolveHome picks the daemon home directory: the --dir flag value if
// set, else $LANTERN_HOME, else ~/.lantern.
func ResolveHome(flagDir string) (string, error) {
	if flagDir != "" {
		return flagDir, nil
	}
	if env := os.Getenv("LANTERN_HOME"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".lantern"), nil
}

// EnsureLayout creates the daemon home and its subdirectories.
func EnsureLayout(homeDir string) error {
	dirs := []string{homeDir}
	for _, sub := range []string{ConversationsDir, WorkflowsDir, ExecutionsDir, SkillsDir, LogsDir} {
		dirs = append(dirs, filepath.Join(homeDir, sub))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// LoadAPIKey reads the LLM API key from the environment, falling back to
// the home directory's .env file. Missing is not an error; the daemon
// starts degraded and reports it.
func LoadAPIKey(homeDir string) string {
	if key := os.Getenv(apiKeyVar); key != "" {
		return key
	}

	vars, err := ParseEnvFile(filepath.Join(homeDir, envFile))
	if err != nil {
		return ""
	}
	return vars[apiKeyVar]
}

// ParseEnvFile reads KEY=VALUE lines. Blank lines and #-comments are
// skipped; surrounding quotes on values are removed.
func ParseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vars := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key != "" {
			vars[key] = value
		}
	}
	return vars, scanner.Err()
}

// LoadMCPConfig reads the MCP server config from the daemon home. An
// absent file yields an empty config.
func LoadMCPConfig(homeDir string) (mcp.Config, error) {
	data, err := os.ReadFile(filepath.Join(homeDir, mcpConfigFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return mcp.Config{MCPServers: map[string]mcp.ServerConfig{}}, nil
		}
		return mcp.Config{}, err
	}

	var cfg mcp.Config
	if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
		return mcp.Config{}, fmt.Errorf("parse %s: %w", mcpConfigFile, err)
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]mcp.ServerConfig{}
	}
	return cfg, nil
}
