// Package orchestrator – loader.go handles loading configuration from YAML
// files with credential resolution via environment variables and .env files.
package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// Automatically loads .env files and expands environment variables.
// Returns an error if any ${VAR:?error} pattern has its variable unset.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config.
// Starts with defaults and overlays values from the YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}

	// YAML unmarshal zeros bool fields when absent. Re-apply defaults for
	// sections whose enabled flags should be on out of the box.
	if _, hasScheduler := raw["scheduler"]; !hasScheduler {
		cfg.Scheduler = DefaultConfig().Scheduler
	} else {
		schedMap, _ := raw["scheduler"].(map[string]any)
		if _, set := schedMap["enabled"]; !set {
			cfg.Scheduler.Enabled = true
		}
	}

	return cfg, nil
}

// SaveConfigToFile writes a Config as YAML to the specified path.
// Secrets are replaced with environment variable references. Creates a
// backup (.bak) of the existing file before overwriting.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.WebUI.AuthToken = sanitizeSecret(cfg.WebUI.AuthToken, "CREWCLAW_AUTH_TOKEN")
	sanitized.Notify.Discord.Token = sanitizeSecret(cfg.Notify.Discord.Token, "DISCORD_BOT_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Validate the marshaled YAML is parseable before writing.
	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if existing, err := os.ReadFile(path); err == nil {
			_ = os.WriteFile(path+".bak", existing, 0o600)
		}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"crewclaw.yaml",
		"crewclaw.yml",
		"configs/config.yaml",
		"configs/crewclaw.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations.
// godotenv does NOT overwrite existing env vars.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error}, and $VAR
// references in a string with their environment variable values. Unset
// variables without a modifier keep their placeholder; the ${VAR:?error}
// form returns an "ERROR:" marker caught during validation.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)

		var varName, modifierType, modifierValue, bareVar string
		if len(submatches) >= 2 {
			varName = submatches[1]
		}
		if len(submatches) >= 3 {
			modifierType = submatches[2]
		}
		if len(submatches) >= 4 {
			modifierValue = submatches[3]
		}
		if len(submatches) >= 5 {
			bareVar = submatches[4]
		}

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if varName != "" {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			if modifierType != "" {
				if modifierType == "?" {
					errorMsg := modifierValue
					if errorMsg == "" {
						errorMsg = "required environment variable not set"
					}
					return "ERROR:" + varName + ":" + errorMsg
				}
				return modifierValue
			}
			return match
		}

		return match
	})
}

// expandEnvVarsWithValidation is like expandEnvVars but returns an error
// if any ${VAR:?error} pattern has its variable unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	if strings.Contains(result, "ERROR:") {
		idx := strings.Index(result, "ERROR:")
		rest := result[idx+6:]
		colonIdx := strings.Index(rest, ":")
		if colonIdx == -1 {
			return "", fmt.Errorf("config error: malformed error marker")
		}
		varName := rest[:colonIdx]
		errorMsg := rest[colonIdx+1:]
		if errorMsg == "" {
			errorMsg = "required environment variable not set"
		}
		return "", fmt.Errorf("config error: %s - %s", varName, errorMsg)
	}
	return result, nil
}

// resolveSecrets fills in config secrets from environment variables
// when the config value is empty or a placeholder.
func resolveSecrets(cfg *Config) {
	if cfg.WebUI.AuthToken == "" || isEnvReference(cfg.WebUI.AuthToken) {
		if tok := os.Getenv("CREWCLAW_AUTH_TOKEN"); tok != "" {
			cfg.WebUI.AuthToken = tok
		}
	}
	if cfg.Notify.Discord.Token == "" || isEnvReference(cfg.Notify.Discord.Token) {
		if tok := os.Getenv("DISCORD_BOT_TOKEN"); tok != "" {
			cfg.Notify.Discord.Token = tok
		}
	}
}

// resolveRelativePaths converts relative paths to absolute paths based on
// the config file's directory, so paths work regardless of the working
// directory the service was started from.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)

	if cfg.Database.Path != "" {
		cfg.Database.Path = resolvePathFromConfig(cfg.Database.Path, configDir)
	}
	if cfg.Sandbox.WorkDir != "" {
		cfg.Sandbox.WorkDir = resolvePathFromConfig(cfg.Sandbox.WorkDir, configDir)
	}
	if cfg.Sandbox.SSH.KeyPath != "" {
		cfg.Sandbox.SSH.KeyPath = resolvePathFromConfig(cfg.Sandbox.SSH.KeyPath, configDir)
	}
	if cfg.Sandbox.SSH.KnownHostsPath != "" {
		cfg.Sandbox.SSH.KnownHostsPath = resolvePathFromConfig(cfg.Sandbox.SSH.KnownHostsPath, configDir)
	}
}

// resolvePathFromConfig converts a path to absolute, resolving relative paths
// against the config file's directory. Expands ~ to home directory.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}

	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a real secret with an env var reference
// for safe storage in config files.
func sanitizeSecret(value, envVar string) string {
	if value == "" || isEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// isEnvReference checks if a string is an environment variable reference.
func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// checkFilePermissions warns if the config file is group or world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
