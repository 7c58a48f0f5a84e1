package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config describes how the probe launches and drives a peer server
type Config struct {
	Server *ServerConfig `yaml:"server"`
}

// ServerConfig contains launch settings for the peer language server
type ServerConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args,omitempty"`
	WorkingDir string   `yaml:"working_dir,omitempty"`
	// TraceEnv names the environment variable the --trace flag sets to "1"
	TraceEnv string `yaml:"trace_env,omitempty"`
	// FilesFlag is the peer argument that introduces the search-scope file
	// list, e.g. "--files"
	FilesFlag string `yaml:"files_flag,omitempty"`
	// DefinitionFile is the fallback target for the definition probe when
	// no explicit file list is given
	DefinitionFile string `yaml:"definition_file,omitempty"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	applyDefaults(&config)
	return &config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(config *Config) error {
	if config.Server == nil {
		return fmt.Errorf("server configuration is required")
	}
	if config.Server.Command == "" {
		return fmt.Errorf("server command is required")
	}
	return nil
}

func applyDefaults(config *Config) {
	if config.Server.FilesFlag == "" {
		config.Server.FilesFlag = "--files"
	}
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lsp-probe", "config.yaml")
}

// GetDefaultConfig returns a configuration suitable for probing a server
// binary named on the command line, with no trace toggle wired.
func GetDefaultConfig(command string) *Config {
	return &Config{
		Server: &ServerConfig{
			Command:   command,
			FilesFlag: "--files",
		},
	}
}
