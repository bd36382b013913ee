package main

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config is the toolkit service configuration: the command whitelist and the
// security rules applied to every request.
type Config struct {
	Commands []CommandConfig `yaml:"commands" validate:"required,min=1,dive"`
	Security SecurityConfig  `yaml:"security"`
	Log      LogConfig       `yaml:"log"`
}

// CommandConfig whitelists one binary.
type CommandConfig struct {
	Name                string        `yaml:"name" validate:"required"`
	BinaryPath          string        `yaml:"binary_path" validate:"required"`
	AllowedArgsPatterns []string      `yaml:"allowed_args_patterns" validate:"required,min=1"`
	EnvWhitelist        []string      `yaml:"env_whitelist"`
	Timeout             time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxConcurrent       int           `yaml:"max_concurrent" validate:"gt=0"`
}

// SecurityConfig restricts paths and request size.
type SecurityConfig struct {
	SharedVolumePath string   `yaml:"shared_volume_path" validate:"required"`
	ForbiddenPaths   []string `yaml:"forbidden_paths" validate:"required,min=1"`
	// AllowedPathPrefixes are directories outside the shared volume that
	// absolute arguments may point into (scripts, binaries).
	AllowedPathPrefixes []string      `yaml:"allowed_path_prefixes"`
	MaxCommandLength    int           `yaml:"max_command_length" validate:"gt=0"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout" validate:"gte=0"`
	AuditLogPath        string        `yaml:"audit_log_path"`
}

// LogConfig selects the service log level and format.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text console json"`
}

const defaultAcquireTimeout = 30 * time.Second

var defaultAllowedPrefixes = []string{"/app/scripts/", "/usr/bin/", "/usr/local/bin/"}

// LoadConfig loads configuration from a YAML file and validates it.
// Returns an error if the file cannot be read, parsed, or validation fails.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Security.AcquireTimeout == 0 {
		config.Security.AcquireTimeout = defaultAcquireTimeout
	}
	if config.Security.AllowedPathPrefixes == nil {
		config.Security.AllowedPathPrefixes = defaultAllowedPrefixes
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// GetCommandConfig returns the configuration for a specific command by name.
// Returns an error if the command is not found in the whitelist.
func (c *Config) GetCommandConfig(name string) (*CommandConfig, error) {
	for i := range c.Commands {
		if c.Commands[i].Name == name {
			return &c.Commands[i], nil
		}
	}
	return nil, fmt.Errorf("command %s not found in whitelist", name)
}

// BinaryPaths maps command names to their binaries.
func (c *Config) BinaryPaths() map[string]string {
	paths := make(map[string]string, len(c.Commands))
	for _, cmd := range c.Commands {
		paths[cmd.Name] = cmd.BinaryPath
	}
	return paths
}

// validateConfig runs the struct rules, then checks what tags cannot express:
// unique names and compilable patterns. All problems are reported together.
func validateConfig(config *Config) error {
	var result *multierror.Error

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(config); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				result = multierror.Append(result, fmt.Errorf("%s: failed %q validation", fe.Namespace(), fe.Tag()))
			}
		} else {
			result = multierror.Append(result, err)
		}
	}

	seen := make(map[string]bool, len(config.Commands))
	for i, cmd := range config.Commands {
		if seen[cmd.Name] {
			result = multierror.Append(result, fmt.Errorf("command[%d] (%s): duplicate name", i, cmd.Name))
		}
		seen[cmd.Name] = true
		for _, p := range cmd.AllowedArgsPatterns {
			if _, err := regexp.Compile(p); err != nil {
				result = multierror.Append(result, fmt.Errorf("command[%d] (%s): invalid pattern %q: %w", i, cmd.Name, p, err))
			}
		}
	}

	return result.ErrorOrNil()
}
