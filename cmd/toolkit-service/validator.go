package main

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/hurrican1/diarization-bot/internal/dependency"
)

// Validator performs security validation on command execution requests.
type Validator struct {
	config   *Config
	patterns map[string][]*regexp.Regexp
	volume   *dependency.PathManager
}

// NewValidator creates a Validator and compiles every argument pattern.
// LoadConfig has already rejected patterns that do not compile.
func NewValidator(config *Config) *Validator {
	v := &Validator{
		config:   config,
		patterns: make(map[string][]*regexp.Regexp, len(config.Commands)),
		volume:   dependency.NewPathManager(config.Security.SharedVolumePath),
	}
	for _, cmd := range config.Commands {
		for _, p := range cmd.AllowedArgsPatterns {
			v.patterns[cmd.Name] = append(v.patterns[cmd.Name], regexp.MustCompile(p))
		}
	}
	return v
}

// ValidateRequest performs comprehensive security validation on a command request.
// It checks command whitelist, argument patterns, path security, and environment variables.
// Returns an error if any validation check fails.
func (v *Validator) ValidateRequest(req dependency.CommandRequest) error {
	// Layer 1: Check command whitelist
	cmdConfig, err := v.config.GetCommandConfig(req.Command)
	if err != nil {
		return fmt.Errorf("command %s is not in whitelist", req.Command)
	}

	// Layer 2: Check command length limit
	cmdLength := len(req.Command) + len(strings.Join(req.Args, " "))
	if cmdLength > v.config.Security.MaxCommandLength {
		return fmt.Errorf("command length (%d) exceeds maximum allowed (%d)", cmdLength, v.config.Security.MaxCommandLength)
	}

	// Layer 3: Validate arguments against allowed patterns
	if err := v.validateArgs(req.Args, v.patterns[req.Command]); err != nil {
		return err
	}

	// Layer 4: Validate path security in arguments
	for _, arg := range req.Args {
		if strings.HasPrefix(arg, "/") || strings.Contains(arg, "..") {
			if err := v.validatePath(arg); err != nil {
				return err
			}
		}
	}

	// Layer 5: Working directory must be inside the shared volume
	if req.WorkingDir != "" {
		if err := v.volume.ValidatePath(req.WorkingDir); err != nil {
			return fmt.Errorf("invalid working directory: %w", err)
		}
	}

	// Layer 6: Validate environment variables if specified
	if len(req.Env) > 0 && len(cmdConfig.EnvWhitelist) > 0 {
		for key := range req.Env {
			if !slices.Contains(cmdConfig.EnvWhitelist, key) {
				return fmt.Errorf("environment variable '%s' is not in whitelist", key)
			}
		}
	}

	return nil
}

// validateArgs checks if all arguments match at least one allowed pattern.
func (v *Validator) validateArgs(args []string, patterns []*regexp.Regexp) error {
	for _, arg := range args {
		matched := slices.ContainsFunc(patterns, func(re *regexp.Regexp) bool {
			return re.MatchString(arg)
		})
		if !matched {
			return fmt.Errorf("argument '%s' does not match any allowed pattern", arg)
		}
	}
	return nil
}

// validatePath prohibits path traversal and forbidden directories, and
// requires absolute paths to stay in the shared volume or an allowed prefix.
func (v *Validator) validatePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains dangerous characters '..' (path traversal attempt): %s", path)
	}

	for _, forbiddenPath := range v.config.Security.ForbiddenPaths {
		if path == forbiddenPath || strings.HasPrefix(path, strings.TrimSuffix(forbiddenPath, "/")+"/") {
			return fmt.Errorf("path attempts to access forbidden directory %s: %s", forbiddenPath, path)
		}
	}

	if v.volume.ValidatePath(path) == nil {
		return nil
	}
	for _, prefix := range v.config.Security.AllowedPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return nil
		}
	}

	return fmt.Errorf("path must be within allowed directories (e.g., %s): %s", v.config.Security.SharedVolumePath, path)
}
