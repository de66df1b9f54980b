package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Security limits for configuration
	maxConfigSize = 1 << 20 // 1MB max config file size
	maxEnvVarLen  = 10000   // Maximum environment variable value length
	maxPathLen    = 4096    // Maximum file path length
)

// validateConfigPath does basic path validation
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if len(path) > maxPathLen {
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	}

	// Reject parent references that survive cleaning, e.g. "../../etc/wsfeed.toml"
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) && strings.HasPrefix(filepath.ToSlash(cleanPath), "../") {
		return fmt.Errorf("path traversal not allowed: %s resolves outside working directory", path)
	}

	if !strings.EqualFold(filepath.Ext(cleanPath), ".toml") {
		return fmt.Errorf("only TOML config files allowed: %s", path)
	}

	return nil
}

// checkConfigFile validates the path and makes sure it names a regular file of sane size
func checkConfigFile(path string) error {
	if err := validateConfigPath(path); err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat config file: %w", err)
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}

	if info.Size() > maxConfigSize {
		return fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}

	return nil
}

// validateEnvVar does basic environment variable validation
func validateEnvVar(key, value string) error {
	if value == "" {
		return nil
	}

	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}

	if strings.Contains(value, "\x00") {
		return fmt.Errorf("null byte in environment variable %s", key)
	}

	return nil
}
