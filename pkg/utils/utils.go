package utils

import (
	"os"
	"path/filepath"
	"runtime"
	"unicode/utf8"
)

// IsDir checks if a path is a directory
func IsDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(path string) error {
	if !IsDir(path) {
		return os.MkdirAll(path, 0755)
	}
	return nil
}

// GetConfigDir returns the platform-specific config directory
func GetConfigDir(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = filepath.Join(home, "AppData", "Roaming", appName)
	case "darwin":
		configDir = filepath.Join(home, "Library", "Application Support", appName)
	default: // linux, etc.
		// Check XDG_CONFIG_HOME first
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			configDir = filepath.Join(xdg, appName)
		} else {
			configDir = filepath.Join(home, ".config", appName)
		}
	}

	return configDir, nil
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TruncateString shortens s to at most maxLen bytes without splitting a UTF-8 sequence
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
