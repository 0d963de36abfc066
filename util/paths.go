package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const AppConfigDir = ".config/lemmy"

// GetConfigDir returns ~/.config/lemmy, creating it on first use.
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	dir := filepath.Join(home, AppConfigDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// ResolveFilePath locates filename, preferring the working directory over the
// config directory. When the file exists in neither, the config directory path
// is returned so the caller creates it there.
func ResolveFilePath(filename string) string {
	if _, err := os.Stat(filename); err == nil {
		return filename
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	userPath := filepath.Join(configDir, filename)
	return userPath
}
