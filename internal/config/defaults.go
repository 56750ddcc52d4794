package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/gestured/
//   - Linux:   $XDG_DATA_HOME/gestured/ or ~/.local/share/gestured/
func PlatformDataDir() string {
	if runtime.GOOS == "darwin" {
		return macOSDir("Application Support")
	}
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/gestured/
//   - Linux:   $XDG_CONFIG_HOME/gestured/ or ~/.config/gestured/
func PlatformConfigDir() string {
	if runtime.GOOS == "darwin" {
		return macOSDir("Application Support")
	}
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// PlatformStateDir returns the directory for logs and crash reports.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/gestured/
//   - Linux:   $XDG_STATE_HOME/gestured/ or ~/.local/state/gestured/
func PlatformStateDir() string {
	if runtime.GOOS == "darwin" {
		return macOSDir("Logs")
	}
	return xdgDir("XDG_STATE_HOME", ".local", "state")
}

// PlatformRuntimeDir returns the directory for the control socket.
//
// Platform paths:
//   - Linux:   $XDG_RUNTIME_DIR/gestured/ or /tmp/gestured-$UID/
//   - macOS:   /tmp/gestured-$UID/
func PlatformRuntimeDir() string {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" && runtime.GOOS != "darwin" {
		return filepath.Join(xdgRuntime, "gestured")
	}
	return filepath.Join(os.TempDir(), "gestured-"+getUserID())
}

func macOSDir(kind string) string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", kind, "gestured")
}

// xdgDir resolves an XDG base directory, falling back to $HOME/fallback...
func xdgDir(env string, fallback ...string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, "gestured")
	}
	home, _ := os.UserHomeDir()
	parts := append([]string{home}, fallback...)
	return filepath.Join(append(parts, "gestured")...)
}

func getUserID() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	return "0"
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	// Search order:
	// 1. Current directory
	// 2. Config directory
	searchDirs := []string{
		".",
		PlatformConfigDir(),
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
