package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "blogsync"

// File and directory names below the data directory.
const (
	configFileName = "config.toml"
	stateFileName  = "blogsync.db"
	tokenDirName   = "tokens"
	bareDirName    = "mirrors"
	logFileName    = "blogsync.log"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/blogsync).
// On macOS, uses ~/Library/Application Support/blogsync per Apple guidelines.
// Other platforms fall back to ~/.config/blogsync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// linuxConfigDir returns the XDG-compliant config directory for Linux.
func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultDataDir returns the platform-specific directory for application data
// (state databases, logs, tokens).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/blogsync).
// On macOS, uses ~/Library/Application Support/blogsync (macOS convention
// collapses config and data into one directory).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDataDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// linuxDataDir returns the XDG-compliant data directory for Linux.
func linuxDataDir(home string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither BLOGSYNC_CONFIG nor
// --config is specified.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// StatePath returns the SQLite state database path inside dataDir.
func StatePath(dataDir string) string {
	return filepath.Join(dataDir, stateFileName)
}

// TokenPath returns the OAuth token file for a provider. An explicit
// tokenDir wins over the data directory default.
func TokenPath(dataDir, tokenDir, provider string) string {
	if tokenDir == "" {
		tokenDir = filepath.Join(dataDir, tokenDirName)
	}

	return filepath.Join(ExpandHome(tokenDir), provider+".json")
}

// BareDir returns the directory holding bare Git mirrors.
func BareDir(dataDir, configured string) string {
	if configured != "" {
		return ExpandHome(configured)
	}

	return filepath.Join(dataDir, bareDirName)
}

// DefaultLogPath returns the log file path used when log_file is "default".
func DefaultLogPath(dataDir string) string {
	return filepath.Join(dataDir, logFileName)
}

// ExpandHome replaces a leading "~" with the user's home directory.
// Paths without a tilde prefix are returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
