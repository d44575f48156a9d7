package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wabot.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wabot")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// SessionDBPath returns the whatsmeow session.db path.
func SessionDBPath(name string) string {
	return filepath.Join(Dir(name), "session.db")
}

// ArchiveDBPath returns the bot-owned archive.db path.
func ArchiveDBPath(name string) string {
	return filepath.Join(Dir(name), "archive.db")
}

// CacheDir returns the directory holding the JSON cache files.
func CacheDir(name string) string {
	return filepath.Join(Dir(name), "cache")
}

// ContactsPath returns the contact directory cache file path.
func ContactsPath(name string) string {
	return filepath.Join(CacheDir(name), "contacts.json")
}

// ContactsBackupPath returns the contact directory backup file path.
func ContactsBackupPath(name string) string {
	return filepath.Join(CacheDir(name), "contacts.backup.json")
}

// HistoryDir returns the directory holding per-conversation history files.
func HistoryDir(name string) string {
	return filepath.Join(CacheDir(name), "history")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "wabotd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDirs creates the profile directory tree with proper permissions.
func EnsureDirs(name string) error {
	dirs := []string{
		Dir(name),
		CacheDir(name),
		HistoryDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
