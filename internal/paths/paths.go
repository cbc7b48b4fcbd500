package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatrelay, the default data directory.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatrelay")
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Layout is the file layout of one data directory.
type Layout struct {
	Root string
}

// New returns the layout rooted at dataDir, or at BaseDir when empty.
func New(dataDir string) Layout {
	if dataDir == "" {
		dataDir = BaseDir()
	}
	return Layout{Root: dataDir}
}

// SocketPath returns the admin RPC unix socket.
func (l Layout) SocketPath() string {
	return filepath.Join(l.Root, "relayd.sock")
}

// DBPath returns the sqlite database path.
func (l Layout) DBPath() string {
	return filepath.Join(l.Root, "chatrelay.db")
}

// LogDir returns the log directory.
func (l Layout) LogDir() string {
	return filepath.Join(l.Root, "logs")
}

// LogPath returns the daemon log file path.
func (l Layout) LogPath() string {
	return filepath.Join(l.LogDir(), "relayd.log")
}

// SpoolDir returns the default webhook spool directory.
func (l Layout) SpoolDir() string {
	return filepath.Join(l.Root, "spool")
}

// EnsureDir creates the data directory tree with owner-only permissions.
func (l Layout) EnsureDir() error {
	for _, d := range []string{l.Root, l.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
