package archive

import (
	"path/filepath"

	"codeberg.org/mutker/venuslog/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm = 0o755
	defaultDBName  = "archive.db"
	backupDirName  = "backups"
)

type Config struct {
	DBPath  string
	Enabled bool
}

func DefaultConfig() Config {
	return Config{
		Enabled: false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if the archive is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	return nil
}

// DefaultPath returns the archive location inside a log directory.
func DefaultPath(logDir string) string {
	return filepath.Join(logDir, defaultDBName)
}
