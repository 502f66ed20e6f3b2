// Package settings persists per-role worker state across application
// restarts: which plugins were loaded, window geometry, and role-specific
// flags. One YAML file per role+identity lives in the user directory.
package settings

import (
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/gazehub/gazehub/errors"
	"github.com/gazehub/gazehub/plugin"
)

// Geometry is a window's position and size on the desktop.
type Geometry struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Settings is the persisted state of one worker role+identity.
type Settings struct {
	Version string              `yaml:"version"`
	Window  Geometry            `yaml:"window"`
	Plugins []plugin.Descriptor `yaml:"plugins,omitempty"`

	// Flags holds role-specific UI toggles (e.g. "flip_image" for an eye
	// window).
	Flags map[string]bool `yaml:"flags,omitempty"`
}

// Store reads and writes role settings files under one user directory, all
// stamped with the running application version.
type Store struct {
	dir     string
	version string
	logger  *slog.Logger
}

// NewStore creates a store rooted at userDir. The directory is created if
// missing.
func NewStore(userDir, version string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "Store", "NewStore", "create user directory")
	}
	return &Store{dir: userDir, version: version, logger: logger}, nil
}

func (s *Store) path(role, identity string) string {
	return filepath.Join(s.dir, "settings_"+role+"_"+identity+".yaml")
}

// Load returns the settings for role+identity. The second return reports
// whether persisted state was restored: a missing file, an unreadable
// file, or a version mismatch all discard the store wholesale and yield
// fresh defaults. There is no partial migration.
func (s *Store) Load(role, identity string) (*Settings, bool) {
	fresh := &Settings{Version: s.version, Flags: map[string]bool{}}

	data, err := os.ReadFile(s.path(role, identity))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Unreadable settings file, starting fresh",
				"role", role, "identity", identity, "error", err)
		}
		return fresh, false
	}

	var st Settings
	if err := yaml.Unmarshal(data, &st); err != nil {
		s.logger.Warn("Corrupt settings file, starting fresh",
			"role", role, "identity", identity, "error", err)
		return fresh, false
	}
	if st.Version != s.version {
		s.logger.Info("Settings version mismatch, discarding store",
			"role", role, "identity", identity,
			"stored", st.Version, "running", s.version)
		return fresh, false
	}
	if st.Flags == nil {
		st.Flags = map[string]bool{}
	}
	return &st, true
}

// Save writes the settings for role+identity, stamping them with the
// running version. The write is atomic: temp file then rename.
func (s *Store) Save(role, identity string, st *Settings) error {
	st.Version = s.version
	data, err := yaml.Marshal(st)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "Save", "encode settings")
	}

	path := s.path(role, identity)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WrapTransient(err, "Store", "Save", "write settings")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.WrapTransient(err, "Store", "Save", "commit settings")
	}
	return nil
}
