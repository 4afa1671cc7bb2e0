package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	Addr            string `toml:"addr"`
	App             string `toml:"app"`
	UploadDir       string `toml:"upload_dir"`
	StaticDir       string `toml:"static_dir"`
	LogDir          string `toml:"log_dir"`
	LogLevel        string `toml:"log_level"`
	EnvFile         string `toml:"env_file"`
	MaxFileSizeMB   int    `toml:"max_file_size_mb"`
	PerPage         int    `toml:"per_page"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	Watch           *bool  `toml:"watch"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.imgship/config.toml if the user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".imgship", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("addr", fc.Addr, &cfg.Addr)
	s.setString("app", fc.App, &cfg.App)
	s.setString("upload-dir", fc.UploadDir, &cfg.UploadDir)
	s.setString("static-dir", fc.StaticDir, &cfg.StaticDir)
	s.setString("log-dir", fc.LogDir, &cfg.LogDir)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("env-file", fc.EnvFile, &cfg.EnvFile)

	s.setInt("max-file-size", fc.MaxFileSizeMB, &cfg.MaxFileSizeMB)
	s.setInt("per-page", fc.PerPage, &cfg.PerPage)

	if err := s.setDuration("shutdown-timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout); err != nil {
		return err
	}

	s.setBool("watch", fc.Watch, &cfg.Watch)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
