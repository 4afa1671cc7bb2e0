package cliconfig

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadEnvFile reads KEY=VALUE pairs from a dotenv file.
// A missing file yields an empty map.
func LoadEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return vars, nil
}

// ApplyEnvConfig applies environment configuration. Process environment wins
// over values from the dotenv file. Both override file config but are
// overridden by flags (checked via changed map).
func ApplyEnvConfig(cfg *Config, changed map[string]bool, dotenv map[string]string) error {
	s := newConfigSetter(changed)
	get := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	}

	// Unprefixed names match existing .env files.
	s.setString("upload-dir", get("UPLOAD_DIR"), &cfg.UploadDir)
	s.setString("log-dir", get("LOG_DIR"), &cfg.LogDir)
	if err := s.setIntFromString("max-file-size", get("MAX_FILE_SIZE_MB"), &cfg.MaxFileSizeMB); err != nil {
		return err
	}

	s.setString("addr", get("IMGSHIP_ADDR"), &cfg.Addr)
	s.setString("app", get("IMGSHIP_APP"), &cfg.App)
	s.setString("static-dir", get("IMGSHIP_STATIC_DIR"), &cfg.StaticDir)
	s.setString("log-level", get("IMGSHIP_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setIntFromString("per-page", get("IMGSHIP_PER_PAGE"), &cfg.PerPage); err != nil {
		return err
	}
	if err := s.setDuration("shutdown-timeout", get("IMGSHIP_SHUTDOWN_TIMEOUT"), &cfg.ShutdownTimeout); err != nil {
		return err
	}

	s.setBoolFromString("watch", get("IMGSHIP_WATCH"), &cfg.Watch)

	return nil
}
