package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Backend abstracts where non-secret config values live.
type Backend interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "revtally-data"
		}
	}
	return filepath.Join(dir, "revtally")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "revtally", "config.json")
}

// fileBackend stores config as a flat JSON object of string values.
type fileBackend struct {
	path string
	data map[string]string
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]string)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	if err := json.Unmarshal(data, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
	}
}

func (b *fileBackend) Get(key string) (string, bool, error) {
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *fileBackend) Set(key, value string) error {
	b.data[key] = value

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	out, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(b.path, out, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
