package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// SaveConfig writes the configuration to path, choosing the encoding from
// the extension. Unknown extensions are written as TOML.
func SaveConfig(cfg *Config, path string) error {
	data, err := Encode(cfg, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Write to a temp file and rename so the watcher never sees a partial file.
	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}

	return nil
}

// Encode renders cfg in the format named by ext (".toml", ".json", ".yaml").
func Encode(cfg *Config, ext string) ([]byte, error) {
	snapshot := cfg.Clone()

	switch ext {
	case ".json":
		return json.MarshalIndent(snapshot, "", "  ")
	case ".yaml", ".yml":
		return yaml.Marshal(snapshot)
	default:
		var buf bytes.Buffer
		buf.WriteString("# gestured configuration\n\n")
		if err := toml.NewEncoder(&buf).Encode(snapshot); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}
