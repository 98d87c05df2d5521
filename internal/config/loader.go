package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Load reads the settings file into a Config seeded with defaults.
// JSON/JSON5 and YAML are selected by extension; environment variables in
// the file body are expanded. A missing file returns pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		// json5 tolerates comments and trailing commas, and ignores
		// unknown keys like encoding/json.
		if err := json5.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return cfg, nil
}
