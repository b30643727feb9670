package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// LoadTOML loads configuration from a TOML file.
// Keys present in the file but not in target are rejected.
func LoadTOML(path string, target interface{}) error {
	meta, err := toml.DecodeFile(path, target)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}

	return nil
}
