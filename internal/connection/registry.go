package connection

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// registryFile is the YAML shape of a connection registry file.
type registryFile struct {
	Connections []Definition `yaml:"connections"`
}

// LoadRegistryFile reads connection definitions from a YAML file. Host
// integrators use this to seed well-known connections at startup.
func LoadRegistryFile(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connection registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse connection registry: %w", err)
	}

	for i, def := range file.Connections {
		if def.ID == "" {
			return nil, fmt.Errorf("connection registry entry %d has no id", i)
		}
	}
	return file.Connections, nil
}

// SeedStore registers every definition from a registry file into the store.
func SeedStore(store *Store, path string) error {
	defs, err := LoadRegistryFile(path)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := store.Register(def); err != nil {
			return fmt.Errorf("seed connection %q: %w", def.ID, err)
		}
	}
	return nil
}
