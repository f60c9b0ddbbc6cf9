// Package catalog loads the achievement catalog from YAML.
//
// A default catalog is embedded in the binary; a file path may override it
// at start-up. The catalog is read once and never reloaded.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
)

// MaxFileSize is the maximum accepted catalog file size (1MB).
const MaxFileSize = 1024 * 1024

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// document is the root of the catalog YAML.
type document struct {
	Achievements []achievement.Definition `yaml:"achievements"`
}

// ErrEmptyCatalog is returned for a catalog without definitions.
var ErrEmptyCatalog = errors.New("catalog has no achievements")

// Default parses the embedded catalog.
func Default() (*achievement.Catalog, error) {
	return Parse(defaultCatalogYAML)
}

// Load returns the catalog at path, or the embedded one when path is empty.
func Load(path string) (*achievement.Catalog, error) {
	if path == "" {
		return Default()
	}
	return LoadFile(path)
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string) (*achievement.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("catalog %s exceeds %d bytes", path, MaxFileSize)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes catalog YAML and validates every definition.
// Unknown keys are rejected so typos in criteria do not pass silently.
func Parse(data []byte) (*achievement.Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyCatalog
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(doc.Achievements) == 0 {
		return nil, ErrEmptyCatalog
	}

	return achievement.NewCatalog(doc.Achievements)
}
