package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PlatformOption describes one supported platform and its per-format
// quality options. This catalog is read-mostly configuration; the database
// platforms table mirrors it for reporting.
type PlatformOption struct {
	Name      string              `yaml:"name" json:"name"`
	Label     string              `yaml:"label" json:"label"`
	Qualities map[string][]string `yaml:"qualities" json:"qualities"`
}

// PlatformCatalog is the full supported-platform list.
type PlatformCatalog struct {
	Platforms []PlatformOption `yaml:"platforms" json:"platforms"`
}

//go:embed platforms.yaml
var defaultCatalog []byte

// LoadPlatformCatalog reads the catalog from path, or the embedded default
// when path is empty.
func LoadPlatformCatalog(path string) (PlatformCatalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return PlatformCatalog{}, fmt.Errorf("op=platforms.load: %w", err)
		}
		data = b
	}
	var cat PlatformCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return PlatformCatalog{}, fmt.Errorf("op=platforms.parse: %w", err)
	}
	if len(cat.Platforms) == 0 {
		return PlatformCatalog{}, fmt.Errorf("op=platforms.parse: empty catalog")
	}
	return cat, nil
}

// QualityValid reports whether quality is a valid token for the format on
// the given platform.
func (c PlatformCatalog) QualityValid(platform, format, quality string) bool {
	for _, p := range c.Platforms {
		if p.Name != platform {
			continue
		}
		for _, q := range p.Qualities[format] {
			if q == quality {
				return true
			}
		}
		return false
	}
	return false
}

// Supported reports whether the platform appears in the catalog.
func (c PlatformCatalog) Supported(platform string) bool {
	for _, p := range c.Platforms {
		if p.Name == platform {
			return true
		}
	}
	return false
}
