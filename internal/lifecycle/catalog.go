package lifecycle

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"inferd/internal/logging"
)

// Catalog is the on-disk module registry format.
type Catalog struct {
	Modules []ModuleSpec `yaml:"modules"`
}

// LoadCatalog reads and validates a YAML module catalog. A missing file is
// an error here; callers that treat the catalog as optional check existence
// first.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	seen := make(map[string]bool, len(cat.Modules))
	for _, spec := range cat.Modules {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("catalog %s: duplicate module %s", path, spec.Name)
		}
		seen[spec.Name] = true
	}

	logging.Lifecycle("catalog loaded path=%s modules=%d", path, len(cat.Modules))
	return &cat, nil
}
