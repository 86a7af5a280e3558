package workload

import (
	"fmt"
	"os"

	"github.com/mlOS-foundation/system-test/pkg/validate"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk layout of a models catalog. Models is kept as a
// node so that declaration order survives decoding.
type catalogFile struct {
	Models yaml.Node `yaml:"models"`
}

// LoadCatalog reads a models catalog file. Entries keep their file order;
// the map key becomes the workload name.
func LoadCatalog(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML.
func ParseCatalog(data []byte) ([]Spec, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	if file.Models.Kind == 0 {
		return nil, fmt.Errorf("catalog has no models section")
	}

	if file.Models.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("catalog models must be a mapping, line %d", file.Models.Line)
	}

	content := file.Models.Content
	specs := make([]Spec, 0, len(content)/2)

	for i := 0; i+1 < len(content); i += 2 {
		name := content[i].Value

		spec := Spec{Enabled: true}
		if err := content[i+1].Decode(&spec); err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}

		spec.Name = name

		if err := spec.check(); err != nil {
			return nil, err
		}

		specs = append(specs, spec)
	}

	return specs, nil
}

func (s *Spec) check() error {
	if s.Name == "" {
		return fmt.Errorf("model name is required")
	}

	if s.ID == "" {
		return fmt.Errorf("model %q: id is required", s.Name)
	}

	if !s.Category.Valid() {
		return fmt.Errorf("model %q: unknown category %q", s.Name, s.Category)
	}

	if s.NeedsValueCheck() {
		if _, err := validate.FromRules(s.Validate); err != nil {
			return fmt.Errorf("model %q: invalid validate rules: %w", s.Name, err)
		}
	}

	return nil
}
