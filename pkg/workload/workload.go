// Package workload describes the catalog of models under validation and turns
// it into an executable test plan.
package workload

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mlOS-foundation/system-test/pkg/validate"
)

// Category is the input modality of a workload.
type Category string

const (
	CategoryNLP        Category = "nlp"
	CategoryVision     Category = "vision"
	CategoryMultimodal Category = "multimodal"
	CategoryGenerative Category = "generative"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryNLP, CategoryVision, CategoryMultimodal, CategoryGenerative:
		return true
	default:
		return false
	}
}

// Inputs overrides the payload shape a generator produces for a workload.
// Zero values fall back to the generator defaults.
type Inputs struct {
	InputName    string `yaml:"input_name,omitempty"`
	SmallLength  int    `yaml:"small_length,omitempty"`
	LargeLength  int    `yaml:"large_length,omitempty"`
	ImageSize    int    `yaml:"image_size,omitempty"`
	Channels     int    `yaml:"channels,omitempty"`
	TokenTypeIDs bool   `yaml:"token_type_ids,omitempty"`
	Prompt       string `yaml:"prompt,omitempty"`
	Seed         int64  `yaml:"seed,omitempty"`
}

// Spec is one immutable catalog entry.
type Spec struct {
	ID        string          `yaml:"id"`
	Name      string          `yaml:"-"`
	Category  Category        `yaml:"category"`
	InputType string          `yaml:"input_type,omitempty"`
	Enabled   bool            `yaml:"enabled"`
	Large     *bool           `yaml:"large_variant,omitempty"`
	Inputs    Inputs          `yaml:"inputs,omitempty"`
	Validate  []validate.Rule `yaml:"validate,omitempty"`
}

// NeedsValueCheck reports whether responses must be run through the output
// validators.
func (s *Spec) NeedsValueCheck() bool {
	return len(s.Validate) > 0
}

// ParseID splits "repo/model@version" into its parts. A missing version
// means "latest".
func ParseID(id string) (repoModel, version string) {
	if i := strings.LastIndex(id, "@"); i >= 0 {
		return id[:i], id[i+1:]
	}

	return id, "latest"
}

// ArtifactPaths lists the locations the packaging tool may place the
// converted artifact of id under cacheDir, preferred first. The second form
// flattens the id, e.g. hf/distilgpt2@latest becomes hf-distilgpt2-latest.
func ArtifactPaths(cacheDir, id string) []string {
	repoModel, version := ParseID(id)
	flat := strings.NewReplacer("/", "-", "@", "-").Replace(repoModel + "@" + version)

	return []string{
		filepath.Join(cacheDir, filepath.FromSlash(repoModel), version, "model.onnx"),
		filepath.Join(cacheDir, flat, "model.onnx"),
	}
}

// LocateArtifact returns the first existing artifact path for id.
func LocateArtifact(cacheDir, id string) (string, bool) {
	for _, p := range ArtifactPaths(cacheDir, id) {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}

	return "", false
}
