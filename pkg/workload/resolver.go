package workload

import (
	"errors"
	"fmt"

	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/sirupsen/logrus"
)

// DefaultQuickCount is how many workloads quick mode keeps.
const DefaultQuickCount = 2

// ErrNoTestPlan is returned when no workload is in scope.
var ErrNoTestPlan = errors.New("no workloads in scope")

// Mode selects how much of the catalog is exercised.
type Mode string

const (
	ModeFull  Mode = "full"
	ModeQuick Mode = "quick"
)

// ResolverConfig controls catalog expansion.
type ResolverConfig struct {
	Mode       Mode
	QuickCount int
	CacheDir   string
	Categories []Category
}

// Entry is one workload of a test plan.
type Entry struct {
	Spec             Spec
	AlreadyInstalled bool
	ArtifactPath     string

	// Generator is nil when no payload generator matches the category; the
	// workload is then reported as not applicable.
	Generator Generator
}

// Applicable reports whether the workload can be invoked.
func (e *Entry) Applicable() bool {
	return e.Generator != nil
}

// Variants returns the payload variants to invoke, in order.
func (e *Entry) Variants() []result.Variant {
	if !e.Applicable() {
		return nil
	}

	if e.Generator.HasLarge(&e.Spec) {
		return []result.Variant{result.VariantSmall, result.VariantLarge}
	}

	return []result.Variant{result.VariantSmall}
}

// Plan is an ordered list of workloads to execute.
type Plan []*Entry

// Resolver expands catalog specs into a test plan.
type Resolver struct {
	log      logrus.FieldLogger
	cfg      *ResolverConfig
	registry Registry
}

// NewResolver creates a resolver. A nil registry uses DefaultRegistry.
func NewResolver(log logrus.FieldLogger, cfg *ResolverConfig, registry Registry) *Resolver {
	if registry == nil {
		registry = DefaultRegistry()
	}

	if cfg.Mode == "" {
		cfg.Mode = ModeFull
	}

	if cfg.QuickCount <= 0 {
		cfg.QuickCount = DefaultQuickCount
	}

	return &Resolver{
		log:      log.WithField("component", "resolver"),
		cfg:      cfg,
		registry: registry,
	}
}

// Resolve filters specs to those in scope and probes each for an installed
// artifact. It fails only when nothing is in scope.
func (r *Resolver) Resolve(specs []Spec) (Plan, error) {
	allowed := make(map[Category]struct{}, len(r.cfg.Categories))
	for _, c := range r.cfg.Categories {
		allowed[c] = struct{}{}
	}

	seen := make(map[string]struct{}, len(specs))
	plan := make(Plan, 0, len(specs))

	for i := range specs {
		spec := specs[i]

		if !spec.Enabled {
			continue
		}

		if len(allowed) > 0 {
			if _, ok := allowed[spec.Category]; !ok {
				r.log.WithField("workload", spec.Name).Debug("Category filtered out")

				continue
			}
		}

		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate workload name %q", spec.Name)
		}

		seen[spec.Name] = struct{}{}

		if r.cfg.Mode == ModeQuick && len(plan) >= r.cfg.QuickCount {
			break
		}

		entry := &Entry{Spec: spec}

		if gen, err := r.registry.Get(spec.Category); err != nil {
			r.log.WithField("workload", spec.Name).WithError(err).Warn("Workload not applicable")
		} else {
			entry.Generator = gen
		}

		if path, ok := LocateArtifact(r.cfg.CacheDir, spec.ID); ok {
			entry.AlreadyInstalled = true
			entry.ArtifactPath = path
		}

		plan = append(plan, entry)
	}

	if len(plan) == 0 {
		return nil, ErrNoTestPlan
	}

	r.log.WithFields(logrus.Fields{
		"mode":      r.cfg.Mode,
		"workloads": len(plan),
	}).Info("Test plan resolved")

	return plan, nil
}
