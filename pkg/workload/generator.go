package workload

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/mlOS-foundation/system-test/pkg/result"
)

// DefaultSeed makes generated payloads identical across runs.
const DefaultSeed int64 = 42

const (
	defaultTextSmall    = 16
	defaultTextLarge    = 128
	defaultImageSize    = 224
	defaultChannels     = 3
	defaultClipTextLen  = 77
	defaultGenSmall     = 16
	defaultGenLarge     = 128
	defaultPrompt       = "The quick brown fox jumps over the lazy dog. Once upon a time"
	bertClsToken        = 101
	bertSepToken        = 102
	bertFillerToken     = 7592
	clipStartToken      = 49406
	clipEndToken        = 49407
	clipFillerToken     = 320
	defaultTextInput    = "input_ids"
	defaultPixelInput   = "pixel_values"
	attentionMaskInput  = "attention_mask"
	tokenTypeInput      = "token_type_ids"
	generativePromptKey = "prompt"
	generativeLenKey    = "max_new_tokens"
)

// Payload is a flat JSON object keyed by input tensor name.
type Payload map[string]any

// Generator synthesizes deterministic request payloads for one category.
type Generator interface {
	// Generate builds the payload for the given size variant.
	Generate(spec *Spec, variant result.Variant) (Payload, error)

	// HasLarge reports whether a large variant is meaningful for spec.
	HasLarge(spec *Spec) bool
}

// Registry maps categories to payload generators.
type Registry interface {
	Get(category Category) (Generator, error)
	Register(category Category, gen Generator)
	List() []Category
}

type registry struct {
	mu         sync.RWMutex
	generators map[Category]Generator
}

// NewRegistry creates an empty generator registry.
func NewRegistry() Registry {
	return &registry{
		generators: make(map[Category]Generator, 4),
	}
}

// DefaultRegistry returns a registry with a generator for every category.
func DefaultRegistry() Registry {
	r := NewRegistry()
	r.Register(CategoryNLP, &TextGenerator{})
	r.Register(CategoryVision, &VisionGenerator{})
	r.Register(CategoryMultimodal, &MultimodalGenerator{})
	r.Register(CategoryGenerative, &GenerativeGenerator{})

	return r
}

// Get returns the generator for category.
func (r *registry) Get(category Category) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gen, ok := r.generators[category]
	if !ok {
		return nil, fmt.Errorf("no payload generator for category %q", category)
	}

	return gen, nil
}

// Register adds or replaces the generator for category.
func (r *registry) Register(category Category, gen Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generators[category] = gen
}

// List returns the registered categories in sorted order.
func (r *registry) List() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Category, 0, len(r.generators))
	for c := range r.generators {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}

	return def
}

func seedOf(spec *Spec) int64 {
	if spec.Inputs.Seed != 0 {
		return spec.Inputs.Seed
	}

	return DefaultSeed
}

// TextGenerator produces BERT-style token id sequences.
type TextGenerator struct{}

// Generate builds input_ids and attention_mask of the variant length.
func (g *TextGenerator) Generate(spec *Spec, variant result.Variant) (Payload, error) {
	length := orDefault(spec.Inputs.SmallLength, defaultTextSmall)
	if variant == result.VariantLarge {
		length = orDefault(spec.Inputs.LargeLength, defaultTextLarge)
	}

	if length < 2 {
		return nil, fmt.Errorf("text length %d too short", length)
	}

	name := spec.Inputs.InputName
	if name == "" {
		name = defaultTextInput
	}

	payload := Payload{
		name:               tokenSequence(bertClsToken, bertFillerToken, bertSepToken, length),
		attentionMaskInput: repeatInt(1, length),
	}

	if spec.Inputs.TokenTypeIDs {
		payload[tokenTypeInput] = repeatInt(0, length)
	}

	return payload, nil
}

// HasLarge reports true; longer sequences exercise a different code path.
func (g *TextGenerator) HasLarge(_ *Spec) bool {
	return true
}

// VisionGenerator produces a flat normalized NCHW pixel buffer.
type VisionGenerator struct{}

// Generate builds pixel_values of shape 1xCxHxW from a seeded normal
// distribution. Both variants have the same size.
func (g *VisionGenerator) Generate(spec *Spec, _ result.Variant) (Payload, error) {
	name := spec.Inputs.InputName
	if name == "" {
		name = defaultPixelInput
	}

	return Payload{name: pixels(spec)}, nil
}

// HasLarge reports whether the catalog asks for a large variant; images have
// a fixed size so it defaults to false.
func (g *VisionGenerator) HasLarge(spec *Spec) bool {
	return spec.Large != nil && *spec.Large
}

// MultimodalGenerator produces CLIP-style text tokens plus pixels.
type MultimodalGenerator struct{}

// Generate builds input_ids, attention_mask and pixel_values.
func (g *MultimodalGenerator) Generate(spec *Spec, variant result.Variant) (Payload, error) {
	length := orDefault(spec.Inputs.SmallLength, defaultClipTextLen)
	if variant == result.VariantLarge {
		length = orDefault(spec.Inputs.LargeLength, defaultClipTextLen)
	}

	if length < 2 {
		return nil, fmt.Errorf("text length %d too short", length)
	}

	return Payload{
		defaultTextInput:   tokenSequence(clipStartToken, clipFillerToken, clipEndToken, length),
		attentionMaskInput: repeatInt(1, length),
		defaultPixelInput:  pixels(spec),
	}, nil
}

// HasLarge defaults to false. CLIP text is fixed at 77 positions and the
// image has a fixed size, so a large payload only differs when the catalog
// sets large_variant together with a large length.
func (g *MultimodalGenerator) HasLarge(spec *Spec) bool {
	return spec.Large != nil && *spec.Large
}

// GenerativeGenerator produces a prompt and a generation length.
type GenerativeGenerator struct{}

// Generate builds {"prompt": ..., "max_new_tokens": n}.
func (g *GenerativeGenerator) Generate(spec *Spec, variant result.Variant) (Payload, error) {
	n := orDefault(spec.Inputs.SmallLength, defaultGenSmall)
	if variant == result.VariantLarge {
		n = orDefault(spec.Inputs.LargeLength, defaultGenLarge)
	}

	prompt := spec.Inputs.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}

	if variant == result.VariantLarge {
		prompt = strings.Repeat(prompt+" ", 4)
	}

	return Payload{
		generativePromptKey: strings.TrimSpace(prompt),
		generativeLenKey:    n,
	}, nil
}

// HasLarge reports true; long generations are the interesting case.
func (g *GenerativeGenerator) HasLarge(_ *Spec) bool {
	return true
}

func tokenSequence(start, filler, end, length int) []int {
	ids := make([]int, length)
	ids[0] = start

	for i := 1; i < length-1; i++ {
		ids[i] = filler
	}

	ids[length-1] = end

	return ids
}

func repeatInt(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}

	return out
}

func pixels(spec *Spec) []float32 {
	size := orDefault(spec.Inputs.ImageSize, defaultImageSize)
	channels := orDefault(spec.Inputs.Channels, defaultChannels)

	rng := rand.New(rand.NewSource(seedOf(spec)))

	data := make([]float32, channels*size*size)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}

	return data
}
